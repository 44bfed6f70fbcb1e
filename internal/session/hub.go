// AngelaMos | 2026
// hub.go

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resubscribeMin = 500 * time.Millisecond
	resubscribeMax = 30 * time.Second
)

var errSubscriptionClosed = errors.New("subscription closed")

type userEvent struct {
	IdentityID string    `json:"identity_id"`
	Kind       EventKind `json:"kind"`
}

// Hub fans user-level events out to every Store watching that user, across
// instances, over a redis pub/sub channel.
type Hub struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	retryMin     time.Duration
	retryMax     time.Duration
	resubscribes atomic.Int64

	mu       sync.RWMutex
	watchers map[string]map[uint64]func(EventKind)
	nextID   uint64
}

func NewHub(client *redis.Client, channel string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		client:   client,
		channel:  channel,
		logger:   logger,
		retryMin: resubscribeMin,
		retryMax: resubscribeMax,
		watchers: make(map[string]map[uint64]func(EventKind)),
	}
}

func (h *Hub) Publish(ctx context.Context, identityID string, kind EventKind) error {
	payload, err := json.Marshal(userEvent{IdentityID: identityID, Kind: kind})
	if err != nil {
		return fmt.Errorf("encode user event: %w", err)
	}

	if err := h.client.Publish(ctx, h.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish user event: %w", err)
	}

	return nil
}

func (h *Hub) Watch(identityID string, fn func(EventKind)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.watchers[identityID] == nil {
		h.watchers[identityID] = make(map[uint64]func(EventKind))
	}
	h.watchers[identityID][id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.watchers[identityID], id)
			if len(h.watchers[identityID]) == 0 {
				delete(h.watchers, identityID)
			}
		})
	}
}

func (h *Hub) Watching() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Run consumes the channel until ctx is done. A failed or dropped
// subscription is retried with exponential backoff.
func (h *Hub) Run(ctx context.Context) {
	delay := h.retryMin

	for {
		subscribed, err := h.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			delay = h.retryMin
		}

		h.resubscribes.Add(1)
		h.logger.Warn("session event hub disconnected, resubscribing",
			"channel", h.channel,
			"retry_in", delay.String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = min(delay*2, h.retryMax)
	}
}

// Resubscribes counts how often Run had to re-establish its subscription.
func (h *Hub) Resubscribes() int64 {
	return h.resubscribes.Load()
}

func (h *Hub) listen(ctx context.Context) (bool, error) {
	sub := h.client.Subscribe(ctx, h.channel)
	defer func() {
		//nolint:errcheck // best-effort unsubscribe
		_ = sub.Close()
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", h.channel, err)
	}

	h.logger.Info("session event hub subscribed", "channel", h.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-messages:
			if !ok {
				return true, errSubscriptionClosed
			}
			h.handle(msg.Payload)
		}
	}
}

func (h *Hub) handle(payload string) {
	var ev userEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		h.logger.Warn("dropping malformed user event", "error", err)
		return
	}

	if !ev.Kind.Valid() || ev.IdentityID == "" {
		h.logger.Warn("dropping unknown user event",
			"kind", string(ev.Kind),
			"identity_id", ev.IdentityID,
		)
		return
	}

	h.dispatch(ev)
}

func (h *Hub) dispatch(ev userEvent) {
	h.mu.RLock()
	fns := make([]func(EventKind), 0, len(h.watchers[ev.IdentityID]))
	for _, fn := range h.watchers[ev.IdentityID] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev.Kind)
	}
}
