// AngelaMos | 2026
// store.go

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/farmerssoko/soko-auth/internal/core"
)

const discardTimeout = 5 * time.Second

// Store is the session wrapper for one client. Listeners registered with
// OnSessionChange are called one at a time, in emission order, from a single
// delivery goroutine.
type Store struct {
	clientID string
	provider Provider
	tokens   TokenStore
	notifier Notifier
	logger   *slog.Logger

	mu        sync.Mutex
	current   *Session
	listeners map[uint64]Listener
	nextID    uint64
	queue     []Event
	unwatch   func()

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewStore(
	clientID string,
	provider Provider,
	tokens TokenStore,
	notifier Notifier,
	logger *slog.Logger,
) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		clientID:  clientID,
		provider:  provider,
		tokens:    tokens,
		notifier:  notifier,
		logger:    logger.With("client", clientID),
		listeners: make(map[uint64]Listener),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	go s.deliver()

	return s
}

func (s *Store) ClientID() string {
	return s.clientID
}

// GetCurrentSession returns the client's live session, refreshing an expired
// access token. It returns nil, nil when the client is signed out or its
// stored credentials are no longer valid.
func (s *Store) GetCurrentSession(ctx context.Context) (*Session, error) {
	const op = "get session"

	stored, err := s.tokens.Load(ctx, s.clientID)
	if err != nil {
		return nil, Normalize(op, err)
	}
	if stored == nil {
		s.setCurrent(nil)
		return nil, nil
	}

	claims, err := s.provider.VerifyAccessToken(ctx, stored.AccessToken)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrTokenExpired):
			return s.refresh(ctx, stored)
		case isInvalidSession(err):
			return nil, s.discard(ctx, op)
		default:
			return nil, Normalize(op, err)
		}
	}

	ident, err := s.provider.GetIdentity(ctx, claims.Subject)
	if err != nil {
		if isInvalidSession(err) {
			return nil, s.discard(ctx, op)
		}
		return nil, Normalize(op, err)
	}

	sess := &Session{
		ID:          claims.SessionID,
		Identity:    *ident,
		AccessToken: stored.AccessToken,
		ExpiresAt:   claims.ExpiresAt,
	}
	s.setCurrent(sess)

	return sess, nil
}

func (s *Store) refresh(ctx context.Context, stored *Tokens) (*Session, error) {
	ctx, span := core.StartSpan(ctx, "session.refresh",
		attribute.String("client.id", s.clientID),
	)
	defer span.End()

	sess, err := s.rotate(ctx, stored)
	core.SetSpanError(ctx, err)
	return sess, err
}

func (s *Store) rotate(ctx context.Context, stored *Tokens) (*Session, error) {
	const op = "refresh session"

	grant, err := s.provider.Refresh(ctx, stored.RefreshToken)
	if err != nil {
		if isInvalidSession(err) {
			s.logger.Info("stored session no longer valid", "error", err)
			return nil, s.discard(ctx, op)
		}
		return nil, Normalize(op, err)
	}

	if err := s.tokens.Save(ctx, s.clientID, tokensFromGrant(grant)); err != nil {
		return nil, Normalize(op, err)
	}

	sess := sessionFromGrant(grant)
	s.setCurrent(sess)
	s.emit(Event{Kind: TokenRefreshed, Session: sess})

	return sess, nil
}

func (s *Store) SignInWithPassword(
	ctx context.Context,
	email, password string,
) (*Session, error) {
	ctx, span := core.StartSpan(ctx, "session.sign_in",
		attribute.String("client.id", s.clientID),
	)
	defer span.End()

	sess, err := s.signIn(ctx, email, password)
	core.SetSpanError(ctx, err)
	return sess, err
}

func (s *Store) signIn(ctx context.Context, email, password string) (*Session, error) {
	const op = "sign in"

	grant, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, Normalize(op, err)
	}

	s.revokeReplaced(ctx, grant.SessionID)

	if err := s.tokens.Save(ctx, s.clientID, tokensFromGrant(grant)); err != nil {
		//nolint:errcheck // the session is unusable without stored tokens
		_ = s.provider.SignOut(ctx, grant.RefreshToken)
		return nil, Normalize(op, err)
	}

	sess := sessionFromGrant(grant)
	s.setCurrent(sess)
	s.emit(Event{Kind: SignedIn, Session: sess})

	return sess, nil
}

// SignOut revokes the client's session with the provider. Stored tokens are
// removed and SIGNED_OUT is emitted even when the provider call fails.
func (s *Store) SignOut(ctx context.Context) error {
	const op = "sign out"

	var errs []error

	stored, err := s.tokens.Load(ctx, s.clientID)
	if err != nil {
		errs = append(errs, err)
	}
	ended := s.currentSession()
	if stored != nil {
		if ended == nil || ended.ID != stored.SessionID {
			ended = &Session{ID: stored.SessionID}
		}
		if err := s.provider.SignOut(ctx, stored.RefreshToken); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.tokens.Delete(ctx, s.clientID); err != nil {
		errs = append(errs, err)
	}

	s.setCurrent(nil)
	s.emit(Event{Kind: SignedOut, Session: ended})

	return Normalize(op, errors.Join(errs...))
}

func (s *Store) OnSessionChange(fn Listener) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners[id] = fn

	return &subscription{store: s, id: id}
}

// Close stops event delivery and drops the external watch.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		unwatch := s.unwatch
		s.unwatch = nil
		s.listeners = make(map[uint64]Listener)
		s.mu.Unlock()

		if unwatch != nil {
			unwatch()
		}
		close(s.done)
	})
}

func (s *Store) discard(ctx context.Context, op string) error {
	s.setCurrent(nil)
	if err := s.tokens.Delete(ctx, s.clientID); err != nil {
		return Normalize(op, err)
	}
	return nil
}

func (s *Store) setCurrent(sess *Session) {
	s.mu.Lock()
	prevID := ""
	if s.current != nil {
		prevID = s.current.Identity.ID
	}
	s.current = sess

	nextID := ""
	if sess != nil {
		nextID = sess.Identity.ID
	}

	var stale func()
	if prevID != nextID || (nextID != "" && s.unwatch == nil) {
		stale = s.unwatch
		s.unwatch = nil
		if nextID != "" && s.notifier != nil {
			s.unwatch = s.notifier.Watch(nextID, s.onUserEvent)
		}
	}
	s.mu.Unlock()

	if stale != nil {
		stale()
	}
}

func (s *Store) onUserEvent(kind EventKind) {
	switch kind {
	case UserUpdated:
		if sess := s.currentSession(); sess != nil {
			s.emit(Event{Kind: UserUpdated, Session: sess})
		}
	case SignedOut:
		ended := s.currentSession()
		if ended == nil {
			return
		}

		s.setCurrent(nil)
		s.emit(Event{Kind: SignedOut, Session: ended})
		go s.dropRevoked(ended.ID)
	}
}

// revokeReplaced ends the refresh family this client held before a new sign
// in overwrites its stored tokens.
func (s *Store) revokeReplaced(ctx context.Context, nextSessionID string) {
	prior, err := s.tokens.Load(ctx, s.clientID)
	if err != nil || prior == nil || prior.SessionID == nextSessionID {
		return
	}

	if err := s.provider.SignOut(ctx, prior.RefreshToken); err != nil {
		s.logger.Warn("failed to revoke replaced session",
			"session_id", prior.SessionID,
			"error", err,
		)
	}
}

// dropRevoked deletes the stored tokens of a session revoked elsewhere. It
// leaves them alone when the client has since signed in to another session.
func (s *Store) dropRevoked(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()

	stored, err := s.tokens.Load(ctx, s.clientID)
	if err == nil && (stored == nil || stored.SessionID != sessionID) {
		return
	}

	if err := s.tokens.Delete(ctx, s.clientID); err != nil {
		s.logger.Warn("failed to drop revoked session tokens", "error", err)
	}
}

func (s *Store) currentSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Store) emit(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) deliver() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			listeners := make([]Listener, 0, len(s.listeners))
			for id := uint64(1); id <= s.nextID; id++ {
				if fn, ok := s.listeners[id]; ok {
					listeners = append(listeners, fn)
				}
			}
			s.mu.Unlock()

			for _, fn := range listeners {
				s.call(fn, ev)
			}
		}
	}
}

func (s *Store) call(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session listener panicked",
				"event", string(ev.Kind),
				"panic", r,
			)
		}
	}()
	fn(ev)
}

type subscription struct {
	store *Store
	id    uint64
	once  sync.Once
}

func (sub *subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.listeners, sub.id)
		sub.store.mu.Unlock()
	})
}
