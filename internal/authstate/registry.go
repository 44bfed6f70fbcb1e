// AngelaMos | 2026
// registry.go

package authstate

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = time.Minute

// Factory builds the Context for a client id. fresh is set for ids minted
// by Open, which have nothing stored to bootstrap from.
type Factory func(ctx context.Context, clientID string, fresh bool) *Context

// Known reports whether a client id has a stored session to restore.
type Known func(ctx context.Context, clientID string) bool

type ActiveGauge interface {
	SetActiveClients(n int)
}

type registryEntry struct {
	authCtx  *Context
	lastSeen time.Time
}

// Registry holds one Context per client id and closes the ones that have
// been idle longer than the configured ttl. Anonymous clients get no entry.
type Registry struct {
	factory Factory
	known   Known
	idleTTL time.Duration
	gauge   ActiveGauge
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*registryEntry
}

func NewRegistry(
	factory Factory,
	known Known,
	idleTTL time.Duration,
	gauge ActiveGauge,
) *Registry {
	return &Registry{
		factory: factory,
		known:   known,
		idleTTL: idleTTL,
		gauge:   gauge,
		now:     time.Now,
		entries: make(map[string]*registryEntry),
	}
}

// Attach returns the Context for a client id presented by a request. An id
// not seen before gets one only when known reports a stored session for it;
// otherwise Attach returns nil and the caller is treated as signed out.
func (r *Registry) Attach(ctx context.Context, clientID string) *Context {
	if authCtx, ok := r.Lookup(clientID); ok {
		return authCtx
	}
	if r.known == nil || !r.known(ctx, clientID) {
		return nil
	}
	return r.add(ctx, clientID, false)
}

// Open registers a Context for a freshly minted client id.
func (r *Registry) Open(ctx context.Context, clientID string) *Context {
	return r.add(ctx, clientID, true)
}

func (r *Registry) add(ctx context.Context, clientID string, fresh bool) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[clientID]; ok {
		e.lastSeen = r.now()
		return e.authCtx
	}

	authCtx := r.factory(ctx, clientID, fresh)
	r.entries[clientID] = &registryEntry{authCtx: authCtx, lastSeen: r.now()}
	r.report()

	return authCtx
}

func (r *Registry) Lookup(clientID string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[clientID]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.authCtx, true
}

func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	e, ok := r.entries[clientID]
	if ok {
		delete(r.entries, clientID)
		r.report()
	}
	r.mu.Unlock()

	if ok {
		e.authCtx.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep closes contexts idle since before now minus the ttl and returns how
// many were removed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTTL)

	r.mu.Lock()
	var stale []*Context
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e.authCtx)
			delete(r.entries, id)
		}
	}
	if len(stale) > 0 {
		r.report()
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}

	return len(stale)
}

// Run sweeps until ctx is done, then closes every remaining context.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.report()
	r.mu.Unlock()

	for _, e := range entries {
		e.authCtx.Close()
	}
}

func (r *Registry) report() {
	if r.gauge != nil {
		r.gauge.SetActiveClients(len(r.entries))
	}
}
