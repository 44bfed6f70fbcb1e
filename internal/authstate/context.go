// AngelaMos | 2026
// context.go

package authstate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/farmerssoko/soko-auth/internal/session"
)

var (
	ErrClosed = errors.New("auth context closed")

	// ErrSuperseded is returned by SignIn when the session was established
	// but a later transition replaced the state before it was published.
	ErrSuperseded = errors.New("sign in superseded")
)

const defaultResolveTimeout = 5 * time.Second

type Options struct {
	Logger         *slog.Logger
	ResolveTimeout time.Duration
	Recorder       Recorder
	OnClose        func()

	// Fresh marks a client id minted moments ago. Nothing can be stored
	// for it, so the Context starts signed out instead of bootstrapping.
	Fresh bool
}

// Context owns the State of one client. Every transition takes a new
// sequence number, and a role resolution is published only if its number is
// still the latest when it completes.
type Context struct {
	store          SessionStore
	resolver       RoleResolver
	logger         *slog.Logger
	resolveTimeout time.Duration
	recorder       Recorder
	onClose        func()

	mu        sync.Mutex
	state     State
	seq       uint64
	sessionID string
	signingIn int
	changed   chan struct{}
	closed    bool

	sub       session.Subscription
	closeOnce sync.Once
}

// New subscribes to the store and starts the session bootstrap in the
// background. The returned Context is loading until bootstrap settles,
// unless opts.Fresh is set.
func New(
	ctx context.Context,
	store SessionStore,
	resolver RoleResolver,
	opts Options,
) *Context {
	c := &Context{
		store:          store,
		resolver:       resolver,
		logger:         opts.Logger,
		resolveTimeout: opts.ResolveTimeout,
		recorder:       opts.Recorder,
		onClose:        opts.OnClose,
		state:          initialState(),
		changed:        make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.resolveTimeout <= 0 {
		c.resolveTimeout = defaultResolveTimeout
	}
	if c.recorder == nil {
		c.recorder = noopRecorder{}
	}

	c.sub = store.OnSessionChange(c.handleEvent)

	if opts.Fresh {
		c.state = anonymous()
		return c
	}

	seq := c.begin("")
	go c.bootstrap(context.WithoutCancel(ctx), seq)

	return c
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitReady blocks until the state stops loading or ctx is done, and returns
// the latest state either way.
func (c *Context) WaitReady(ctx context.Context) (State, error) {
	for {
		c.mu.Lock()
		state := c.state
		closed := c.closed
		changed := c.changed
		c.mu.Unlock()

		if !state.Loading {
			return state, nil
		}
		if closed {
			return state, ErrClosed
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		}
	}
}

// SignIn signs the client in and publishes the resolved user. On failure it
// publishes the anonymous state and returns the session error. ErrSuperseded
// means the sign in succeeded but its result was not the one published.
func (c *Context) SignIn(ctx context.Context, email, password string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	seq := c.beginLocked("")
	c.signingIn++
	c.mu.Unlock()

	sess, err := c.store.SignInWithPassword(ctx, email, password)

	c.mu.Lock()
	c.signingIn--
	if err == nil && seq == c.seq {
		c.sessionID = sess.ID
	}
	c.mu.Unlock()

	if err != nil {
		c.publish(seq, anonymous())
		c.recorder.RecordSignIn(signInOutcome(err))
		return err
	}

	resolveCtx, cancel := c.resolveContext(ctx)
	defer cancel()

	published := c.resolveAndPublish(resolveCtx, seq, sess)
	c.recorder.RecordSignIn("success")

	if !published {
		return ErrSuperseded
	}
	return nil
}

// SignOut always leaves the anonymous state published. A provider error is
// logged and returned.
func (c *Context) SignOut(ctx context.Context) error {
	seq := c.begin("")

	err := c.store.SignOut(ctx)
	c.publish(seq, anonymous())

	if err != nil {
		c.logger.WarnContext(ctx, "sign out did not reach provider", "error", err)
		c.recorder.RecordSignOut("error")
		return err
	}

	c.recorder.RecordSignOut("success")
	return nil
}

// Close unsubscribes from the store and discards in-flight resolutions.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.seq++
		close(c.changed)
		c.changed = make(chan struct{})
		c.mu.Unlock()

		c.sub.Unsubscribe()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Context) bootstrap(ctx context.Context, seq uint64) {
	ctx, cancel := c.resolveContext(ctx)
	defer cancel()

	sess, err := c.store.GetCurrentSession(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "session bootstrap failed, continuing signed out",
			"error", err,
		)
	}
	if err != nil || sess == nil {
		c.publish(seq, anonymous())
		return
	}

	c.mu.Lock()
	if seq == c.seq {
		c.sessionID = sess.ID
	}
	c.mu.Unlock()

	c.resolveAndPublish(ctx, seq, sess)
}

func (c *Context) handleEvent(ev session.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case session.SignedIn, session.UserUpdated:
		if ev.Session == nil {
			c.mu.Unlock()
			return
		}
		if ev.Kind == session.SignedIn &&
			(ev.Session.ID == c.sessionID || c.signingIn > 0) {
			c.mu.Unlock()
			return
		}
		if ev.Kind == session.UserUpdated && c.sessionID == "" {
			c.mu.Unlock()
			return
		}

		seq := c.beginLocked(ev.Session.ID)
		c.mu.Unlock()

		sess := ev.Session
		go func() {
			ctx, cancel := c.resolveContext(context.Background())
			defer cancel()
			c.resolveAndPublish(ctx, seq, sess)
		}()

	case session.SignedOut:
		if c.sessionID == "" ||
			(ev.Session != nil && ev.Session.ID != c.sessionID) {
			c.mu.Unlock()
			return
		}
		seq := c.beginLocked("")
		c.publishLocked(seq, anonymous())
		c.mu.Unlock()

	default:
		c.mu.Unlock()
	}
}

func (c *Context) resolveAndPublish(
	ctx context.Context,
	seq uint64,
	sess *session.Session,
) bool {
	resolved := c.resolver.ResolveRole(ctx, sess.Identity)

	user := &User{
		Identity:  sess.Identity,
		Role:      resolved,
		SessionID: sess.ID,
	}

	if !c.publish(seq, State{User: user}) {
		c.recorder.RecordStaleResolution()
		c.logger.DebugContext(ctx, "discarded superseded role resolution",
			"identity_id", sess.Identity.ID,
		)
		return false
	}

	return true
}

func (c *Context) begin(sessionID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked(sessionID)
}

func (c *Context) beginLocked(sessionID string) uint64 {
	c.seq++
	c.sessionID = sessionID
	c.state = initialState()
	return c.seq
}

func (c *Context) publish(seq uint64, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishLocked(seq, state)
}

func (c *Context) publishLocked(seq uint64, state State) bool {
	if c.closed || seq != c.seq {
		return false
	}

	c.state = state
	close(c.changed)
	c.changed = make(chan struct{})

	return true
}

func (c *Context) resolveContext(
	parent context.Context,
) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), c.resolveTimeout)
}

func signInOutcome(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, session.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
