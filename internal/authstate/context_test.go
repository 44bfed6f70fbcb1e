// AngelaMos | 2026
// context_test.go

package authstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/farmerssoko/soko-auth/internal/identity"
	"github.com/farmerssoko/soko-auth/internal/role"
	"github.com/farmerssoko/soko-auth/internal/session"
)

const testTimeout = 2 * time.Second

type funcSubscription func()

func (f funcSubscription) Unsubscribe() { f() }

type fakeStore struct {
	mu           sync.Mutex
	listener     session.Listener
	unsubscribed int

	currentFn func(ctx context.Context) (*session.Session, error)
	signInFn  func(ctx context.Context, email, password string) (*session.Session, error)
	signOutFn func(ctx context.Context) error
}

var _ SessionStore = (*fakeStore)(nil)

func (f *fakeStore) GetCurrentSession(ctx context.Context) (*session.Session, error) {
	if f.currentFn != nil {
		return f.currentFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) SignInWithPassword(
	ctx context.Context,
	email, password string,
) (*session.Session, error) {
	if f.signInFn != nil {
		return f.signInFn(ctx, email, password)
	}
	return nil, session.Normalize("sign in", identity.ErrInvalidCredentials)
}

func (f *fakeStore) SignOut(ctx context.Context) error {
	if f.signOutFn != nil {
		return f.signOutFn(ctx)
	}
	return nil
}

func (f *fakeStore) OnSessionChange(fn session.Listener) session.Subscription {
	f.mu.Lock()
	f.listener = fn
	f.mu.Unlock()

	return funcSubscription(func() {
		f.mu.Lock()
		f.listener = nil
		f.unsubscribed++
		f.mu.Unlock()
	})
}

func (f *fakeStore) emit(ev session.Event) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()

	if l != nil {
		l(ev)
	}
}

// fakeResolver resolves by identity id. A gate registered for an id holds
// that resolution until it is closed.
type fakeResolver struct {
	mu    sync.Mutex
	roles map[string]role.Role
	gates map[string]chan struct{}
	calls map[string]int
}

var _ RoleResolver = (*fakeResolver)(nil)

func newFakeResolver(roles map[string]role.Role) *fakeResolver {
	if roles == nil {
		roles = make(map[string]role.Role)
	}
	return &fakeResolver{
		roles: roles,
		gates: make(map[string]chan struct{}),
		calls: make(map[string]int),
	}
}

func (f *fakeResolver) ResolveRole(ctx context.Context, ident identity.Identity) role.Role {
	f.mu.Lock()
	f.calls[ident.ID]++
	gate := f.gates[ident.ID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.roles[ident.ID]; ok {
		return r
	}
	return role.Customer
}

func (f *fakeResolver) hold(id string) chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[id] = gate
	f.mu.Unlock()
	return gate
}

func (f *fakeResolver) setRole(id string, r role.Role) {
	f.mu.Lock()
	f.roles[id] = r
	f.mu.Unlock()
}

func (f *fakeResolver) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeRecorder struct {
	mu       sync.Mutex
	signIns  []string
	signOuts []string
	stale    chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{stale: make(chan struct{}, 8)}
}

func (r *fakeRecorder) RecordSignIn(outcome string) {
	r.mu.Lock()
	r.signIns = append(r.signIns, outcome)
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordSignOut(outcome string) {
	r.mu.Lock()
	r.signOuts = append(r.signOuts, outcome)
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordStaleResolution() {
	r.stale <- struct{}{}
}

func newSession(id, identityID, email string) *session.Session {
	return &session.Session{
		ID:       id,
		Identity: identity.Identity{ID: identityID, Email: email},
	}
}

func signedInEvent(sessionID, identityID string) session.Event {
	return session.Event{
		Kind:    session.SignedIn,
		Session: newSession(sessionID, identityID, identityID+"@x.com"),
	}
}

func waitReady(t *testing.T, c *Context) State {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	state, err := c.WaitReady(ctx)
	if err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	return state
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestContext(store *fakeStore, resolver *fakeResolver, rec Recorder) *Context {
	return New(context.Background(), store, resolver, Options{
		ResolveTimeout: testTimeout,
		Recorder:       rec,
	})
}

func TestContext_StartsLoading(t *testing.T) {
	release := make(chan struct{})
	store := &fakeStore{
		currentFn: func(ctx context.Context) (*session.Session, error) {
			<-release
			return nil, nil
		},
	}
	c := newTestContext(store, newFakeResolver(nil), nil)
	defer c.Close()

	if got := c.State(); !got.Loading || got.User != nil {
		t.Fatalf("expected initial loading state, got %+v", got)
	}

	close(release)

	if got := waitReady(t, c); got.Loading || got.User != nil {
		t.Errorf("expected signed out state, got %+v", got)
	}
}

func TestContext_BootstrapResolvesExistingSession(t *testing.T) {
	store := &fakeStore{
		currentFn: func(context.Context) (*session.Session, error) {
			return newSession("s1", "f1", "farmer1@x.com"), nil
		},
	}
	resolver := newFakeResolver(map[string]role.Role{"f1": role.Farmer})
	c := newTestContext(store, resolver, nil)
	defer c.Close()

	state := waitReady(t, c)

	if state.User == nil {
		t.Fatal("expected a user")
	}
	if state.User.Role != role.Farmer || state.User.ID != "f1" || state.User.SessionID != "s1" {
		t.Errorf("unexpected user %+v", state.User)
	}
	if !state.Authenticated() {
		t.Error("expected authenticated state")
	}
}

func TestContext_BootstrapErrorSettlesSignedOut(t *testing.T) {
	store := &fakeStore{
		currentFn: func(context.Context) (*session.Session, error) {
			return nil, session.Normalize("get session", context.DeadlineExceeded)
		},
	}
	c := newTestContext(store, newFakeResolver(nil), nil)
	defer c.Close()

	if got := waitReady(t, c); got.User != nil || got.Loading {
		t.Errorf("expected signed out state, got %+v", got)
	}
}

func TestContext_SignInPublishesResolvedUser(t *testing.T) {
	store := &fakeStore{}
	store.signInFn = func(_ context.Context, email, _ string) (*session.Session, error) {
		sess := newSession("s1", "f1", email)
		store.emit(session.Event{Kind: session.SignedIn, Session: sess})
		return sess, nil
	}
	resolver := newFakeResolver(map[string]role.Role{"f1": role.Farmer})
	rec := newFakeRecorder()
	c := newTestContext(store, resolver, rec)
	defer c.Close()
	waitReady(t, c)

	if err := c.SignIn(context.Background(), "farmer1@x.com", "password123"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	state := c.State()
	if state.Loading || state.User == nil || state.User.Role != role.Farmer {
		t.Fatalf("expected settled farmer, got %+v", state)
	}

	store.emit(session.Event{Kind: session.SignedIn, Session: newSession("s1", "f1", "farmer1@x.com")})

	if got := resolver.callCount("f1"); got != 1 {
		t.Errorf("expected one resolution, got %d", got)
	}
	if got := c.State(); got.Loading {
		t.Errorf("echoed sign in must not reset the state, got %+v", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.signIns) != 1 || rec.signIns[0] != "success" {
		t.Errorf("unexpected sign in outcomes %v", rec.signIns)
	}
}

func TestContext_SignInFailurePublishesAnonymous(t *testing.T) {
	store := &fakeStore{}
	rec := newFakeRecorder()
	c := newTestContext(store, newFakeResolver(nil), rec)
	defer c.Close()
	waitReady(t, c)

	err := c.SignIn(context.Background(), "who@x.com", "wrongpassword")

	if !errors.Is(err, session.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if got := c.State(); got.Loading || got.User != nil {
		t.Errorf("expected signed out state, got %+v", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.signIns) != 1 || rec.signIns[0] != "invalid_credentials" {
		t.Errorf("unexpected sign in outcomes %v", rec.signIns)
	}
}

func TestContext_SignOutSettlesWhenProviderFails(t *testing.T) {
	store := &fakeStore{
		currentFn: func(context.Context) (*session.Session, error) {
			return newSession("s1", "c1", "c@x.com"), nil
		},
		signOutFn: func(context.Context) error {
			return session.Normalize("sign out", errors.New("provider exploded"))
		},
	}
	c := newTestContext(store, newFakeResolver(nil), nil)
	defer c.Close()

	if got := waitReady(t, c); got.User == nil {
		t.Fatal("expected a signed in user before sign out")
	}

	err := c.SignOut(context.Background())

	if !errors.Is(err, session.ErrProvider) {
		t.Errorf("expected provider error, got %v", err)
	}
	if got := c.State(); got.Loading || got.User != nil {
		t.Errorf("expected {user:nil loading:false}, got %+v", got)
	}
}

func TestContext_LatestSignInWins(t *testing.T) {
	store := &fakeStore{}
	resolver := newFakeResolver(map[string]role.Role{
		"a": role.Farmer,
		"b": role.Customer,
	})
	rec := newFakeRecorder()
	c := newTestContext(store, resolver, rec)
	defer c.Close()
	waitReady(t, c)

	gateA := resolver.hold("a")

	store.emit(session.Event{Kind: session.SignedIn, Session: newSession("sa", "a", "a@x.com")})
	eventually(t, "resolution of a to start", func() bool { return resolver.callCount("a") == 1 })

	if got := c.State(); !got.Loading {
		t.Fatalf("expected loading while a resolves, got %+v", got)
	}

	store.emit(session.Event{Kind: session.SignedIn, Session: newSession("sb", "b", "b@x.com")})

	state := waitReady(t, c)
	if state.User == nil || state.User.ID != "b" {
		t.Fatalf("expected user b, got %+v", state.User)
	}

	close(gateA)

	select {
	case <-rec.stale:
	case <-time.After(testTimeout):
		t.Fatal("expected the resolution of a to be discarded")
	}

	if got := c.State(); got.User == nil || got.User.ID != "b" || got.User.Role != role.Customer {
		t.Errorf("expected user b to remain, got %+v", got.User)
	}
}

func TestContext_UserUpdatedNeverShowsOldRoleAsSettled(t *testing.T) {
	store := &fakeStore{
		currentFn: func(context.Context) (*session.Session, error) {
			return newSession("s1", "u1", "u@x.com"), nil
		},
	}
	resolver := newFakeResolver(map[string]role.Role{"u1": role.Customer})
	c := newTestContext(store, resolver, nil)
	defer c.Close()

	if got := waitReady(t, c); got.User == nil || got.User.Role != role.Customer {
		t.Fatalf("expected customer, got %+v", got)
	}

	gate := resolver.hold("u1")
	resolver.setRole("u1", role.Farmer)

	store.emit(session.Event{Kind: session.UserUpdated, Session: newSession("s1", "u1", "u@x.com")})

	got := c.State()
	if !got.Loading {
		t.Fatalf("expected loading during re-resolution, got %+v", got)
	}

	close(gate)

	state := waitReady(t, c)
	if state.User == nil || state.User.Role != role.Farmer {
		t.Errorf("expected farmer after update, got %+v", state.User)
	}
}

func TestContext_UserUpdatedIgnoredWhenSignedOut(t *testing.T) {
	store := &fakeStore{}
	resolver := newFakeResolver(nil)
	c := newTestContext(store, resolver, nil)
	defer c.Close()
	waitReady(t, c)

	store.emit(session.Event{Kind: session.UserUpdated, Session: newSession("s1", "u1", "u@x.com")})

	if got := c.State(); got.Loading || got.User != nil {
		t.Errorf("expected signed out state, got %+v", got)
	}
	if got := resolver.callCount("u1"); got != 0 {
		t.Errorf("expected no resolution, got %d", got)
	}
}

func TestContext_SignedOutEvent(t *testing.T) {
	tests := []struct {
		name       string
		ended      *session.Session
		wantSignIn bool
	}{
		{"matching session", &session.Session{ID: "s1"}, false},
		{"no session attached", nil, false},
		{"other session", &session.Session{ID: "s0"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{
				currentFn: func(context.Context) (*session.Session, error) {
					return newSession("s1", "u1", "u@x.com"), nil
				},
			}
			c := newTestContext(store, newFakeResolver(nil), nil)
			defer c.Close()
			waitReady(t, c)

			store.emit(session.Event{Kind: session.SignedOut, Session: tt.ended})

			got := c.State()
			if got.Loading {
				t.Fatalf("expected settled state, got %+v", got)
			}
			if (got.User != nil) != tt.wantSignIn {
				t.Errorf("expected signed in=%v, got %+v", tt.wantSignIn, got)
			}
		})
	}
}

func TestContext_TokenRefreshedKeepsState(t *testing.T) {
	store := &fakeStore{
		currentFn: func(context.Context) (*session.Session, error) {
			return newSession("s1", "u1", "u@x.com"), nil
		},
	}
	resolver := newFakeResolver(nil)
	c := newTestContext(store, resolver, nil)
	defer c.Close()
	before := waitReady(t, c)

	store.emit(session.Event{Kind: session.TokenRefreshed, Session: newSession("s1", "u1", "u@x.com")})

	after := c.State()
	if after.Loading || after.User != before.User {
		t.Errorf("expected the same settled user, got %+v", after)
	}
	if got := resolver.callCount("u1"); got != 1 {
		t.Errorf("expected one resolution, got %d", got)
	}
}

func TestContext_Close(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	store := &fakeStore{
		currentFn: func(context.Context) (*session.Session, error) {
			<-release
			return nil, nil
		},
	}
	var closes int
	c := New(context.Background(), store, newFakeResolver(nil), Options{
		OnClose: func() { closes++ },
	})

	waitErr := make(chan error, 1)
	go func() {
		_, err := c.WaitReady(context.Background())
		waitErr <- err
	}()

	c.Close()
	c.Close()

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("WaitReady did not return after Close")
	}

	if closes != 1 {
		t.Errorf("expected OnClose once, got %d", closes)
	}
	if store.unsubscribed != 1 {
		t.Errorf("expected one unsubscribe, got %d", store.unsubscribed)
	}
	if err := c.SignIn(context.Background(), "a@x.com", "password123"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from SignIn, got %v", err)
	}
}

func TestContext_WaitReadyHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	store := &fakeStore{
		currentFn: func(context.Context) (*session.Session, error) {
			<-release
			return nil, nil
		},
	}
	c := newTestContext(store, newFakeResolver(nil), nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state, err := c.WaitReady(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if !state.Loading {
		t.Errorf("expected loading state, got %+v", state)
	}
}

func TestContext_ConcurrentReadersSeeConsistentState(t *testing.T) {
	store := &fakeStore{}
	resolver := newFakeResolver(map[string]role.Role{})
	c := newTestContext(store, resolver, nil)
	defer c.Close()
	waitReady(t, c)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := c.State()
				if !s.Loading && s.User != nil && s.User.Role == "" {
					t.Error("settled user without a role")
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("u%d", i)
		resolver.setRole(id, role.Farmer)
		store.emit(session.Event{Kind: session.SignedIn, Session: newSession("s"+id, id, id+"@x.com")})
	}

	state := waitReady(t, c)
	close(stop)
	wg.Wait()

	if state.User == nil || state.User.ID != "u19" {
		t.Errorf("expected last signed in user u19, got %+v", state.User)
	}
}

func TestContext_FreshSkipsBootstrap(t *testing.T) {
	store := &fakeStore{
		currentFn: func(context.Context) (*session.Session, error) {
			t.Error("a fresh context must not look up a stored session")
			return nil, nil
		},
	}
	c := New(context.Background(), store, newFakeResolver(nil), Options{Fresh: true})
	defer c.Close()

	if got := c.State(); got.Loading || got.User != nil {
		t.Errorf("expected settled signed out state, got %+v", got)
	}
}

func TestContext_SignInReportsSupersededResolution(t *testing.T) {
	store := &fakeStore{
		signInFn: func(context.Context, string, string) (*session.Session, error) {
			return newSession("s1", "u1", "u@x.com"), nil
		},
	}
	resolver := newFakeResolver(nil)
	c := newTestContext(store, resolver, nil)
	defer c.Close()
	waitReady(t, c)

	gate := resolver.hold("u1")
	errc := make(chan error, 1)
	go func() {
		errc <- c.SignIn(context.Background(), "u@x.com", "password123")
	}()
	eventually(t, "resolution of u1 to start", func() bool { return resolver.callCount("u1") == 1 })

	store.emit(session.Event{Kind: session.SignedOut, Session: newSession("s1", "u1", "u@x.com")})
	close(gate)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("SignIn did not return")
	}

	if got := c.State(); got.User != nil || got.Loading {
		t.Errorf("expected the later sign out to stand, got %+v", got)
	}
}
