// AngelaMos | 2026
// state.go

// Package authstate owns the authentication state of a single client and
// keeps it consistent with its session and the user's resolved role.
package authstate

import (
	"context"

	"github.com/farmerssoko/soko-auth/internal/identity"
	"github.com/farmerssoko/soko-auth/internal/role"
	"github.com/farmerssoko/soko-auth/internal/session"
)

// User is an identity together with its resolved role. A new value is built
// on every resolution.
type User struct {
	identity.Identity
	Role      role.Role `json:"role"`
	SessionID string    `json:"-"`
}

// State is what consumers read. While Loading is true, User may be stale.
type State struct {
	User    *User `json:"user"`
	Loading bool  `json:"loading"`
}

func (s State) Authenticated() bool {
	return !s.Loading && s.User != nil
}

func initialState() State {
	return State{Loading: true}
}

func anonymous() State {
	return State{}
}

// SessionStore is the session collaborator of a Context.
type SessionStore interface {
	GetCurrentSession(ctx context.Context) (*session.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error)
	SignOut(ctx context.Context) error
	OnSessionChange(fn session.Listener) session.Subscription
}

type RoleResolver interface {
	ResolveRole(ctx context.Context, ident identity.Identity) role.Role
}

var (
	_ SessionStore = (*session.Store)(nil)
	_ RoleResolver = (*role.Resolver)(nil)
)

type Recorder interface {
	RecordSignIn(outcome string)
	RecordSignOut(outcome string)
	RecordStaleResolution()
}

type noopRecorder struct{}

func (noopRecorder) RecordSignIn(string)    {}
func (noopRecorder) RecordSignOut(string)   {}
func (noopRecorder) RecordStaleResolution() {}
