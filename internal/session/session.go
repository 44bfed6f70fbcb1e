// AngelaMos | 2026
// session.go

// Package session wraps the identity provider for a single client: current
// session lookup, password sign-in, sign-out and ordered change events.
package session

import (
	"context"
	"time"

	"github.com/farmerssoko/soko-auth/internal/identity"
)

type EventKind string

const (
	SignedIn       EventKind = "SIGNED_IN"
	SignedOut      EventKind = "SIGNED_OUT"
	TokenRefreshed EventKind = "TOKEN_REFRESHED"
	UserUpdated    EventKind = "USER_UPDATED"
)

func (k EventKind) Valid() bool {
	switch k {
	case SignedIn, SignedOut, TokenRefreshed, UserUpdated:
		return true
	}
	return false
}

// Session is an authenticated provider session. ID stays stable across
// access token refreshes.
type Session struct {
	ID          string
	Identity    identity.Identity
	AccessToken string
	ExpiresAt   time.Time
}

type Event struct {
	Kind    EventKind
	Session *Session
}

type Listener func(Event)

type Subscription interface {
	Unsubscribe()
}

// Provider is the identity provider surface a Store depends on.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*identity.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (*identity.Grant, error)
	SignOut(ctx context.Context, refreshToken string) error
	VerifyAccessToken(ctx context.Context, token string) (*identity.Claims, error)
	GetIdentity(ctx context.Context, id string) (*identity.Identity, error)
}

// Notifier delivers user-level events raised outside this client, such as an
// admin changing the user's role.
type Notifier interface {
	Watch(identityID string, fn func(EventKind)) (cancel func())
}

var _ Provider = (*identity.Service)(nil)

func sessionFromGrant(grant *identity.Grant) *Session {
	return &Session{
		ID:          grant.SessionID,
		Identity:    grant.Identity,
		AccessToken: grant.AccessToken,
		ExpiresAt:   grant.ExpiresAt,
	}
}

func tokensFromGrant(grant *identity.Grant) *Tokens {
	return &Tokens{
		SessionID:    grant.SessionID,
		IdentityID:   grant.Identity.ID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		RefreshUntil: grant.RefreshUntil,
	}
}
