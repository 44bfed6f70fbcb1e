// AngelaMos | 2026
// entity.go

package identity

import (
	"time"
)

// Identity is the provider-owned user record. Everything outside this
// package treats it as read-only.
type Identity struct {
	ID        string    `db:"id"         json:"id"`
	Email     string    `db:"email"      json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Account struct {
	Identity
	PasswordHash string    `db:"password_hash"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type RefreshToken struct {
	ID           string     `db:"id"`
	IdentityID   string     `db:"identity_id"`
	TokenHash    string     `db:"token_hash"`
	FamilyID     string     `db:"family_id"`
	ExpiresAt    time.Time  `db:"expires_at"`
	CreatedAt    time.Time  `db:"created_at"`
	IsUsed       bool       `db:"is_used"`
	UsedAt       *time.Time `db:"used_at"`
	RevokedAt    *time.Time `db:"revoked_at"`
	ReplacedByID *string    `db:"replaced_by_id"`
}

func (t *RefreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

func (t *RefreshToken) IsValid() bool {
	return !t.IsExpired() && !t.IsRevoked() && !t.IsUsed
}

// Grant is what a successful password sign-in or refresh hands back. The
// family id doubles as the session id and survives refresh rotation.
type Grant struct {
	Identity     Identity
	SessionID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	RefreshUntil time.Time
}
