// AngelaMos | 2026
// repository.go

package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/farmerssoko/soko-auth/internal/core"
)

type Repository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccountByID(ctx context.Context, id string) (*Account, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	CreateToken(ctx context.Context, token *RefreshToken) error
	FindTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	MarkTokenUsed(ctx context.Context, id, replacedByID string) error
	RevokeFamily(ctx context.Context, familyID string) error
	ActiveFamilies(ctx context.Context, identityID string) ([]string, error)
	RevokeAllForIdentity(ctx context.Context, identityID string) error
	DeleteExpiredTokens(ctx context.Context) (int64, error)
}

type repository struct {
	db core.DBTX
}

func NewRepository(db core.DBTX) Repository {
	return &repository{db: db}
}

func (r *repository) CreateAccount(ctx context.Context, account *Account) error {
	query := `
		INSERT INTO identities (id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`

	row := r.db.QueryRowxContext(ctx, query,
		account.ID,
		account.Email,
		account.PasswordHash,
	)
	err := row.Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if core.IsUniqueViolation(err) {
			return fmt.Errorf("create identity: %w", core.ErrDuplicateKey)
		}
		return fmt.Errorf("create identity: %w", err)
	}

	return nil
}

func (r *repository) GetAccountByEmail(
	ctx context.Context,
	email string,
) (*Account, error) {
	query := `
		SELECT id, email, password_hash, created_at, updated_at
		FROM identities
		WHERE email = $1`

	var account Account
	err := r.db.GetContext(ctx, &account, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get identity by email: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get identity by email: %w", err)
	}

	return &account, nil
}

func (r *repository) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	query := `
		SELECT id, email, password_hash, created_at, updated_at
		FROM identities
		WHERE id = $1`

	var account Account
	err := r.db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get identity: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}

	return &account, nil
}

func (r *repository) UpdatePassword(
	ctx context.Context,
	id, passwordHash string,
) error {
	query := `
		UPDATE identities
		SET password_hash = $2, updated_at = NOW()
		WHERE id = $1`

	return r.execOne(ctx, "update password", query, id, passwordHash)
}

func (r *repository) CreateToken(ctx context.Context, token *RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (
			id, identity_id, token_hash, family_id, expires_at
		) VALUES (
			$1, $2, $3, $4, $5
		)
		RETURNING created_at`

	err := r.db.GetContext(ctx, &token.CreatedAt, query,
		token.ID,
		token.IdentityID,
		token.TokenHash,
		token.FamilyID,
		token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}

	return nil
}

func (r *repository) FindTokenByHash(
	ctx context.Context,
	tokenHash string,
) (*RefreshToken, error) {
	query := `
		SELECT
			id, identity_id, token_hash, family_id, expires_at, created_at,
			is_used, used_at, revoked_at, replaced_by_id
		FROM refresh_tokens
		WHERE token_hash = $1`

	var token RefreshToken
	err := r.db.GetContext(ctx, &token, query, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	return &token, nil
}

func (r *repository) MarkTokenUsed(
	ctx context.Context,
	id, replacedByID string,
) error {
	query := `
		UPDATE refresh_tokens
		SET is_used = true, used_at = NOW(), replaced_by_id = $2
		WHERE id = $1 AND is_used = false`

	return r.execOne(ctx, "mark refresh token as used", query, id, replacedByID)
}

func (r *repository) RevokeFamily(ctx context.Context, familyID string) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE family_id = $1 AND revoked_at IS NULL`

	if _, err := r.db.ExecContext(ctx, query, familyID); err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}

	return nil
}

func (r *repository) ActiveFamilies(
	ctx context.Context,
	identityID string,
) ([]string, error) {
	query := `
		SELECT DISTINCT family_id
		FROM refresh_tokens
		WHERE identity_id = $1
			AND revoked_at IS NULL
			AND is_used = false
			AND expires_at > NOW()`

	var families []string
	if err := r.db.SelectContext(ctx, &families, query, identityID); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	return families, nil
}

func (r *repository) RevokeAllForIdentity(
	ctx context.Context,
	identityID string,
) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE identity_id = $1 AND revoked_at IS NULL`

	if _, err := r.db.ExecContext(ctx, query, identityID); err != nil {
		return fmt.Errorf("revoke all identity tokens: %w", err)
	}

	return nil
}

func (r *repository) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1`

	cutoff := time.Now().Add(-24 * time.Hour)

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	return rows, nil
}

func (r *repository) execOne(
	ctx context.Context,
	op, query string,
	args ...any,
) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if rows == 0 {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}

	return nil
}
