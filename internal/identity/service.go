// AngelaMos | 2026
// service.go

package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/farmerssoko/soko-auth/internal/core"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenReuse         = errors.New("token reuse detected")
	ErrEmailExists        = errors.New("email already exists")
)

// Service is the identity provider: password sign-in, rotating refresh
// tokens and access token verification.
type Service struct {
	repo      Repository
	signer    *Signer
	revoked   RevocationList
	accessTTL time.Duration
}

func NewService(repo Repository, signer *Signer, revoked RevocationList) *Service {
	return &Service{
		repo:      repo,
		signer:    signer,
		revoked:   revoked,
		accessTTL: signer.cfg.AccessTokenExpire,
	}
}

// CreateAccount registers a new identity through tx so callers can create
// dependent rows in the same transaction.
func (s *Service) CreateAccount(
	ctx context.Context,
	tx core.DBTX,
	email, password string,
) (*Identity, error) {
	passwordHash, err := core.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	account := &Account{
		Identity: Identity{
			ID:    uuid.New().String(),
			Email: NormalizeEmail(email),
		},
		PasswordHash: passwordHash,
	}

	if err := NewRepository(tx).CreateAccount(ctx, account); err != nil {
		if errors.Is(err, core.ErrDuplicateKey) {
			return nil, ErrEmailExists
		}
		return nil, err
	}

	return &account.Identity, nil
}

func (s *Service) SignInWithPassword(
	ctx context.Context,
	email, password string,
) (*Grant, error) {
	account, err := s.repo.GetAccountByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			//nolint:errcheck // timing attack prevention - always verify to prevent enumeration
			_, _, _ = core.VerifyPasswordTimingSafe(password, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}

	valid, newHash, err := core.VerifyPasswordTimingSafe(
		password,
		&account.PasswordHash,
	)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		return nil, ErrInvalidCredentials
	}

	if newHash != "" {
		//nolint:errcheck // best-effort rehash upgrade
		_ = s.repo.UpdatePassword(ctx, account.ID, newHash)
	}

	return s.issue(ctx, account.Identity, "", nil)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	stored, err := s.repo.FindTokenByHash(ctx, core.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("refresh: %w", core.ErrTokenInvalid)
		}
		return nil, fmt.Errorf("find token: %w", err)
	}

	if stored.IsUsed {
		//nolint:errcheck // security revocation continues regardless
		_ = s.revokeFamily(ctx, stored.FamilyID)
		return nil, ErrTokenReuse
	}

	if !stored.IsValid() {
		if stored.IsRevoked() {
			return nil, fmt.Errorf("refresh: %w", core.ErrTokenRevoked)
		}
		return nil, fmt.Errorf("refresh: %w", core.ErrTokenExpired)
	}

	account, err := s.repo.GetAccountByID(ctx, stored.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}

	return s.issue(ctx, account.Identity, stored.FamilyID, &stored.ID)
}

// SignOut ends the session the refresh token belongs to. Unknown tokens are
// already signed out.
func (s *Service) SignOut(ctx context.Context, refreshToken string) error {
	stored, err := s.repo.FindTokenByHash(ctx, core.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find token: %w", err)
	}

	return s.revokeFamily(ctx, stored.FamilyID)
}

// RevokeAll ends every live session of an identity and returns the session
// ids that were revoked.
func (s *Service) RevokeAll(ctx context.Context, identityID string) ([]string, error) {
	families, err := s.repo.ActiveFamilies(ctx, identityID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.RevokeAllForIdentity(ctx, identityID); err != nil {
		return nil, err
	}

	for _, familyID := range families {
		if err := s.revoked.Revoke(ctx, familyID, s.accessTTL); err != nil {
			return nil, err
		}
	}

	return families, nil
}

func (s *Service) VerifyAccessToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.signer.VerifyAccessToken(token)
	if err != nil {
		return nil, err
	}

	revoked, err := s.revoked.IsRevoked(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, fmt.Errorf("verify token: %w", core.ErrTokenRevoked)
	}

	return claims, nil
}

func (s *Service) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	account, err := s.repo.GetAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &account.Identity, nil
}

func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredTokens(ctx)
}

func (s *Service) revokeFamily(ctx context.Context, familyID string) error {
	if err := s.repo.RevokeFamily(ctx, familyID); err != nil {
		return err
	}
	return s.revoked.Revoke(ctx, familyID, s.accessTTL)
}

func (s *Service) issue(
	ctx context.Context,
	ident Identity,
	familyID string,
	oldTokenID *string,
) (*Grant, error) {
	minted, err := s.signer.newRefreshToken(familyID)
	if err != nil {
		return nil, fmt.Errorf("create refresh token: %w", err)
	}

	accessToken, expiresAt, err := s.signer.CreateAccessToken(Claims{
		Subject:   ident.ID,
		Email:     ident.Email,
		SessionID: minted.familyID,
	})
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	newTokenID := uuid.New().String()

	if err := s.repo.CreateToken(ctx, &RefreshToken{
		ID:         newTokenID,
		IdentityID: ident.ID,
		TokenHash:  minted.hash,
		FamilyID:   minted.familyID,
		ExpiresAt:  minted.expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	if oldTokenID != nil {
		//nolint:errcheck // best-effort token chain tracking
		_ = s.repo.MarkTokenUsed(ctx, *oldTokenID, newTokenID)
	}

	return &Grant{
		Identity:     ident,
		SessionID:    minted.familyID,
		AccessToken:  accessToken,
		RefreshToken: minted.raw,
		ExpiresAt:    expiresAt,
		RefreshUntil: minted.expiresAt,
	}, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
