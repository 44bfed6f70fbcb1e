// AngelaMos | 2026
// service.go

package profile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/farmerssoko/soko-auth/internal/core"
	"github.com/farmerssoko/soko-auth/internal/identity"
	"github.com/farmerssoko/soko-auth/internal/role"
	"github.com/farmerssoko/soko-auth/internal/session"
)

// Publisher announces user-level session events to every instance.
type Publisher interface {
	Publish(ctx context.Context, identityID string, kind session.EventKind) error
}

type SessionRevoker interface {
	RevokeAll(ctx context.Context, identityID string) ([]string, error)
}

type Service struct {
	repo      Repository
	sessions  SessionRevoker
	publisher Publisher
	logger    *slog.Logger
}

func NewService(
	repo Repository,
	sessions SessionRevoker,
	publisher Publisher,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
	}
}

var _ role.RecordStore = (*Service)(nil)

func (s *Service) FindByID(ctx context.Context, id string) (*role.Record, error) {
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.record(), nil
}

func (s *Service) CreateDefault(ctx context.Context, ident identity.Identity) error {
	return s.repo.Create(ctx, &Profile{
		ID:    ident.ID,
		Email: ident.Email,
		Role:  role.Customer.String(),
	})
}

func (s *Service) Get(ctx context.Context, id string) (*Profile, error) {
	if id == "" {
		return nil, fmt.Errorf("get profile: %w", core.ErrUnauthorized)
	}
	return s.repo.FindByID(ctx, id)
}

func (s *Service) UpdateDetails(
	ctx context.Context,
	id string,
	req UpdateDetailsRequest,
) (*Profile, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	req.apply(p)

	if err := s.repo.UpdateDetails(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

func (s *Service) List(
	ctx context.Context,
	params ListParams,
) ([]Profile, int, error) {
	return s.repo.List(ctx, params)
}

func (s *Service) CountByRole(ctx context.Context) (map[string]int, error) {
	return s.repo.CountByRole(ctx)
}

// UpdateRole changes the stored role and tells every live session of that
// user to resolve again.
func (s *Service) UpdateRole(
	ctx context.Context,
	id, newRole string,
) (*Profile, error) {
	if _, ok := role.ParseStored(newRole); !ok {
		return nil, fmt.Errorf(
			"update role: invalid role %q: %w",
			newRole,
			core.ErrInvalidInput,
		)
	}

	p, err := s.repo.UpdateRole(ctx, id, newRole)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, id, session.UserUpdated)

	return p, nil
}

func (s *Service) RevokeSessions(ctx context.Context, id string) (int, error) {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		return 0, err
	}

	revoked, err := s.sessions.RevokeAll(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}

	s.publish(ctx, id, session.SignedOut)

	return len(revoked), nil
}

func (s *Service) publish(ctx context.Context, id string, kind session.EventKind) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, id, kind); err != nil {
		s.logger.WarnContext(ctx, "failed to publish user event",
			"identity_id", id,
			"kind", string(kind),
			"error", err,
		)
	}
}
