// AngelaMos | 2026
// resolver.go

package role

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/farmerssoko/soko-auth/internal/core"
	"github.com/farmerssoko/soko-auth/internal/identity"
)

// Record is the part of a profile row role resolution reads.
type Record struct {
	ID   string
	Role string
}

// RecordStore is the profile collaborator. FindByID returns core.ErrNotFound
// for a missing record; CreateDefault returns core.ErrDuplicateKey when the
// record already exists.
type RecordStore interface {
	FindByID(ctx context.Context, id string) (*Record, error)
	CreateDefault(ctx context.Context, ident identity.Identity) error
}

// Stage names where a degraded resolution failed.
const (
	StageLookup   = "lookup"
	StageCreate   = "create"
	StageRefetch  = "refetch"
	StageNotFound = "not_found"
)

// Sink receives resolution failures. They never reach the caller.
type Sink interface {
	LookupFailed(ctx context.Context, ident identity.Identity, stage string, err error)
}

type Recorder interface {
	RecordRoleResolution(role string, d time.Duration)
	RecordLookupFailure(stage string)
}

type LogSink struct {
	Logger   *slog.Logger
	Recorder Recorder
}

func (s LogSink) LookupFailed(
	ctx context.Context,
	ident identity.Identity,
	stage string,
	err error,
) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.WarnContext(ctx, "role lookup degraded to customer",
		"identity_id", ident.ID,
		"stage", stage,
		"error", err,
	)

	if s.Recorder != nil {
		s.Recorder.RecordLookupFailure(stage)
	}

	core.SetSpanError(ctx, err)
}

type Resolver struct {
	adminEmail string
	store      RecordStore
	autoCreate bool
	sink       Sink
	recorder   Recorder
}

type Option func(*Resolver)

func WithAutoCreate(enabled bool) Option {
	return func(r *Resolver) { r.autoCreate = enabled }
}

func WithSink(sink Sink) Option {
	return func(r *Resolver) { r.sink = sink }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

func NewResolver(adminEmail string, store RecordStore, opts ...Option) *Resolver {
	r := &Resolver{
		adminEmail: normalizeEmail(adminEmail),
		store:      store,
		autoCreate: true,
		sink:       LogSink{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveRole never fails. The admin email wins without touching storage,
// a farmer record yields Farmer, and everything else is Customer.
func (r *Resolver) ResolveRole(ctx context.Context, ident identity.Identity) Role {
	ctx, span := core.StartSpan(ctx, "role.resolve",
		attribute.String("identity.id", ident.ID),
	)
	defer span.End()

	start := time.Now()
	resolved := r.resolve(ctx, ident)

	span.SetAttributes(attribute.String("role", resolved.String()))

	if r.recorder != nil {
		r.recorder.RecordRoleResolution(resolved.String(), time.Since(start))
	}

	return resolved
}

func (r *Resolver) IsAdminEmail(email string) bool {
	return r.adminEmail != "" && normalizeEmail(email) == r.adminEmail
}

func (r *Resolver) resolve(ctx context.Context, ident identity.Identity) Role {
	if r.IsAdminEmail(ident.Email) {
		return Admin
	}

	if r.store == nil {
		return Customer
	}

	rec, err := r.store.FindByID(ctx, ident.ID)
	if err == nil {
		return fromRecord(rec)
	}
	if !errors.Is(err, core.ErrNotFound) {
		r.sink.LookupFailed(ctx, ident, StageLookup, err)
		return Customer
	}

	if !r.autoCreate {
		return Customer
	}

	err = r.store.CreateDefault(ctx, ident)
	if err == nil {
		core.AddSpanEvent(ctx, "profile.created")
		return Customer
	}
	if !errors.Is(err, core.ErrDuplicateKey) {
		r.sink.LookupFailed(ctx, ident, StageCreate, err)
		return Customer
	}

	rec, err = r.store.FindByID(ctx, ident.ID)
	if err != nil {
		stage := StageRefetch
		if errors.Is(err, core.ErrNotFound) {
			stage = StageNotFound
		}
		r.sink.LookupFailed(ctx, ident, stage, err)
		return Customer
	}

	return fromRecord(rec)
}

func fromRecord(rec *Record) Role {
	if rec != nil && rec.Role == string(Farmer) {
		return Farmer
	}
	return Customer
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
