// AngelaMos | 2026
// service_test.go

package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/farmerssoko/soko-auth/internal/core"
	"github.com/farmerssoko/soko-auth/internal/identity"
	"github.com/farmerssoko/soko-auth/internal/role"
	"github.com/farmerssoko/soko-auth/internal/session"
)

type memRepository struct {
	mu       sync.Mutex
	profiles map[string]*Profile

	listFn func(ctx context.Context, params ListParams) ([]Profile, int, error)
}

var _ Repository = (*memRepository)(nil)

func newMemRepository(profiles ...*Profile) *memRepository {
	r := &memRepository{profiles: make(map[string]*Profile)}
	for _, p := range profiles {
		r.profiles[p.ID] = p
	}
	return r
}

func (r *memRepository) FindByID(_ context.Context, id string) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("find profile: %w", core.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r *memRepository) Create(_ context.Context, p *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[p.ID]; ok {
		return fmt.Errorf("create profile: %w", core.ErrDuplicateKey)
	}
	cp := *p
	r.profiles[p.ID] = &cp
	return nil
}

func (r *memRepository) UpdateRole(_ context.Context, id, newRole string) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("update role: %w", core.ErrNotFound)
	}
	p.Role = newRole
	cp := *p
	return &cp, nil
}

func (r *memRepository) UpdateDetails(_ context.Context, p *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[p.ID]; !ok {
		return fmt.Errorf("update profile: %w", core.ErrNotFound)
	}
	cp := *p
	r.profiles[p.ID] = &cp
	return nil
}

func (r *memRepository) List(ctx context.Context, params ListParams) ([]Profile, int, error) {
	if r.listFn != nil {
		return r.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (r *memRepository) CountByRole(context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, p := range r.profiles {
		counts[p.Role]++
	}
	return counts, nil
}

type publishedEvent struct {
	identityID string
	kind       session.EventKind
}

type fakePublisher struct {
	events []publishedEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, identityID string, kind session.EventKind) error {
	p.events = append(p.events, publishedEvent{identityID, kind})
	return p.err
}

type fakeRevoker struct {
	revokeFn func(ctx context.Context, identityID string) ([]string, error)
	calls    []string
}

func (r *fakeRevoker) RevokeAll(ctx context.Context, identityID string) ([]string, error) {
	r.calls = append(r.calls, identityID)
	if r.revokeFn != nil {
		return r.revokeFn(ctx, identityID)
	}
	return nil, nil
}

func farmerProfile() *Profile {
	return &Profile{ID: "p1", Email: "f@soko.test", Role: "farmer", FarmName: "Green Acres"}
}

func newTestService(repo Repository) (*Service, *fakePublisher, *fakeRevoker) {
	pub := &fakePublisher{}
	rev := &fakeRevoker{}
	return NewService(repo, rev, pub, nil), pub, rev
}

func TestService_UpdateRolePublishesUserUpdated(t *testing.T) {
	repo := newMemRepository(farmerProfile())
	svc, pub, _ := newTestService(repo)

	p, err := svc.UpdateRole(context.Background(), "p1", "customer")
	if err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if p.Role != "customer" {
		t.Errorf("expected customer, got %q", p.Role)
	}

	want := []publishedEvent{{"p1", session.UserUpdated}}
	if len(pub.events) != 1 || pub.events[0] != want[0] {
		t.Errorf("expected %v, got %v", want, pub.events)
	}
}

func TestService_UpdateRoleRejectsUnstoredRoles(t *testing.T) {
	for _, r := range []string{"admin", "", "superuser"} {
		t.Run(r, func(t *testing.T) {
			repo := newMemRepository(farmerProfile())
			svc, pub, _ := newTestService(repo)

			_, err := svc.UpdateRole(context.Background(), "p1", r)
			if !errors.Is(err, core.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if len(pub.events) != 0 {
				t.Errorf("expected no event, got %v", pub.events)
			}
			if stored, _ := repo.FindByID(context.Background(), "p1"); stored.Role != "farmer" {
				t.Errorf("expected role unchanged, got %q", stored.Role)
			}
		})
	}
}

func TestService_UpdateRoleMissingProfile(t *testing.T) {
	svc, pub, _ := newTestService(newMemRepository())

	if _, err := svc.UpdateRole(context.Background(), "nope", "farmer"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Errorf("expected no event, got %v", pub.events)
	}
}

func TestService_PublishFailureDoesNotFailUpdate(t *testing.T) {
	repo := newMemRepository(farmerProfile())
	svc, pub, _ := newTestService(repo)
	pub.err = errors.New("redis down")

	if _, err := svc.UpdateRole(context.Background(), "p1", "customer"); err != nil {
		t.Errorf("expected the update to succeed, got %v", err)
	}
}

func TestService_RevokeSessions(t *testing.T) {
	repo := newMemRepository(farmerProfile())
	svc, pub, rev := newTestService(repo)
	rev.revokeFn = func(context.Context, string) ([]string, error) {
		return []string{"fam-a", "fam-b"}, nil
	}

	n, err := svc.RevokeSessions(context.Background(), "p1")
	if err != nil {
		t.Fatalf("RevokeSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 revoked, got %d", n)
	}
	if len(pub.events) != 1 || pub.events[0] != (publishedEvent{"p1", session.SignedOut}) {
		t.Errorf("expected a signed out event, got %v", pub.events)
	}
}

func TestService_RevokeSessionsErrors(t *testing.T) {
	t.Run("missing profile", func(t *testing.T) {
		svc, pub, rev := newTestService(newMemRepository())

		if _, err := svc.RevokeSessions(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if len(rev.calls) != 0 || len(pub.events) != 0 {
			t.Error("expected nothing revoked or published")
		}
	})

	t.Run("revoker fails", func(t *testing.T) {
		boom := errors.New("db down")
		svc, pub, rev := newTestService(newMemRepository(farmerProfile()))
		rev.revokeFn = func(context.Context, string) ([]string, error) { return nil, boom }

		if _, err := svc.RevokeSessions(context.Background(), "p1"); !errors.Is(err, boom) {
			t.Errorf("expected %v, got %v", boom, err)
		}
		if len(pub.events) != 0 {
			t.Errorf("expected no event, got %v", pub.events)
		}
	})
}

func TestService_GetRequiresID(t *testing.T) {
	svc, _, _ := newTestService(newMemRepository(farmerProfile()))

	if _, err := svc.Get(context.Background(), ""); !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestService_UpdateDetailsAppliesOnlySetFields(t *testing.T) {
	repo := newMemRepository(&Profile{ID: "p1", Role: "farmer", FirstName: "Ada", Location: "Nakuru"})
	svc, _, _ := newTestService(repo)

	first := "Wanjiru"
	p, err := svc.UpdateDetails(context.Background(), "p1", UpdateDetailsRequest{FirstName: &first})
	if err != nil {
		t.Fatalf("UpdateDetails: %v", err)
	}
	if p.FirstName != "Wanjiru" || p.Location != "Nakuru" {
		t.Errorf("unexpected profile %+v", p)
	}
}

func TestService_RecordStore(t *testing.T) {
	repo := newMemRepository(farmerProfile())
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	rec, err := svc.FindByID(ctx, "p1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if *rec != (role.Record{ID: "p1", Role: "farmer"}) {
		t.Errorf("unexpected record %+v", rec)
	}

	ident := identity.Identity{ID: "p2", Email: "c@soko.test"}
	if err := svc.CreateDefault(ctx, ident); err != nil {
		t.Fatalf("CreateDefault: %v", err)
	}
	if rec, _ := svc.FindByID(ctx, "p2"); rec == nil || rec.Role != "customer" {
		t.Errorf("expected a default customer record, got %+v", rec)
	}

	if err := svc.CreateDefault(ctx, ident); !errors.Is(err, core.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey on second create, got %v", err)
	}
}

func TestNewRegisteredProfile(t *testing.T) {
	ident := &identity.Identity{ID: "u1", Email: "u@soko.test"}
	details := Details{FirstName: "Ada", FarmName: "Green Acres", Location: "Eldoret"}

	tests := []struct {
		name     string
		role     role.Role
		wantRole string
		wantFarm string
	}{
		{"farmer keeps farm name", role.Farmer, "farmer", "Green Acres"},
		{"customer drops farm name", role.Customer, "customer", ""},
		{"admin is stored as customer", role.Admin, "customer", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newRegisteredProfile(ident, Registration{Role: tt.role, Details: details})

			if p.ID != "u1" || p.Email != "u@soko.test" {
				t.Errorf("expected profile keyed by identity, got %+v", p)
			}
			if p.Role != tt.wantRole {
				t.Errorf("expected role %q, got %q", tt.wantRole, p.Role)
			}
			if p.FarmName != tt.wantFarm {
				t.Errorf("expected farm name %q, got %q", tt.wantFarm, p.FarmName)
			}
			if p.FirstName != "Ada" || p.Location != "Eldoret" {
				t.Errorf("expected details copied, got %+v", p)
			}
		})
	}
}

func TestListParams_Normalize(t *testing.T) {
	tests := []struct {
		name         string
		in           ListParams
		wantPage     int
		wantPageSize int
		wantOffset   int
	}{
		{"zero values", ListParams{}, 1, 20, 0},
		{"negative", ListParams{Page: -3, PageSize: -1}, 1, 20, 0},
		{"capped", ListParams{Page: 2, PageSize: 500}, 2, 100, 100},
		{"kept", ListParams{Page: 3, PageSize: 10}, 3, 10, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.in
			p.Normalize()

			if p.Page != tt.wantPage || p.PageSize != tt.wantPageSize {
				t.Errorf("expected page %d size %d, got %d %d", tt.wantPage, tt.wantPageSize, p.Page, p.PageSize)
			}
			if got := p.Offset(); got != tt.wantOffset {
				t.Errorf("expected offset %d, got %d", tt.wantOffset, got)
			}
		})
	}
}
