// AngelaMos | 2026
// repository.go

package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/farmerssoko/soko-auth/internal/core"
)

type Repository interface {
	FindByID(ctx context.Context, id string) (*Profile, error)
	Create(ctx context.Context, profile *Profile) error
	UpdateRole(ctx context.Context, id, role string) (*Profile, error)
	UpdateDetails(ctx context.Context, profile *Profile) error
	List(ctx context.Context, params ListParams) ([]Profile, int, error)
	CountByRole(ctx context.Context) (map[string]int, error)
}

type repository struct {
	db core.DBTX
}

func NewRepository(db core.DBTX) Repository {
	return &repository{db: db}
}

const profileColumns = `id, email, role, first_name, last_name, phone,
		farm_name, location, description, created_at, updated_at`

func (r *repository) FindByID(ctx context.Context, id string) (*Profile, error) {
	query := `SELECT ` + profileColumns + `
		FROM profiles
		WHERE id = $1`

	var p Profile
	err := r.db.GetContext(ctx, &p, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get profile: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	return &p, nil
}

func (r *repository) Create(ctx context.Context, p *Profile) error {
	query := `
		INSERT INTO profiles (
			id, email, role, first_name, last_name, phone,
			farm_name, location, description
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING created_at, updated_at`

	row := r.db.QueryRowxContext(ctx, query,
		p.ID,
		p.Email,
		p.Role,
		p.FirstName,
		p.LastName,
		p.Phone,
		p.FarmName,
		p.Location,
		p.Description,
	)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		if core.IsUniqueViolation(err) {
			return fmt.Errorf("create profile: %w", core.ErrDuplicateKey)
		}
		return fmt.Errorf("create profile: %w", err)
	}

	return nil
}

func (r *repository) UpdateRole(
	ctx context.Context,
	id, role string,
) (*Profile, error) {
	query := `
		UPDATE profiles
		SET role = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + profileColumns

	var p Profile
	err := r.db.GetContext(ctx, &p, query, id, role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update profile role: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update profile role: %w", err)
	}

	return &p, nil
}

func (r *repository) UpdateDetails(ctx context.Context, p *Profile) error {
	query := `
		UPDATE profiles
		SET first_name = $2, last_name = $3, phone = $4,
			farm_name = $5, location = $6, description = $7,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.GetContext(ctx, &p.UpdatedAt, query,
		p.ID,
		p.FirstName,
		p.LastName,
		p.Phone,
		p.FarmName,
		p.Location,
		p.Description,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update profile: %w", core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}

	return nil
}

func (r *repository) List(
	ctx context.Context,
	params ListParams,
) ([]Profile, int, error) {
	params.Normalize()

	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if params.Search != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(email ILIKE $%d OR first_name ILIKE $%d OR last_name ILIKE $%d OR farm_name ILIKE $%d)",
			argIdx, argIdx, argIdx, argIdx))
		args = append(args, "%"+escapeLike(params.Search)+"%")
		argIdx++
	}

	if params.Role != "" {
		conditions = append(conditions, fmt.Sprintf("role = $%d", argIdx))
		args = append(args, params.Role)
		argIdx++
	}

	whereClause := strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf(
		"SELECT COUNT(*) FROM profiles WHERE %s",
		whereClause,
	)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count profiles: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM profiles
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		profileColumns, whereClause, argIdx, argIdx+1)

	args = append(args, params.PageSize, params.Offset())

	var profiles []Profile
	if err := r.db.SelectContext(ctx, &profiles, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list profiles: %w", err)
	}

	return profiles, total, nil
}

func (r *repository) CountByRole(ctx context.Context) (map[string]int, error) {
	query := `SELECT role, COUNT(*) AS total FROM profiles GROUP BY role`

	var rows []struct {
		Role  string `db:"role"`
		Total int    `db:"total"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("count profiles by role: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Role] = row.Total
	}

	return counts, nil
}


func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}
