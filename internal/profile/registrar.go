// AngelaMos | 2026
// registrar.go

package profile

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/farmerssoko/soko-auth/internal/core"
	"github.com/farmerssoko/soko-auth/internal/identity"
	"github.com/farmerssoko/soko-auth/internal/role"
)

type AccountCreator interface {
	CreateAccount(
		ctx context.Context,
		tx core.DBTX,
		email, password string,
	) (*identity.Identity, error)
}

type Registration struct {
	Email    string
	Password string
	Role     role.Role
	Details  Details
}

// Registrar creates an identity and its profile in one transaction.
type Registrar struct {
	db       *sqlx.DB
	accounts AccountCreator
}

func NewRegistrar(db *sqlx.DB, accounts AccountCreator) *Registrar {
	return &Registrar{db: db, accounts: accounts}
}

func (r *Registrar) Register(
	ctx context.Context,
	reg Registration,
) (*Profile, error) {
	var created *Profile

	err := core.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		ident, err := r.accounts.CreateAccount(ctx, tx, reg.Email, reg.Password)
		if err != nil {
			return err
		}

		p := newRegisteredProfile(ident, reg)
		if err := NewRepository(tx).Create(ctx, p); err != nil {
			return err
		}

		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func newRegisteredProfile(ident *identity.Identity, reg Registration) *Profile {
	stored := role.Customer
	if reg.Role == role.Farmer {
		stored = role.Farmer
	}

	p := &Profile{
		ID:          ident.ID,
		Email:       ident.Email,
		Role:        stored.String(),
		FirstName:   reg.Details.FirstName,
		LastName:    reg.Details.LastName,
		Phone:       reg.Details.Phone,
		Location:    reg.Details.Location,
		Description: reg.Details.Description,
	}
	if stored == role.Farmer {
		p.FarmName = reg.Details.FarmName
	}

	return p
}
