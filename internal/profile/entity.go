// AngelaMos | 2026
// entity.go

package profile

import (
	"time"

	"github.com/farmerssoko/soko-auth/internal/role"
)

// Profile is the marketplace record for an identity, keyed by the identity
// id. Role is only ever farmer or customer; admin is derived from config.
type Profile struct {
	ID          string    `db:"id"`
	Email       string    `db:"email"`
	Role        string    `db:"role"`
	FirstName   string    `db:"first_name"`
	LastName    string    `db:"last_name"`
	Phone       string    `db:"phone"`
	FarmName    string    `db:"farm_name"`
	Location    string    `db:"location"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (p *Profile) IsFarmer() bool {
	return p.Role == role.Farmer.String()
}

func (p *Profile) record() *role.Record {
	return &role.Record{ID: p.ID, Role: p.Role}
}
