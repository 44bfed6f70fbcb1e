// AngelaMos | 2026
// role.go

// Package role derives the effective role of an identity.
package role

type Role string

const (
	Admin    Role = "admin"
	Farmer   Role = "farmer"
	Customer Role = "customer"
)

func (r Role) Valid() bool {
	switch r {
	case Admin, Farmer, Customer:
		return true
	}
	return false
}

func (r Role) String() string {
	return string(r)
}

// Landing is the path a freshly signed in user of this role is sent to.
func (r Role) Landing() string {
	switch r {
	case Admin:
		return "/admin"
	case Farmer:
		return "/farmer/dashboard"
	default:
		return "/marketplace"
	}
}

// ParseStored accepts only the roles stored on profile records.
func ParseStored(s string) (Role, bool) {
	switch Role(s) {
	case Farmer, Customer:
		return Role(s), true
	}
	return "", false
}
