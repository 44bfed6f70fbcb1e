// AngelaMos | 2026
// guard.go

// Package guard decides whether a client may see a protected route.
package guard

import (
	"github.com/farmerssoko/soko-auth/internal/authstate"
	"github.com/farmerssoko/soko-auth/internal/role"
)

type Decision string

const (
	Wait          Decision = "WAIT"
	RedirectLogin Decision = "REDIRECT_LOGIN"
	RedirectHome  Decision = "REDIRECT_HOME"
	Render        Decision = "RENDER"
)

const (
	LoginPath = "/login"
	HomePath  = "/"
)

// Evaluate is pure. An empty required role admits any signed in user.
func Evaluate(state authstate.State, required role.Role) Decision {
	switch {
	case state.Loading:
		return Wait
	case state.User == nil:
		return RedirectLogin
	case required != "" && state.User.Role != required:
		return RedirectHome
	default:
		return Render
	}
}

// Redirect is where the client goes for d, or "" when it stays put.
func (d Decision) Redirect() string {
	switch d {
	case RedirectLogin:
		return LoginPath
	case RedirectHome:
		return HomePath
	}
	return ""
}
