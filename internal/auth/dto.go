// AngelaMos | 2026
// dto.go

package auth

import (
	"github.com/farmerssoko/soko-auth/internal/authstate"
	"github.com/farmerssoko/soko-auth/internal/guard"
	"github.com/farmerssoko/soko-auth/internal/profile"
	"github.com/farmerssoko/soko-auth/internal/role"
)

type LoginRequest struct {
	Email    string `json:"email"    validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type RegisterRequest struct {
	Email    string `json:"email"    validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Role     string `json:"role"     validate:"required,oneof=farmer customer"`
	profile.Details
}

func (req RegisterRequest) registration() profile.Registration {
	return profile.Registration{
		Email:    req.Email,
		Password: req.Password,
		Role:     role.Role(req.Role),
		Details:  req.Details,
	}
}

// StateResponse is the client's auth state plus where a signed in user lands.
type StateResponse struct {
	User    *authstate.User `json:"user"`
	Loading bool            `json:"loading"`
	Landing string          `json:"landing,omitempty"`
}

func toStateResponse(state authstate.State) StateResponse {
	resp := StateResponse{User: state.User, Loading: state.Loading}
	if state.User != nil {
		resp.Landing = state.User.Role.Landing()
	}
	return resp
}

type GuardResponse struct {
	guard.Outcome
	Required string `json:"required,omitempty"`
}
