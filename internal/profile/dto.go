// AngelaMos | 2026
// dto.go

package profile

import (
	"time"
)

type Details struct {
	FirstName   string `json:"first_name"  validate:"max=100"`
	LastName    string `json:"last_name"   validate:"max=100"`
	Phone       string `json:"phone"       validate:"omitempty,e164"`
	FarmName    string `json:"farm_name"   validate:"max=200"`
	Location    string `json:"location"    validate:"max=200"`
	Description string `json:"description" validate:"max=2000"`
}

type UpdateDetailsRequest struct {
	FirstName   *string `json:"first_name,omitempty"  validate:"omitempty,max=100"`
	LastName    *string `json:"last_name,omitempty"   validate:"omitempty,max=100"`
	Phone       *string `json:"phone,omitempty"       validate:"omitempty,e164"`
	FarmName    *string `json:"farm_name,omitempty"   validate:"omitempty,max=200"`
	Location    *string `json:"location,omitempty"    validate:"omitempty,max=200"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=2000"`
}

func (req UpdateDetailsRequest) apply(p *Profile) {
	if req.FirstName != nil {
		p.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		p.LastName = *req.LastName
	}
	if req.Phone != nil {
		p.Phone = *req.Phone
	}
	if req.FarmName != nil {
		p.FarmName = *req.FarmName
	}
	if req.Location != nil {
		p.Location = *req.Location
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
}

type UpdateRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=farmer customer"`
}

type Response struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Phone       string    `json:"phone,omitempty"`
	FarmName    string    `json:"farm_name,omitempty"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type RevokeSessionsResponse struct {
	Revoked int `json:"revoked"`
}

type ListParams struct {
	Page     int
	PageSize int
	Search   string
	Role     string
}

func (p *ListParams) Normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
}

func (p *ListParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}

func ToResponse(p *Profile) Response {
	return Response{
		ID:          p.ID,
		Email:       p.Email,
		Role:        p.Role,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		Phone:       p.Phone,
		FarmName:    p.FarmName,
		Location:    p.Location,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func ToResponseList(profiles []Profile) []Response {
	responses := make([]Response, 0, len(profiles))
	for i := range profiles {
		responses = append(responses, ToResponse(&profiles[i]))
	}
	return responses
}
