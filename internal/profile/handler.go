// AngelaMos | 2026
// handler.go

package profile

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/farmerssoko/soko-auth/internal/authstate"
	"github.com/farmerssoko/soko-auth/internal/core"
)

type Handler struct {
	service   *Service
	validator *validator.Validate
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes mounts the caller's own profile behind signedIn.
func (h *Handler) RegisterRoutes(
	r chi.Router,
	signedIn func(http.Handler) http.Handler,
) {
	r.Route("/profiles", func(r chi.Router) {
		r.Use(signedIn)

		r.Get("/me", h.GetMe)
		r.Put("/me", h.UpdateMe)
	})
}

// RegisterAdminRoutes mounts profile management behind adminOnly.
func (h *Handler) RegisterAdminRoutes(
	r chi.Router,
	adminOnly func(http.Handler) http.Handler,
) {
	r.Route("/admin/profiles", func(r chi.Router) {
		r.Use(adminOnly)

		r.Get("/", h.List)
		r.Get("/{profileID}", h.GetProfile)
		r.Put("/{profileID}/role", h.UpdateRole)
		r.Delete("/{profileID}/sessions", h.RevokeSessions)
	})
}

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), currentUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	core.OK(w, ToResponse(p))
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req UpdateDetailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	p, err := h.service.UpdateDetails(r.Context(), currentUserID(r), req)
	if err != nil {
		writeError(w, err)
		return
	}

	core.OK(w, ToResponse(p))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params := ListParams{
		Page:     parseIntQuery(r, "page", 1),
		PageSize: parseIntQuery(r, "page_size", 20),
		Search:   r.URL.Query().Get("search"),
		Role:     r.URL.Query().Get("role"),
	}
	params.Normalize()

	profiles, total, err := h.service.List(r.Context(), params)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.Paginated(
		w,
		ToResponseList(profiles),
		params.Page,
		params.PageSize,
		total,
	)
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "profileID"))
	if err != nil {
		writeError(w, err)
		return
	}

	core.OK(w, ToResponse(p))
}

func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var req UpdateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	p, err := h.service.UpdateRole(r.Context(), chi.URLParam(r, "profileID"), req.Role)
	if err != nil {
		writeError(w, err)
		return
	}

	core.OK(w, ToResponse(p))
}

func (h *Handler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	revoked, err := h.service.RevokeSessions(r.Context(), chi.URLParam(r, "profileID"))
	if err != nil {
		writeError(w, err)
		return
	}

	core.OK(w, RevokeSessionsResponse{Revoked: revoked})
}

func currentUserID(r *http.Request) string {
	if u := authstate.CurrentUser(r.Context()); u != nil {
		return u.ID
	}
	return ""
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		core.NotFound(w, "profile")
	case errors.Is(err, core.ErrUnauthorized):
		core.Unauthorized(w, "")
	case errors.Is(err, core.ErrInvalidInput):
		core.BadRequest(w, "invalid role")
	default:
		core.InternalServerError(w, err)
	}
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}

	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}

	return parsed
}
