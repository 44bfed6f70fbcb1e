// AngelaMos | 2026
// handler.go

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/farmerssoko/soko-auth/internal/authstate"
	"github.com/farmerssoko/soko-auth/internal/core"
	"github.com/farmerssoko/soko-auth/internal/guard"
	"github.com/farmerssoko/soko-auth/internal/identity"
	"github.com/farmerssoko/soko-auth/internal/middleware"
	"github.com/farmerssoko/soko-auth/internal/profile"
	"github.com/farmerssoko/soko-auth/internal/role"
	"github.com/farmerssoko/soko-auth/internal/session"
)

type Registrar interface {
	Register(ctx context.Context, reg profile.Registration) (*profile.Profile, error)
}

// Clients hands out auth contexts for client ids minted at sign in and
// drops them once the client signs out or is replaced.
type Clients interface {
	Open(ctx context.Context, clientID string) *authstate.Context
	Remove(clientID string)
}

// AdminEmails recognises the address that resolves to the admin role.
type AdminEmails interface {
	IsAdminEmail(email string) bool
}

var (
	_ Registrar   = (*profile.Registrar)(nil)
	_ Clients     = (*authstate.Registry)(nil)
	_ AdminEmails = (*role.Resolver)(nil)
)

type HandlerConfig struct {
	Registrar Registrar
	Clients   Clients
	Admins    AdminEmails
	Cookie    middleware.CookieConfig
	GuardWait time.Duration
	Recorder  guard.Recorder
	Logger    *slog.Logger
}

type Handler struct {
	registrar Registrar
	clients   Clients
	admins    AdminEmails
	cookie    middleware.CookieConfig
	guardWait time.Duration
	recorder  guard.Recorder
	logger    *slog.Logger
	validator *validator.Validate
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		registrar: cfg.Registrar,
		clients:   cfg.Clients,
		admins:    cfg.Admins,
		cookie:    cfg.Cookie,
		guardWait: cfg.GuardWait,
		recorder:  cfg.Recorder,
		logger:    logger,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes mounts the auth endpoints. Credential endpoints go through
// credentialLimiter.
func (h *Handler) RegisterRoutes(
	r chi.Router,
	credentialLimiter func(http.Handler) http.Handler,
) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if credentialLimiter != nil {
				r.Use(credentialLimiter)
			}
			r.Post("/login", h.Login)
			r.Post("/register", h.Register)
		})

		r.Post("/logout", h.Logout)
		r.Get("/state", h.State)
		r.Get("/guard", h.Guard)
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	h.signIn(w, r, req.Email, req.Password, core.OK)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	if req.Role == role.Farmer.String() && req.FarmName == "" {
		core.BadRequest(w, "farm_name is required")
		return
	}

	// The admin account is provisioned out of band, never through sign up.
	if h.admins != nil && h.admins.IsAdminEmail(req.Email) {
		h.logger.WarnContext(r.Context(), "registration refused for the admin email")
		core.JSONError(w, core.DuplicateError("email"))
		return
	}

	if _, err := h.registrar.Register(r.Context(), req.registration()); err != nil {
		if errors.Is(err, identity.ErrEmailExists) {
			core.JSONError(w, core.DuplicateError("email"))
			return
		}
		core.InternalServerError(w, err)
		return
	}

	h.signIn(w, r, req.Email, req.Password, core.Created)
}

// signIn signs the caller in under a newly minted client id and retires the
// client the request arrived with, so an id chosen before sign in never
// becomes an authenticated one.
func (h *Handler) signIn(
	w http.ResponseWriter,
	r *http.Request,
	email, password string,
	respond func(http.ResponseWriter, any),
) {
	clientID, err := core.GenerateClientID()
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	authCtx := h.clients.Open(r.Context(), clientID)

	err = authCtx.SignIn(r.Context(), email, password)
	if err != nil && !errors.Is(err, authstate.ErrSuperseded) {
		h.clients.Remove(clientID)
		h.writeSignInError(w, r, err)
		return
	}

	state := authCtx.State()
	if err != nil {
		state = h.settle(r.Context(), authCtx)
	}

	h.retire(r)
	middleware.SetClientCookie(w, h.cookie, clientID)
	respond(w, toStateResponse(state))
}

// retire signs out and drops the client a request arrived with. Its refresh
// token is revoked rather than left to expire.
func (h *Handler) retire(r *http.Request) {
	previous := middleware.GetClientID(r.Context())
	if previous == "" {
		return
	}

	if authCtx := authstate.FromContext(r.Context()); authCtx != nil {
		//nolint:errcheck // the context logs and records provider failures
		_ = authCtx.SignOut(r.Context())
	}
	h.clients.Remove(previous)
}

// settle waits up to the guard wait for authCtx to stop loading.
func (h *Handler) settle(ctx context.Context, authCtx *authstate.Context) authstate.State {
	if h.guardWait <= 0 {
		return authCtx.State()
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.guardWait)
	defer cancel()

	//nolint:errcheck // a timeout reports the state as still loading
	state, _ := authCtx.WaitReady(waitCtx)
	return state
}

// Logout never fails the request: the client ends up signed out locally even
// when the provider could not be reached.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if authCtx := authstate.FromContext(r.Context()); authCtx != nil {
		//nolint:errcheck // the context logs and records provider failures
		_ = authCtx.SignOut(r.Context())
	}

	if clientID := middleware.GetClientID(r.Context()); clientID != "" {
		h.clients.Remove(clientID)
	}

	middleware.ClearClientCookie(w, h.cookie)
	core.OK(w, StateResponse{})
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	authCtx := authstate.FromContext(r.Context())
	if authCtx == nil {
		core.OK(w, StateResponse{})
		return
	}

	state := authCtx.State()
	if state.Loading && r.URL.Query().Get("wait") == "true" {
		state = h.settle(r.Context(), authCtx)
	}

	core.OK(w, toStateResponse(state))
}

func (h *Handler) Guard(w http.ResponseWriter, r *http.Request) {
	required := role.Role(r.URL.Query().Get("role"))
	if required != "" && !required.Valid() {
		core.BadRequest(w, "role must be one of admin, farmer, customer")
		return
	}

	decision := guard.Check(r.Context(), required, h.guardWait)
	if h.recorder != nil {
		h.recorder.RecordGuardDecision(string(decision))
	}

	core.OK(w, GuardResponse{
		Outcome:  guard.Outcome{Decision: decision, Redirect: decision.Redirect()},
		Required: required.String(),
	})
}

func (h *Handler) writeSignInError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		core.JSONError(w, core.NewAppError(
			err,
			"invalid email or password",
			http.StatusUnauthorized,
			"INVALID_CREDENTIALS",
		))
	case errors.Is(err, session.ErrProviderUnavailable),
		errors.Is(err, authstate.ErrClosed):
		h.logger.WarnContext(r.Context(), "sign in unavailable", "error", err)
		core.JSONError(w, core.UnavailableError("sign in is temporarily unavailable"))
	default:
		core.InternalServerError(w, err)
	}
}
