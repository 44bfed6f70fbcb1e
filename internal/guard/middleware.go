// AngelaMos | 2026
// middleware.go

package guard

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/farmerssoko/soko-auth/internal/authstate"
	"github.com/farmerssoko/soko-auth/internal/core"
	"github.com/farmerssoko/soko-auth/internal/role"
)

const retryAfterSeconds = 1

type Recorder interface {
	RecordGuardDecision(decision string)
}

type Outcome struct {
	Decision Decision `json:"decision"`
	Redirect string   `json:"redirect,omitempty"`
}

// Check waits up to wait for the request's client to settle and evaluates
// it against required. A request without a client context is signed out.
func Check(ctx context.Context, required role.Role, wait time.Duration) Decision {
	ctx, span := core.StartSpan(ctx, "guard.check",
		attribute.String("guard.required", required.String()),
	)
	defer span.End()

	decision := check(ctx, required, wait)
	span.SetAttributes(attribute.String("guard.decision", string(decision)))
	return decision
}

func check(ctx context.Context, required role.Role, wait time.Duration) Decision {
	authCtx := authstate.FromContext(ctx)
	if authCtx == nil {
		return Evaluate(authstate.State{}, required)
	}

	state := authCtx.State()
	if state.Loading && wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()

		//nolint:errcheck // a timeout leaves the state loading, which evaluates to Wait
		state, _ = authCtx.WaitReady(waitCtx)
	}

	return Evaluate(state, required)
}

// Require admits only requests whose client evaluates to Render.
func Require(
	required role.Role,
	wait time.Duration,
	rec Recorder,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := Check(r.Context(), required, wait)

			if rec != nil {
				rec.RecordGuardDecision(string(decision))
			}

			if decision == Render {
				next.ServeHTTP(w, r)
				return
			}

			WriteDecision(w, decision)
		})
	}
}

// WriteDecision renders a non-Render decision as an error envelope.
func WriteDecision(w http.ResponseWriter, decision Decision) {
	outcome := Outcome{Decision: decision, Redirect: decision.Redirect()}

	switch decision {
	case Wait:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		core.JSONErrorWithDetails(w, core.NewAppError(
			core.ErrUnavailable,
			"authentication is still being resolved",
			http.StatusServiceUnavailable,
			"AUTH_PENDING",
		), outcome)
	case RedirectLogin:
		core.JSONErrorWithDetails(w, core.NewAppError(
			core.ErrUnauthorized,
			"sign in required",
			http.StatusUnauthorized,
			"LOGIN_REQUIRED",
		), outcome)
	case RedirectHome:
		core.JSONErrorWithDetails(w, core.NewAppError(
			core.ErrForbidden,
			"this page is not available for your role",
			http.StatusForbidden,
			"ROLE_MISMATCH",
		), outcome)
	}
}
