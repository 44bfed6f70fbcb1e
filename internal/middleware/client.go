// AngelaMos | 2026
// client.go

package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/farmerssoko/soko-auth/internal/authstate"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	ClientIDKey  contextKey = "client_id"
)

const clientIDLength = 32

type ClientRegistry interface {
	Attach(ctx context.Context, clientID string) *authstate.Context
}

type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

// ClientSession attaches the auth context of the client named by the request
// cookie. Requests without a usable cookie carry no context and are signed
// out. Cookies are only issued by sign in.
func ClientSession(
	registry ClientRegistry,
	cookie CookieConfig,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ReadClientID(r, cookie.Name)
			if clientID == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), ClientIDKey, clientID)
			if authCtx := registry.Attach(ctx, clientID); authCtx != nil {
				ctx = authstate.WithContext(ctx, authCtx)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ReadClientID(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil || !validClientID(c.Value) {
		return ""
	}
	return c.Value
}

func SetClientCookie(w http.ResponseWriter, cfg CookieConfig, clientID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    clientID,
		Path:     "/",
		MaxAge:   int(cfg.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearClientCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func validClientID(s string) bool {
	if len(s) != clientIDLength {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func GetClientID(ctx context.Context) string {
	if id, ok := ctx.Value(ClientIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetUserID returns the signed in user's id for the request's client.
func GetUserID(ctx context.Context) string {
	if u := authstate.CurrentUser(ctx); u != nil {
		return u.ID
	}
	return ""
}
