// AngelaMos | 2026
// middleware_test.go

package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/farmerssoko/soko-auth/internal/authstate"
	"github.com/farmerssoko/soko-auth/internal/config"
)

const validID = "abcdefghijklmnopqrstuvwxyz-_0123"

type recordingRegistry struct {
	ids []string
}

func (r *recordingRegistry) Attach(_ context.Context, clientID string) *authstate.Context {
	r.ids = append(r.ids, clientID)
	return nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestClientSession_AnonymousWithoutCookie(t *testing.T) {
	reg := &recordingRegistry{}
	cookie := CookieConfig{Name: "soko_client", Secure: true, MaxAge: time.Hour}

	var seen string
	var attached bool
	h := ClientSession(reg, cookie)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClientID(r.Context())
		attached = authstate.FromContext(r.Context()) != nil
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if len(w.Result().Cookies()) != 0 {
		t.Error("expected no cookie to be issued")
	}
	if seen != "" || attached || len(reg.ids) != 0 {
		t.Errorf("expected an anonymous request, got id %q attached %v lookups %v", seen, attached, reg.ids)
	}
}

func TestClientSession_AttachesValidCookie(t *testing.T) {
	reg := &recordingRegistry{}

	var seen string
	h := ClientSession(reg, CookieConfig{Name: "soko_client"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClientID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "soko_client", Value: validID})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if len(w.Result().Cookies()) != 0 {
		t.Error("expected no new cookie")
	}
	if seen != validID || len(reg.ids) != 1 || reg.ids[0] != validID {
		t.Errorf("expected %q looked up, got %q %v", validID, seen, reg.ids)
	}
}

func TestClientSession_IgnoresForgedCookie(t *testing.T) {
	reg := &recordingRegistry{}
	h := ClientSession(reg, CookieConfig{Name: "soko_client"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "soko_client", Value: "short"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if len(reg.ids) != 0 {
		t.Errorf("expected no lookup for a malformed id, got %v", reg.ids)
	}
}

func TestValidClientID(t *testing.T) {
	tests := map[string]bool{
		validID:                            true,
		"":                                 false,
		"short":                            false,
		strings.Repeat("a", 33):            false,
		"abcdefghijklmnopqrstuvwxyz+/0123": false,
		"abcdefghijklmnopqrstuvwxyz 01234": false,
	}
	for in, want := range tests {
		if got := validClientID(in); got != want {
			t.Errorf("validClientID(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestKeyByIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "10.0.0.1:5555", "ratelimit:ip:10.0.0.1"},
		{"last forwarded hop", map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, "10.0.0.1:5555", "ratelimit:ip:2.2.2.2"},
		{"real ip", map[string]string{"X-Real-IP": "3.3.3.3"}, "10.0.0.1:5555", "ratelimit:ip:3.3.3.3"},
		{"no port", nil, "10.0.0.9", "ratelimit:ip:10.0.0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := KeyByIP(req); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/v1/auth/login", "/v1/auth/login"},
		{"/v1/admin/profiles/3f6c1a52-9d7e-4b8a-a1f2-0c9e8d7b6a54/role", "/v1/admin/profiles/{id}/role"},
		{"/v1/items/42/", "/v1/items/{id}"},
		{"/", "/"},
	}
	for _, tt := range tests {
		if got := normalizeEndpoint(tt.in); got != tt.want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() }) //nolint:errcheck // test cleanup
	return rdb
}

func TestRateLimiter_FallsBackWhenRedisIsDown(t *testing.T) {
	rl := NewRateLimiter(unreachableRedis(t), RateLimitConfig{
		Limit: PerMinute(2, 2),
	})
	h := rl.Handler(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)

		if i == 2 {
			if w.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After on a limited response")
			}
			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Error.Code != "RATE_LIMITED" {
				t.Errorf("expected RATE_LIMITED, got %+v %v", body, err)
			}
		}
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 200 200 429, got %v", codes)
	}
}

func TestRoleRateLimiter_AnonymousTier(t *testing.T) {
	limits := map[string]RoleLimit{
		anonymousTier: {RequestsPerMinute: 1, BurstSize: 1},
	}
	h := RoleRateLimiter(unreachableRedis(t), limits)(okHandler())

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/v1/profiles/me", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != want {
			t.Errorf("request %d: expected %d, got %d", i, want, w.Code)
		}
		if tier := w.Header().Get("X-RateLimit-Tier"); tier != anonymousTier {
			t.Errorf("expected anonymous tier, got %q", tier)
		}
	}
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins:   []string{"https://soko.test"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	h := CORS(cfg)(okHandler())

	t.Run("preflight from allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/auth/login", nil)
		req.Header.Set("Origin", "https://soko.test")
		req.Header.Set("Access-Control-Request-Method", "POST")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://soko.test" {
			t.Errorf("unexpected allow origin %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Errorf("expected credentials allowed, got %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
			t.Errorf("unexpected methods %q", got)
		}
	})

	t.Run("preflight from other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/auth/login", nil)
		req.Header.Set("Origin", "https://evil.test")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})

	t.Run("simple request from other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/state", nil)
		req.Header.Set("Origin", "https://evil.test")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("expected no CORS headers")
		}
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(true)(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Strict-Transport-Security"} {
		if w.Header().Get(h) == "" {
			t.Errorf("expected %s", h)
		}
	}

	w = httptest.NewRecorder()
	SecurityHeaders(false)(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("expected no HSTS outside production")
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if seen != "req-123" || w.Header().Get("X-Request-ID") != "req-123" {
		t.Errorf("expected the caller's id kept, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if len(seen) != 36 {
		t.Errorf("expected a generated uuid for an oversized id, got %q", seen)
	}
}

func TestRecoverer(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	h := Recoverer(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("resolver exploded")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/auth/state", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "resolver exploded") {
		t.Error("panic value must not leak to the client")
	}
	if !strings.Contains(logs.String(), "panic recovered") {
		t.Errorf("expected the panic logged, got %q", logs.String())
	}
}

func TestLogger_RecordsStatus(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if entry["status"] != float64(404) || entry["level"] != "WARN" || entry["path"] != "/missing" {
		t.Errorf("unexpected log entry %v", entry)
	}
}
