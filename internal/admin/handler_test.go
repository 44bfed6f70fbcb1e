// AngelaMos | 2026
// handler_test.go

package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type countFunc func(ctx context.Context) (map[string]int, error)

func (f countFunc) CountByRole(ctx context.Context) (map[string]int, error) { return f(ctx) }

func newRouter(cfg HandlerConfig) http.Handler {
	r := chi.NewRouter()
	NewHandler(cfg).RegisterRoutes(r, func(next http.Handler) http.Handler { return next })
	return r
}

func fetch[T any](t *testing.T, h http.Handler, target string) T {
	t.Helper()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: expected 200, got %d", target, w.Code)
	}

	var env struct {
		Success bool `json:"success"`
		Data    T    `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env.Data
}

func TestGetSystemStats(t *testing.T) {
	h := newRouter(HandlerConfig{
		DBStats:       func() sql.DBStats { return sql.DBStats{MaxOpenConnections: 25, InUse: 3} },
		RedisStats:    func() *redis.PoolStats { return &redis.PoolStats{Hits: 10, TotalConns: 4} },
		DBPing:        func(context.Context) error { return nil },
		RedisPing:     func(context.Context) error { return errors.New("down") },
		ActiveClients: func() int { return 12 },
		WatchedUsers:  func() int { return 5 },
		Resubscribes:  func() int64 { return 2 },
		Profiles: countFunc(func(context.Context) (map[string]int, error) {
			return map[string]int{"farmer": 2, "customer": 9}, nil
		}),
	})

	stats := fetch[SystemStatsResponse](t, h, "/admin/stats/")

	if !stats.Database.Healthy || stats.Redis.Healthy {
		t.Errorf("unexpected health db=%v redis=%v", stats.Database.Healthy, stats.Redis.Healthy)
	}
	if stats.Database.Stats == nil || stats.Database.Stats.MaxOpenConnections != 25 || stats.Database.Stats.InUse != 3 {
		t.Errorf("unexpected db stats %+v", stats.Database.Stats)
	}
	if stats.Redis.Stats == nil || stats.Redis.Stats.Hits != 10 {
		t.Errorf("unexpected redis stats %+v", stats.Redis.Stats)
	}
	if stats.Auth.ActiveClients != 12 || stats.Auth.WatchedUsers != 5 || stats.Auth.EventResubscribes != 2 {
		t.Errorf("unexpected auth stats %+v", stats.Auth)
	}
	if stats.Auth.ProfilesByRole["customer"] != 9 {
		t.Errorf("unexpected role counts %v", stats.Auth.ProfilesByRole)
	}
	if stats.Runtime.GoVersion == "" || stats.Runtime.NumCPU == 0 {
		t.Errorf("unexpected runtime stats %+v", stats.Runtime)
	}
}

func TestGetAuthStats_CountFailureOmitsRoles(t *testing.T) {
	h := newRouter(HandlerConfig{
		ActiveClients: func() int { return 1 },
		Profiles: countFunc(func(context.Context) (map[string]int, error) {
			return nil, errors.New("db down")
		}),
	})

	stats := fetch[AuthStats](t, h, "/admin/stats/auth")

	if stats.ActiveClients != 1 || stats.ProfilesByRole != nil {
		t.Errorf("unexpected auth stats %+v", stats)
	}
}

func TestGetDatabaseStats_Unconfigured(t *testing.T) {
	h := newRouter(HandlerConfig{})

	if stats := fetch[*DBPoolStats](t, h, "/admin/stats/db"); stats != nil {
		t.Errorf("expected no stats, got %+v", stats)
	}
}
