// AngelaMos | 2026
// ratelimit.go

package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/farmerssoko/soko-auth/internal/authstate"
	"github.com/farmerssoko/soko-auth/internal/core"
	"github.com/farmerssoko/soko-auth/internal/role"
)

const (
	keyPrefix       = "ratelimit:"
	anonymousTier   = "anonymous"
	cleanupInterval = 5 * time.Minute
	entryTTL        = 10 * time.Minute
)

func PerMinute(rate, burst int) redis_rate.Limit {
	return redis_rate.Limit{Rate: rate, Burst: burst, Period: time.Minute}
}

// budget counts requests in Redis and switches to an in-process token bucket
// per key while Redis is unreachable.
type budget struct {
	redis *redis_rate.Limiter
	local *localLimiter
}

func newBudget(rdb *redis.Client) *budget {
	return &budget{
		redis: redis_rate.NewLimiter(rdb),
		local: newLocalLimiter(),
	}
}

func (b *budget) take(
	ctx context.Context,
	key string,
	limit redis_rate.Limit,
) *redis_rate.Result {
	res, err := b.redis.Allow(ctx, key, limit)
	if err == nil {
		return res
	}

	slog.WarnContext(ctx, "rate limit store unavailable, using local budget",
		"key", key,
		"error", err,
	)
	return b.local.take(key, limit)
}

// enforce writes the limit headers and reports whether the request may
// proceed. A refused request has already been answered.
func (b *budget) enforce(
	w http.ResponseWriter,
	r *http.Request,
	key string,
	limit redis_rate.Limit,
) bool {
	res := b.take(r.Context(), key, limit)
	setRateLimitHeaders(w, res, limit)

	if res.Allowed > 0 {
		return true
	}

	retryAfter := res.RetryAfter.Round(time.Second)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	core.JSONError(w, core.RateLimitedError(retryAfter))
	return false
}

type RateLimitConfig struct {
	Limit   redis_rate.Limit
	KeyFunc func(*http.Request) string
}

// RateLimiter applies one fixed budget per key.
type RateLimiter struct {
	budget *budget
	config RateLimitConfig
}

func NewRateLimiter(rdb *redis.Client, cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = KeyByIP
	}
	return &RateLimiter{budget: newBudget(rdb), config: cfg}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.budget.enforce(w, r, rl.config.KeyFunc(r), rl.config.Limit) {
			next.ServeHTTP(w, r)
		}
	})
}

type RoleLimit struct {
	RequestsPerMinute int
	BurstSize         int
}

var DefaultRoleLimits = map[string]RoleLimit{
	anonymousTier:          {RequestsPerMinute: 30, BurstSize: 10},
	role.Customer.String(): {RequestsPerMinute: 120, BurstSize: 30},
	role.Farmer.String():   {RequestsPerMinute: 300, BurstSize: 60},
	role.Admin.String():    {RequestsPerMinute: 600, BurstSize: 100},
}

// RoleRateLimiter limits signed in callers per user with a budget chosen by
// their resolved role. Anonymous callers share the per-IP budget.
func RoleRateLimiter(
	rdb *redis.Client,
	limits map[string]RoleLimit,
) func(http.Handler) http.Handler {
	b := newBudget(rdb)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier, key := anonymousTier, KeyByIP(r)
			if u := authstate.CurrentUser(r.Context()); u != nil {
				tier, key = u.Role.String(), userKey(u.ID)
			}

			cfg, ok := limits[tier]
			if !ok {
				cfg = limits[anonymousTier]
			}

			w.Header().Set("X-RateLimit-Tier", tier)
			if b.enforce(w, r, key, PerMinute(cfg.RequestsPerMinute, cfg.BurstSize)) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// KeyByIP uses the last X-Forwarded-For hop, which is the one appended by
// our own proxy.
func KeyByIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		return keyPrefix + "ip:" + strings.TrimSpace(hops[len(hops)-1])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return keyPrefix + "ip:" + xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return keyPrefix + "ip:" + ip
}

func userKey(id string) string {
	return keyPrefix + "user:" + id
}

// KeyByUserAndEndpoint scopes a budget to one route for one caller, so
// credential endpoints cannot be hammered from a single account or address.
func KeyByUserAndEndpoint(r *http.Request) string {
	caller := KeyByIP(r)
	if id := GetUserID(r.Context()); id != "" {
		caller = userKey(id)
	}
	return caller + ":endpoint:" + normalizeEndpoint(r.URL.Path)
}

func normalizeEndpoint(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if isUUID(part) || isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func isUUID(s string) bool {
	return len(s) == 36 && s[8] == '-' && s[13] == '-' && s[18] == '-' && s[23] == '-'
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func setRateLimitHeaders(
	w http.ResponseWriter,
	res *redis_rate.Result,
	limit redis_rate.Limit,
) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Rate))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.ResetAfter).Unix(), 10))
	h.Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", limit.Rate, int(limit.Period.Seconds())))
	h.Set("RateLimit", fmt.Sprintf("%d;t=%d", res.Remaining, int(res.ResetAfter.Seconds())))
}

type localEntry struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	lastSeen time.Time
}

type localLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func newLocalLimiter() *localLimiter {
	l := &localLimiter{entries: make(map[string]*localEntry)}
	go l.sweep()
	return l
}

func (l *localLimiter) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for now := range ticker.C {
		l.mu.Lock()
		for key, e := range l.entries {
			e.mu.Lock()
			idle := now.Sub(e.lastSeen) > entryTTL
			e.mu.Unlock()
			if idle {
				delete(l.entries, key)
			}
		}
		l.mu.Unlock()
	}
}

func (l *localLimiter) entry(key string, limit redis_rate.Limit) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		perSecond := float64(limit.Rate) / limit.Period.Seconds()
		e = &localEntry{bucket: rate.NewLimiter(rate.Limit(perSecond), limit.Burst)}
		l.entries[key] = e
	}
	return e
}

func (l *localLimiter) take(key string, limit redis_rate.Limit) *redis_rate.Result {
	e := l.entry(key, limit)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.lastSeen = now

	interval := time.Duration(float64(limit.Period) / float64(limit.Rate))
	res := &redis_rate.Result{
		Limit:      limit,
		Remaining:  max(int(e.bucket.TokensAt(now)), 0),
		RetryAfter: -1,
		ResetAfter: interval,
	}

	if e.bucket.AllowN(now, 1) {
		res.Allowed = 1
		res.Remaining = max(res.Remaining-1, 0)
		return res
	}

	res.RetryAfter = interval
	return res
}
