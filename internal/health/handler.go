// AngelaMos | 2026
// handler.go

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

const probeTimeout = 5 * time.Second

type Checker interface {
	Ping(ctx context.Context) error
}

// Dependency is a named backend that must answer for the service to be
// ready.
type Dependency struct {
	Name    string
	Checker Checker
}

type phase int32

const (
	serving phase = iota
	warming
	draining
)

func (p phase) status() string {
	switch p {
	case warming:
		return "not_ready"
	case draining:
		return "shutting_down"
	default:
		return "ok"
	}
}

type Handler struct {
	deps  []Dependency
	phase atomic.Int32
}

func NewHandler(deps ...Dependency) *Handler {
	return &Handler{deps: deps}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Liveness)
	r.Get("/livez", h.Liveness)
	r.Get("/readyz", h.Readiness)
}

func (h *Handler) current() phase {
	return phase(h.phase.Load())
}

// SetReady toggles readiness. It has no effect once draining has begun.
func (h *Handler) SetReady(ready bool) {
	next := serving
	if !ready {
		next = warming
	}
	for {
		cur := h.phase.Load()
		if phase(cur) == draining || h.phase.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// SetShutdown marks the process as draining so load balancers stop routing
// new sign ins here before the listener closes.
func (h *Handler) SetShutdown(shutdown bool) {
	if shutdown {
		h.phase.Store(int32(draining))
		return
	}
	h.phase.CompareAndSwap(int32(draining), int32(serving))
}

// Liveness only fails while draining. Dependencies are not consulted.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	if p := h.current(); p == draining {
		writeStatus(w, http.StatusServiceUnavailable, StatusResponse{Status: p.status()})
		return
	}
	writeStatus(w, http.StatusOK, StatusResponse{Status: serving.status()})
}

func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	if p := h.current(); p != serving {
		writeStatus(w, http.StatusServiceUnavailable, ReadinessResponse{Status: p.status()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := probeAll(ctx, h.deps)

	resp := ReadinessResponse{Status: "ok", Checks: checks}
	code := http.StatusOK
	for _, c := range checks {
		if !c.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	writeStatus(w, code, resp)
}

// probeAll pings every dependency concurrently. Results keep the order of
// deps.
func probeAll(ctx context.Context, deps []Dependency) []HealthCheck {
	checks := make([]HealthCheck, len(deps))

	var wg sync.WaitGroup
	for i, dep := range deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checks[i] = probe(ctx, dep)
		}()
	}
	wg.Wait()

	return checks
}

func probe(ctx context.Context, dep Dependency) HealthCheck {
	hc := HealthCheck{Name: dep.Name}

	if dep.Checker == nil {
		hc.Message = "no checker configured"
		return hc
	}

	start := time.Now()
	err := dep.Checker.Ping(ctx)
	hc.Latency = time.Since(start).Round(time.Microsecond).String()

	if err != nil {
		hc.Message = "unreachable"
		return hc
	}

	hc.Healthy = true
	return hc
}

func writeStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	//nolint:errcheck // probe response
	_ = json.NewEncoder(w).Encode(body)
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ReadinessResponse struct {
	Status string        `json:"status"`
	Checks []HealthCheck `json:"checks,omitempty"`
}

type HealthCheck struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}
