// AngelaMos | 2026
// metrics.go

// Package metrics exposes prometheus counters for the authorization flow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	roleResolutions *prometheus.CounterVec
	lookupFailures  *prometheus.CounterVec
	resolveLatency  prometheus.Histogram
	signIns         *prometheus.CounterVec
	signOuts        *prometheus.CounterVec
	guardDecisions  *prometheus.CounterVec
	staleDiscards   prometheus.Counter
	activeClients   prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		roleResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soko_role_resolutions_total",
			Help: "Role resolutions by resulting role.",
		}, []string{"role"}),
		lookupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soko_role_lookup_failures_total",
			Help: "Profile lookups that degraded to the default role, by stage.",
		}, []string{"stage"}),
		resolveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "soko_role_resolve_seconds",
			Help:    "Latency of role resolution.",
			Buckets: prometheus.DefBuckets,
		}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soko_sign_ins_total",
			Help: "Sign-in attempts by outcome.",
		}, []string{"outcome"}),
		signOuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soko_sign_outs_total",
			Help: "Sign-outs by outcome.",
		}, []string{"outcome"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soko_guard_decisions_total",
			Help: "Route guard decisions.",
		}, []string{"decision"}),
		staleDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soko_auth_stale_resolutions_total",
			Help: "Role resolutions discarded because a newer transition superseded them.",
		}),
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soko_auth_active_clients",
			Help: "Client auth contexts currently held in memory.",
		}),
	}

	reg.MustRegister(
		c.roleResolutions,
		c.lookupFailures,
		c.resolveLatency,
		c.signIns,
		c.signOuts,
		c.guardDecisions,
		c.staleDiscards,
		c.activeClients,
	)

	return c
}

func (c *Collector) RecordRoleResolution(role string, d time.Duration) {
	c.roleResolutions.WithLabelValues(role).Inc()
	c.resolveLatency.Observe(d.Seconds())
}

func (c *Collector) RecordLookupFailure(stage string) {
	c.lookupFailures.WithLabelValues(stage).Inc()
}

func (c *Collector) RecordSignIn(outcome string) {
	c.signIns.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordSignOut(outcome string) {
	c.signOuts.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordGuardDecision(decision string) {
	c.guardDecisions.WithLabelValues(decision).Inc()
}

func (c *Collector) RecordStaleResolution() {
	c.staleDiscards.Inc()
}

func (c *Collector) SetActiveClients(n int) {
	c.activeClients.Set(float64(n))
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
