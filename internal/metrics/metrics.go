// Package metrics provides Prometheus metrics for the solver service.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for inbound API latency.
var apiBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Solve runs are dominated by page loads and challenge waits, so the
// buckets stretch much further than the API ones.
var solveBuckets = []float64{.5, 1, 2.5, 5, 10, 20, 30, 60, 120}

// Metrics holds all Prometheus metric collectors for the service.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	SolvesTotal    *prometheus.CounterVec
	SolveDuration  prometheus.Histogram
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	SessionsActive prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_solver_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnstile_solver_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: apiBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turnstile_solver_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		SolvesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_solver_solves_total",
			Help: "Total browser-driven solve runs by terminal outcome.",
		}, []string{"outcome"}),

		SolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "turnstile_solver_solve_duration_seconds",
			Help:    "Browser-driven solve run latency in seconds.",
			Buckets: solveBuckets,
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_solver_cache_hits_total",
			Help: "Header-set requests served from the cache.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_solver_cache_misses_total",
			Help: "Header-set requests that required a solve run.",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turnstile_solver_browser_sessions_active",
			Help: "Browser sessions currently holding a concurrency permit.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.SolvesTotal,
		m.SolveDuration,
		m.CacheHits,
		m.CacheMisses,
		m.SessionsActive,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api/v1", "/healthz", "/solver/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
