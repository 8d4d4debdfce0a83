package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Askari.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Authorization session metrics.
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge

	// Prompt metrics.
	PromptOutcomes *prometheus.CounterVec

	// Policy store metrics.
	StoreOpsTotal *prometheus.CounterVec

	// Admin HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "session",
			Name:      "total",
			Help:      "Total authorization sessions by decision and source.",
		}, []string{"decision", "source"}),

		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "askari",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Authorization session duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"source"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "askari",
			Subsystem: "session",
			Name:      "active",
			Help:      "Authorization sessions currently in flight.",
		}),

		PromptOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "prompt",
			Name:      "outcomes_total",
			Help:      "Interactive prompt outcomes by resolution path and decision.",
		}, []string{"via", "decision"}),

		StoreOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "store",
			Name:      "ops_total",
			Help:      "Policy store operations by operation and status.",
		}, []string{"op", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin API requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "askari",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.SessionDuration,
		m.ActiveSessions,
		m.PromptOutcomes,
		m.StoreOpsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
