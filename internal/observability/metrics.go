package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Kimbia.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Run metrics.
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	ActiveRuns  prometheus.Gauge

	// Output pump metrics.
	OutputBytesTotal *prometheus.CounterVec

	// HTTP server metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	// WebSocket streaming metrics.
	StreamsActive prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kimbia",
			Subsystem: "run",
			Name:      "total",
			Help:      "Total command runs by source and outcome.",
		}, []string{"source", "status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kimbia",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Command run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"source"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kimbia",
			Subsystem: "run",
			Name:      "active",
			Help:      "Number of commands currently executing.",
		}),

		OutputBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kimbia",
			Subsystem: "output",
			Name:      "bytes_total",
			Help:      "Total bytes observed on child streams.",
		}, []string{"stream"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kimbia",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kimbia",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kimbia",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of HTTP requests currently being served.",
		}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kimbia",
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of WebSocket run streams currently open.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ActiveRuns,
		m.OutputBytesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.StreamsActive,
	)

	return m
}
