package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the cron scheduler.
type Metrics struct {
	JobsFired     prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kimbia",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total cron jobs fired.",
		}),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kimbia",
			Subsystem: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Total cron job runs that exited with code 0.",
		}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kimbia",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total cron job runs that did not succeed, by outcome.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kimbia",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Duration of each scheduled job run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsSucceeded,
		m.JobsFailed,
		m.RunDuration,
	)

	return m
}
