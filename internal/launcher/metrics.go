package launcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the launcher's prometheus collectors
type Metrics struct {
	runs        *prometheus.CounterVec
	launches    *prometheus.CounterVec
	destroys    prometheus.Counter
	cancels     *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	activeRuns  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "launcher_runs_total",
				Help: "Completed launcher runs by outcome",
			},
			[]string{"outcome"}, // "succeeded", "non_zero_exit", "failed", "cancelled"
		),
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "launcher_worker_launches_total",
				Help: "Runs that created a worker or attached to an existing one",
			},
			[]string{"mode"}, // "create", "attach"
		),
		destroys: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "launcher_destroy_attempts_total",
				Help: "Destroy requests issued while cancelling",
			},
		),
		cancels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "launcher_cancels_total",
				Help: "Cancel calls by result",
			},
			[]string{"result"}, // "no_handle", "terminated", "unconfirmed"
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "launcher_run_duration_seconds",
				Help:    "Wall time of launcher runs",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"outcome"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "launcher_active_runs",
				Help: "Runs currently waiting on a worker",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.runs, m.launches, m.destroys, m.cancels, m.runDuration, m.activeRuns)
	}
	return m
}
