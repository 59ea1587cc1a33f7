package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registry *prometheus.Registry

	acquires       *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	reaped         *prometheus.CounterVec
	acquireSeconds prometheus.Histogram
}

func newMetrics(live func() float64, pending func() float64) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxd_acquires_total",
			Help: "Acquire calls by outcome.",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxd_provision_attempts_total",
			Help: "Provisioning attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxd_transitions_total",
			Help: "Instance state transitions.",
		}, []string{"from", "to"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxd_reaper_actions_total",
			Help: "Reaper actions by result.",
		}, []string{"result"}),
		acquireSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sandboxd_acquire_duration_seconds",
			Help:    "Time spent in Acquire, including provisioning.",
			Buckets: []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
	m.registry.MustRegister(
		m.acquires, m.attempts, m.transitions, m.reaped, m.acquireSeconds,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sandboxd_live_instances",
			Help: "Instances bound to a session and not terminal.",
		}, live),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sandboxd_inflight_instances",
			Help: "Instances currently being provisioned.",
		}, pending),
	)
	return m
}
