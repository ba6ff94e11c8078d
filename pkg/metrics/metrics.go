// Package metrics exposes Prometheus collectors for runs, sessions and fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReconcileTotal counts reconcile calls by behavior and outcome
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blink_reconcile_total",
			Help: "Total number of run reconcile calls",
		},
		[]string{"behavior", "outcome"},
	)

	// StalledStepsHealed counts steps errored by stall healing
	StalledStepsHealed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blink_stalled_steps_healed_total",
			Help: "Total number of open steps errored for missing heartbeats",
		},
	)

	// RunningSessions tracks session coordinators with an active loop
	RunningSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blink_running_sessions",
			Help: "Number of chat sessions currently executing a step",
		},
	)

	// StepsTotal counts step executions by outcome
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blink_steps_total",
			Help: "Total number of executed steps",
		},
		[]string{"outcome"},
	)

	// StepDuration tracks how long one step takes
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blink_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	// Subscribers tracks live stream subscribers
	Subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blink_stream_subscribers",
			Help: "Number of live stream subscribers",
		},
		[]string{"transport"},
	)

	// ReplayBufferBytes tracks encoded chunk bytes held for late subscribers
	ReplayBufferBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blink_stream_replay_buffer_bytes",
			Help: "Encoded chunk bytes buffered for replay across all chats",
		},
	)

	// EventsBroadcast counts events pushed through the broadcaster
	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blink_stream_events_total",
			Help: "Total number of broadcast stream events",
		},
		[]string{"event"},
	)

	// SubscriberEvictions counts subscribers dropped after a failed or stalled write
	SubscriberEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blink_stream_subscriber_evictions_total",
			Help: "Total number of subscribers evicted from a stream",
		},
		[]string{"reason"},
	)

	// WakesFired counts scheduled wake-ups processed by this pod
	WakesFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blink_wakes_fired_total",
			Help: "Total number of scheduled wake-ups processed",
		},
	)
)

// Outcome labels shared by step and reconcile metrics.
const (
	OutcomeCreated     = "created"
	OutcomeConflict    = "conflict"
	OutcomeError       = "error"
	OutcomeDone        = "done"
	OutcomeContinue    = "continue"
	OutcomeCancelled   = "cancelled"
	EvictionWriteError = "write_error"
	EvictionSlow       = "slow"
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordReconcile records one reconcile call
func RecordReconcile(behavior, outcome string) {
	ReconcileTotal.WithLabelValues(behavior, outcome).Inc()
}

// RecordStep records a finished step and its duration
func RecordStep(outcome string, durationSeconds float64) {
	StepsTotal.WithLabelValues(outcome).Inc()
	StepDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordEviction records a dropped subscriber
func RecordEviction(reason string) {
	SubscriberEvictions.WithLabelValues(reason).Inc()
}
