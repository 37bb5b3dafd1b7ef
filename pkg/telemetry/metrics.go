package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Ops API ─────────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botqueue",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks submitted through the ops API.",
	}, []string{"type"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botqueue",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total task submissions rejected by the per-project rate limiter.",
	})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherTasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botqueue",
		Subsystem: "dispatcher",
		Name:      "tasks_claimed_total",
		Help:      "Total tasks claimed from the queue.",
	})

	DispatcherTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "botqueue",
		Subsystem: "dispatcher",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being delivered.",
	})

	DispatcherDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botqueue",
		Subsystem: "dispatcher",
		Name:      "deliveries_total",
		Help:      "Total delivery outcomes, labelled by task_type and outcome.",
	}, []string{"task_type", "outcome"})

	DispatcherDeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "botqueue",
		Subsystem: "dispatcher",
		Name:      "delivery_duration_seconds",
		Help:      "Webhook delivery round-trip time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"task_type"})

	DispatcherRetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botqueue",
		Subsystem: "dispatcher",
		Name:      "retries_scheduled_total",
		Help:      "Total retries scheduled after failed deliveries.",
	}, []string{"task_type"})

	DispatcherTerminalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botqueue",
		Subsystem: "dispatcher",
		Name:      "terminal_failures_total",
		Help:      "Total tasks failed permanently after exhausting max_attempts.",
	}, []string{"task_type"})

	// ─── Janitor ─────────────────────────────────────────────────────────────────

	JanitorSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botqueue",
		Subsystem: "janitor",
		Name:      "sweeps_total",
		Help:      "Total sweep runs executed on this instance.",
	})

	JanitorRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botqueue",
		Subsystem: "janitor",
		Name:      "requeued_total",
		Help:      "Total stale processing tasks returned to pending.",
	})

	JanitorFailedStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botqueue",
		Subsystem: "janitor",
		Name:      "failed_stale_total",
		Help:      "Total stale processing tasks failed permanently.",
	})
)
