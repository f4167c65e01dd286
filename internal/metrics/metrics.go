// Package metrics exposes the Prometheus instruments for the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts task submissions per queue.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labtasker",
		Name:      "tasks_submitted_total",
		Help:      "Tasks submitted, by queue.",
	}, []string{"queue"})

	// TasksFetched counts successful task claims per queue.
	TasksFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labtasker",
		Name:      "tasks_fetched_total",
		Help:      "Tasks claimed by workers, by queue.",
	}, []string{"queue"})

	// TaskTransitions counts task state transitions.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labtasker",
		Name:      "task_transitions_total",
		Help:      "Task state transitions, by target state.",
	}, []string{"to_state"})

	// TimeoutsSwept counts RUNNING tasks failed by the timeout sweeper.
	TimeoutsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labtasker",
		Name:      "timeouts_swept_total",
		Help:      "Tasks transitioned out of RUNNING by the timeout sweeper.",
	})

	// WorkersCrashed counts workers that exhausted their failure budget.
	WorkersCrashed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labtasker",
		Name:      "workers_crashed_total",
		Help:      "Workers transitioned to CRASHED.",
	})

	// RequestDuration observes HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "labtasker",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
