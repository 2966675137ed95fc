package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BindingOpsTotal counts every binding method invocation, labeled by
	// binding kind (kv, r2, d1, queue, do, workflow, container, cache,
	// service), slot name, and method.
	BindingOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunflare_binding_operations_total",
			Help: "Total binding operations by kind, slot and method",
		},
		[]string{"kind", "slot", "method"},
	)

	// BindingOpErrorsTotal counts binding operations that returned an error.
	BindingOpErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunflare_binding_operation_errors_total",
			Help: "Total binding operations that returned an error",
		},
		[]string{"kind", "slot", "method"},
	)

	// BindingOpDuration tracks operation latency per binding kind.
	BindingOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bunflare_binding_operation_duration_seconds",
			Help:    "Binding operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "slot", "method"},
	)

	// GenerationReloadsTotal counts generation manager reload attempts.
	GenerationReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunflare_generation_reloads_total",
			Help: "Total generation reload attempts by outcome",
		},
		[]string{"outcome"}, // ok, error
	)

	// ActiveGeneration reports the id of the currently active generation.
	ActiveGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bunflare_active_generation",
			Help: "Id of the currently active generation",
		},
	)

	// RequestsTotal counts dispatched fetch requests by status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunflare_requests_total",
			Help: "Total fetch requests dispatched to the worker, by status class",
		},
		[]string{"status_class"},
	)

	// RequestDuration tracks fetch handler latency.
	RequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bunflare_request_duration_seconds",
			Help:    "fetch() handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// QueueMessagesTotal counts queue producer/consumer outcomes.
	QueueMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunflare_queue_messages_total",
			Help: "Total queue messages by queue and outcome",
		},
		[]string{"queue", "outcome"}, // sent, acked, retried, dead_lettered
	)

	// ContainerStateTransitions counts container lifecycle transitions.
	ContainerStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunflare_container_state_transitions_total",
			Help: "Container lifecycle state transitions",
		},
		[]string{"to_state"},
	)

	// CronDispatchesTotal counts scheduled() invocations by cron expression.
	CronDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunflare_cron_dispatches_total",
			Help: "Total scheduled() dispatches by cron expression",
		},
		[]string{"cron"},
	)
)

func init() {
	prometheus.MustRegister(
		BindingOpsTotal,
		BindingOpErrorsTotal,
		BindingOpDuration,
		GenerationReloadsTotal,
		ActiveGeneration,
		RequestsTotal,
		RequestDuration,
		QueueMessagesTotal,
		ContainerStateTransitions,
		CronDispatchesTotal,
	)
}

// Handler returns the HTTP handler exposing metrics in the Prometheus
// exposition format, for mounting under e.g. /__metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
