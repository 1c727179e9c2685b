// Package metrics exposes Prometheus collectors for the orchestration layer.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	// ItemsDispatched counts items admitted to the task queue, per scope.
	ItemsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_items_dispatched_total",
		Help: "Items enqueued to the task queue",
	}, []string{"scope"})

	// ItemsProcessed counts item verdicts, per job type and result.
	ItemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_items_processed_total",
		Help: "Item verdicts recorded by the processor",
	}, []string{"job_type", "result"})

	// ItemDuration observes handler wall time per job type.
	ItemDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_item_duration_seconds",
		Help:    "Handler execution time per item",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})

	// JobsSettled counts jobs reaching a terminal status.
	JobsSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_settled_total",
		Help: "Jobs that reached a terminal status",
	}, []string{"job_type", "status"})

	// ExecutionsClaimed counts ledger claim attempts by outcome.
	ExecutionsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_executions_claimed_total",
		Help: "Execution ledger claim attempts",
	}, []string{"outcome"})

	// StaleRecovered counts rows force-failed by the recovery sweeps.
	StaleRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_stale_recovered_total",
		Help: "Rows force-failed by stale recovery sweeps",
	}, []string{"kind"})

	// ThrottleRejects counts items deferred by the admission throttle.
	ThrottleRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_throttle_rejects_total",
		Help: "Items deferred by the admission throttle",
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsDispatched,
			ItemsProcessed,
			ItemDuration,
			JobsSettled,
			ExecutionsClaimed,
			StaleRecovered,
			ThrottleRejects,
		)
	})
	return promhttp.Handler()
}
