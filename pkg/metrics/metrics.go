// Package metrics holds the runtime's Prometheus instrumentation.
//
// Metrics live on a private registry so embedders control exposure; the
// admin observability listener serves it at /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the runtime's Prometheus registry.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels everything with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(
		prometheus.Labels{"service": "machina"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics bundles the runtime's Prometheus collectors.
type Metrics struct {
	// Registry
	LiveMachines     prometheus.Gauge
	TransitionsTotal *prometheus.CounterVec
	EventsRejected   *prometheus.CounterVec
	Rehydrations     *prometheus.CounterVec
	Evictions        *prometheus.CounterVec

	// Persistence
	SnapshotWriteDuration prometheus.Histogram
	SnapshotWriteFailures prometheus.Counter

	// Archival
	ArchivalAttempted  prometheus.Counter
	ArchivalSucceeded  prometheus.Counter
	ArchivalFailed     prometheus.Counter
	ArchivalRetried    prometheus.Counter
	ArchivalDeadLetter prometheus.Counter
	ArchivalQueueDepth prometheus.Gauge

	// Retention
	RetentionDeleted prometheus.Counter
	RetentionSweeps  prometheus.Counter
}

// Get returns the global metrics bundle, creating it on first use.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metrics = New(DefaultRegisterer)
	})
	return metrics
}

// New creates a metrics bundle registered with the given registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		LiveMachines: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "machina_registry_live_machines",
			Help: "Number of machines currently materialized in memory",
		}),
		TransitionsTotal: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "machina_transitions_total",
			Help: "State transitions committed, by definition and trigger",
		}, []string{"definition", "trigger"}),
		EventsRejected: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "machina_events_rejected_total",
			Help: "Events that did not commit a transition, by reason",
		}, []string{"reason"}),
		Rehydrations: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "machina_rehydrations_total",
			Help: "Rehydration attempts, by result",
		}, []string{"result"}),
		Evictions: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "machina_evictions_total",
			Help: "Machines evicted from memory, by cause",
		}, []string{"cause"}),

		SnapshotWriteDuration: promauto.With(registerer).NewHistogram(prometheus.HistogramOpts{
			Name:    "machina_snapshot_write_seconds",
			Help:    "Write-through snapshot persistence latency",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotWriteFailures: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "machina_snapshot_write_failures_total",
			Help: "Snapshot writes that failed and rolled back a transition",
		}),

		ArchivalAttempted: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "machina_archival_attempted_total",
			Help: "Archival work items picked up by workers",
		}),
		ArchivalSucceeded: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "machina_archival_succeeded_total",
			Help: "Machines moved from the active store to history",
		}),
		ArchivalFailed: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "machina_archival_failed_total",
			Help: "Archival attempts that failed (before retry accounting)",
		}),
		ArchivalRetried: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "machina_archival_retried_total",
			Help: "Archival attempts that were retried after a failure",
		}),
		ArchivalDeadLetter: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "machina_archival_dead_letter_total",
			Help: "Archival items parked after exhausting retries",
		}),
		ArchivalQueueDepth: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "machina_archival_queue_depth",
			Help: "Items waiting in the archival queue",
		}),

		RetentionDeleted: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "machina_retention_deleted_total",
			Help: "History rows deleted by retention sweeps",
		}),
		RetentionSweeps: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "machina_retention_sweeps_total",
			Help: "Retention sweeps executed",
		}),
	}
}
