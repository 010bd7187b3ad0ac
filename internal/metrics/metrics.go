// Package metrics exposes prometheus instrumentation for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts events fetched from the broker, before processing.
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_events_received_total",
			Help: "Total number of events fetched from the broker",
		},
		[]string{"topic"},
	)

	// EventsProcessed counts pipeline outcomes per entity type.
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_events_processed_total",
			Help: "Total number of events by terminal pipeline outcome",
		},
		[]string{"entity_type", "outcome"},
	)

	// EventsDeadLettered counts events routed to the dead-letter channel.
	EventsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_events_dead_lettered_total",
			Help: "Total number of events published to the dead-letter channel",
		},
		[]string{"topic", "failure_class"},
	)

	// RetryAttempts counts individual write retry attempts.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_retry_attempts_total",
			Help: "Total number of write retry attempts after transient failures",
		},
		[]string{"entity_type"},
	)

	// WriteDuration observes index write latency.
	WriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "searchsync_write_duration_seconds",
			Help:    "Duration of search engine write operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity_type", "action"},
	)

	// CascadeTargets observes fan-out sizes of cascade work items.
	CascadeTargets = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "searchsync_cascade_targets",
			Help:    "Number of documents touched per cascade work item",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		},
		[]string{"root_event_type"},
	)

	// CascadeSubOps counts per-document cascade sub-operations by outcome.
	CascadeSubOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_cascade_sub_operations_total",
			Help: "Total number of cascade sub-operations by outcome",
		},
		[]string{"outcome"},
	)

	// ReconcileDrift counts documents the reconciler found out of sync.
	ReconcileDrift = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_reconcile_drift_total",
			Help: "Total number of index documents found drifted from source",
		},
		[]string{"entity_type", "kind"},
	)

	// ReconcileRepairs counts corrective writes issued by the reconciler.
	ReconcileRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchsync_reconcile_repairs_total",
			Help: "Total number of corrective writes issued by the reconciler",
		},
		[]string{"entity_type"},
	)
)
