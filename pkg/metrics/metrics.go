// Copyright 2025 Agger Protocol
//
// Prometheus instrumentation for the proving pipeline.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts query events successfully resolved into
	// UserQuery records.
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agger_events_ingested_total",
		Help: "Query events resolved from the ledger",
	})

	// IngestErrors counts ledger or decode failures during ingestion; each
	// is retried at the same sequence number.
	IngestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agger_ingest_errors_total",
		Help: "Transient errors while tailing the query event handle",
	})

	// ResolveFailures counts per-query resolution failures (missing module,
	// missing function, missing view return).
	ResolveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agger_resolve_failures_total",
		Help: "Queries whose proving material could not be resolved",
	})

	// TasksDispatched counts prove tasks accepted by the dispatcher.
	TasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agger_tasks_dispatched_total",
		Help: "Prove tasks accepted by the dispatcher",
	})

	// ActiveWorkers tracks prove tasks currently running on the worker pool.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agger_active_prove_workers",
		Help: "Prove tasks currently executing",
	})

	// ProveSuccesses and ProveFailures count prove outcomes.
	ProveSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agger_prove_success_total",
		Help: "Prove tasks that produced a proof",
	})
	ProveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agger_prove_failure_total",
		Help: "Prove tasks that ended in a witness or proving error",
	})

	// ProveDuration observes wall time per prove task.
	ProveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agger_prove_duration_seconds",
		Help:    "Wall time of witness construction plus proof generation",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
