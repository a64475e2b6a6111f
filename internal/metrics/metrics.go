// Package metrics provides Prometheus metrics for the reconciler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EmbeddingCalls counts embedding provider calls (including retries) by caller
	EmbeddingCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "embedding",
			Name:      "calls_total",
			Help:      "Total number of embedding provider calls by caller",
		},
		[]string{"caller"},
	)

	// EmbeddingRetries counts retried embedding calls by caller
	EmbeddingRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "embedding",
			Name:      "retries_total",
			Help:      "Total number of retried embedding provider calls by caller",
		},
		[]string{"caller"},
	)

	// JobRows counts processed job rows by outcome (processed, skipped, failed)
	JobRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "job",
			Name:      "rows_total",
			Help:      "Total number of job rows handled by the row loop, by outcome",
		},
		[]string{"outcome"},
	)

	// JobDuration tracks the wall time of a full job run
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reconciler",
			Subsystem: "job",
			Name:      "run_duration_seconds",
			Help:      "Duration of job processing runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// Decisions counts recorded decisions by decision and source (manual, auto)
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "job",
			Name:      "decisions_total",
			Help:      "Total number of recorded row decisions",
		},
		[]string{"decision", "source"},
	)

	// BackfillEntries counts catalog entries handled by the backfill by outcome (embedded, skipped, error)
	BackfillEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "backfill",
			Name:      "entries_total",
			Help:      "Total number of catalog entries handled by the embedding backfill, by outcome",
		},
		[]string{"outcome"},
	)
)
