package writer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queuedTotal counts values accepted by the queue.
	// Labels: kind (meta, events, other)
	queuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labrun",
		Subsystem: "writer",
		Name:      "queued_total",
		Help:      "Values queued for the remote store",
	}, []string{"kind"})

	// flushesTotal counts flush attempts.
	// Labels: result (ok, error, skipped)
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labrun",
		Subsystem: "writer",
		Name:      "flushes_total",
		Help:      "Flush attempts by result",
	}, []string{"result"})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "labrun",
		Subsystem: "writer",
		Name:      "flush_duration_seconds",
		Help:      "Latency of batched remote updates",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	flushSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "labrun",
		Subsystem: "writer",
		Name:      "flush_paths",
		Help:      "Paths written per flush",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	// sanitizedTotal counts queued values whose keys held reserved
	// characters.
	sanitizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labrun",
		Subsystem: "writer",
		Name:      "sanitized_keys_total",
		Help:      "Queued values with reserved characters replaced in keys",
	})

	// droppedTotal counts queued values removed because the store rejects
	// their path.
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labrun",
		Subsystem: "writer",
		Name:      "dropped_total",
		Help:      "Queued values dropped as unwritable",
	})

	// normalizeFailures counts values that needed best-effort coercion.
	normalizeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labrun",
		Subsystem: "writer",
		Name:      "normalize_failures_total",
		Help:      "Queued values that were not JSON-safe",
	})
)
