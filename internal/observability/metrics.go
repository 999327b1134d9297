// Package observability exposes Prometheus collectors for the document pipeline.
// Collectors are registered on the default registry at init and served by
// promhttp when metrics are enabled.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"docpipe/internal/core"
)

const namespace = "docpipe"

var (
	// CacheRequests counts cache lookups by result (hit, miss, error).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Local cache lookups by result.",
	}, []string{"result"})

	// CacheEvictions counts entries removed to satisfy the caps.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted by the LRU policy.",
	})

	// CacheBytes is the total payload size currently cached.
	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "bytes",
		Help:      "Total bytes held by the local cache.",
	})

	// CacheItems is the number of cached documents.
	CacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "items",
		Help:      "Number of documents held by the local cache.",
	})

	// FetchDuration observes origin calls by operation and outcome.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Remote origin call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	// StageLatency observes time from load start to each stage.
	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "load",
		Name:      "stage_seconds",
		Help:      "Time from load start until a stage is reached.",
		Buckets:   []float64{0.05, 0.1, 0.2, 0.35, 0.5, 0.75, 1, 2, 5, 10, 30},
	}, []string{"stage", "source"})

	// Loads counts loads by terminal state.
	Loads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "load",
		Name:      "total",
		Help:      "Document loads by terminal state.",
	}, []string{"state"})

	// Prefetches counts prefetch tasks by outcome (fetched, skipped, failed).
	Prefetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "prefetch",
		Name:      "tasks_total",
		Help:      "Prefetch tasks by outcome.",
	}, []string{"outcome"})
)

// ObserveFetch records one origin call.
func ObserveFetch(op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, core.ErrNotModified):
		outcome = "not_modified"
	case err != nil:
		outcome = "error"
	}
	FetchDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}
