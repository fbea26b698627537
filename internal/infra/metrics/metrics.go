// Package metrics exposes Prometheus collectors for the pipeline.
// Collectors are package-level and auto-registered; the /metrics endpoint is
// mounted by the router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued counts queue enqueues per pool.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arkham_jobs_enqueued_total",
		Help: "Jobs enqueued, by pool.",
	}, []string{"pool"})

	// JobsCompleted counts successful job completions per pool.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arkham_jobs_completed_total",
		Help: "Jobs completed successfully, by pool.",
	}, []string{"pool"})

	// JobsFailed counts job failures per pool (before retry accounting).
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arkham_jobs_failed_total",
		Help: "Job failures, by pool.",
	}, []string{"pool"})

	// JobsDead counts jobs moved to the dead-letter queue per pool.
	JobsDead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arkham_jobs_dead_total",
		Help: "Jobs dead-lettered after exhausting retries, by pool.",
	}, []string{"pool"})

	// LeasesRecovered counts expired leases reclaimed from crashed workers.
	LeasesRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arkham_leases_recovered_total",
		Help: "Expired job leases reclaimed by another worker.",
	})

	// EventsEmitted counts event bus emissions per topic.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arkham_events_emitted_total",
		Help: "Events emitted on the bus, by topic.",
	}, []string{"topic"})

	// SearchDuration observes end-to-end search latency by mode.
	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arkham_search_duration_seconds",
		Help:    "Search latency by mode (semantic, keyword, hybrid, regex).",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	// EmbedCacheHits / EmbedCacheMisses track the embedding LRU cache.
	EmbedCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arkham_embed_cache_hits_total",
		Help: "Embedding cache hits.",
	})
	EmbedCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arkham_embed_cache_misses_total",
		Help: "Embedding cache misses.",
	})
)
