// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Network quality metrics
	CurrentTier = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelcore_network_tier",
			Help: "Current network quality tier (0=very-low .. 3=high)",
		},
	)

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reelcore_probe_duration_seconds",
			Help:    "Network probe download duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProbeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelcore_probe_failures_total",
			Help: "Total number of failed network probes",
		},
	)

	// Generic cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelcore_cache_hits_total",
			Help: "Cache hits by category and freshness",
		},
		[]string{"category", "freshness"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelcore_cache_misses_total",
			Help: "Cache misses by category",
		},
		[]string{"category"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelcore_cache_evictions_total",
			Help: "Entries evicted by the capacity sweep",
		},
		[]string{"category"},
	)

	RefreshesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelcore_cache_refreshes_total",
			Help: "Background refreshes enqueued",
		},
	)

	// Progressive fetch metrics
	ChunksEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelcore_progressive_chunks_total",
			Help: "Chunks emitted to stream consumers",
		},
	)

	BytesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelcore_progressive_bytes_total",
			Help: "Media bytes received from the network",
		},
	)

	FallbackAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelcore_fallback_attempts_total",
			Help: "URL fallback-chain attempts after a fetch failure",
		},
	)

	// Resource pool metrics
	PoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelcore_pool_size",
			Help: "Occupied playback resource slots",
		},
	)

	PoolHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelcore_pool_hits_total",
			Help: "Acquire calls served by an existing healthy handle",
		},
	)

	PoolEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelcore_pool_evictions_total",
			Help: "LRU evictions from the playback resource pool",
		},
	)

	PoolInitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelcore_pool_init_failures_total",
			Help: "Playback resource initializations that failed all URLs",
		},
	)

	// Preload scheduler metrics
	PreloadDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelcore_preload_dispatched_total",
			Help: "Preload tasks dispatched",
		},
	)

	PreloadStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelcore_preload_stale_total",
			Help: "Preload tasks aborted because their epoch was superseded",
		},
	)
)
