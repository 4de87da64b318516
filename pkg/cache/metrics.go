package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by tier
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_cache_hits_total",
			Help: "Total number of content cache hits",
		},
		[]string{"tier"}, // "memory", "external"
	)

	// CacheMisses tracks lookups that no tier could serve
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "content_cache_misses_total",
			Help: "Total number of content cache misses",
		},
	)

	// CacheEntries tracks entry counts by tier
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "content_cache_entries",
			Help: "Current number of cached entries",
		},
		[]string{"tier"},
	)

	// CacheSize tracks estimated size in bytes by tier
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "content_cache_size_bytes",
			Help: "Estimated size of the content cache in bytes",
		},
		[]string{"tier"},
	)

	// CacheCapacity exposes the memory tier bounds
	CacheCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "content_cache_capacity",
			Help: "Configured memory tier bounds",
		},
		[]string{"unit"}, // "entries", "bytes"
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"tier", "operation"},
	)

	// CacheEvictions tracks LRU evictions from the memory tier
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "content_cache_evictions_total",
			Help: "Total number of memory tier capacity evictions",
		},
	)

	// CacheDegraded is 1 while the external tier is unreachable
	CacheDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "content_cache_degraded",
			Help: "1 if the external cache tier is unavailable, 0 otherwise",
		},
	)

	CachePendingInvalidations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "content_cache_pending_invalidations",
			Help: "Invalidations not yet applied to the external cache tier",
		},
	)
)
