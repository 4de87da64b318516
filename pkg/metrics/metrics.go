// Package metrics exposes the Prometheus registry of the content cache.
// Collectors are defined next to the code they measure (cache, upstream,
// ratelimit, warmup, admin, browsercache) and registered through promauto;
// this package serves them and documents the full set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package's promauto collectors use.
var Registry = prometheus.DefaultRegisterer

// Gatherer is read by Handler.
var Gatherer = prometheus.DefaultGatherer

var buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "content_cache_build_info",
	Help: "Build information of the running binary",
}, []string{"version"})

// SetBuildInfo records the running version.
func SetBuildInfo(version string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version).Set(1)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - content_cache_hits_total{tier} (Counter): Hits by tier (memory, external)
//   - content_cache_misses_total (Counter): Misses in every tier
//   - content_cache_entries{tier} (Gauge): Entries per tier
//   - content_cache_size_bytes{tier} (Gauge): Estimated bytes per tier
//   - content_cache_capacity{unit} (Gauge): Configured memory tier limits
//   - content_cache_errors_total{tier, operation} (Counter): Tier operation errors
//   - content_cache_evictions_total (Counter): LRU evictions from the memory tier
//   - content_cache_degraded (Gauge): 1 while the external tier is failing
//
// Upstream Metrics (pkg/upstream, pkg/ratelimit):
//   - upstream_requests_total{status} (Counter): Requests by HTTP status or failure class
//   - upstream_request_duration_seconds (Histogram): Request duration
//   - upstream_errors_total{class} (Counter): Errors by class
//   - upstream_retries_total{error_class} (Counter): Retry attempts
//   - upstream_retry_backoff_seconds{error_class} (Histogram): Backoff durations
//   - upstream_retry_exhausted_total{error_class} (Counter): Requests that ran out of attempts
//   - upstream_circuit_state (Gauge): 0=closed, 1=half-open, 2=open
//   - upstream_ratelimit_remaining (Gauge): Remaining requests reported by the upstream
//   - upstream_ratelimit_blocks_total (Counter): Requests blocked while rate limited
//   - upstream_throttled_total (Counter): Requests delayed by throttling
//
// Warmup Metrics (pkg/warmup):
//   - warmup_jobs_total{status} (Counter): Finished jobs by terminal status
//   - warmup_pages_total{outcome} (Counter): Identifiers by outcome
//   - warmup_batch_duration_seconds (Histogram): Batch fan-out duration
//   - warmup_running (Gauge): 1 while a job runs on this instance
//
// Admin and Browser Metrics (pkg/admin, pkg/browsercache):
//   - admin_operations_total{operation, result} (Counter): Clears and webhooks
//   - browsercache_clients (Gauge): Connected browser workers
//   - browsercache_messages_total{type} (Counter): Broadcast control messages
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(content_cache_hits_total[5m])) /
//   (sum(rate(content_cache_hits_total[5m])) + sum(rate(content_cache_misses_total[5m])))
//
//   # Warmup failure share
//   rate(warmup_pages_total{outcome="failed"}[15m]) / rate(warmup_pages_total[15m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(upstream_request_duration_seconds_bucket[5m]))
