// Package cache provides the tiered content cache: a bounded in-process LRU
// tier in front of a shared Redis tier.
//
// The store implements the following behaviour:
//
// - Reads check memory first, then Redis; Redis hits are copied into memory
// - Writes go to both tiers
// - Invalidation by exact key or "prefix*" pattern, atomic for readers
// - Redis failures degrade to memory-only operation instead of failing calls
// - Hit/miss counters and Prometheus metrics
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	store, err := cache.NewStore(cache.Options{
//		MaxEntries: 500,
//		MaxBytes:   64 << 20,
//		External:   cache.NewRedisTier(redisClient, ""),
//		Logger:     logging.NewLogger("cache"),
//	})
//
//	if err := store.Set(ctx, cache.PageKey(id), body, 2*time.Hour); err != nil {
//		return err
//	}
//
//	entry, err := store.Get(ctx, cache.PageKey(id))
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from upstream
//	}
//
// # Invalidation
//
//	store.Invalidate(ctx, cache.PageKey(id))   // one key
//	store.Invalidate(ctx, cache.PrefixNotion+"*") // every notion:* key
//	store.InvalidateAll(ctx)
//
// # Degraded Mode
//
// When Redis is unreachable, Get falls back to the memory tier, Set writes
// memory only, and Stats reports Degraded=true. The flag clears on the next
// successful Redis call.
//
// # Metrics
//
//   - content_cache_hits_total{tier} - Cache hits per tier
//   - content_cache_misses_total - Lookups no tier could serve
//   - content_cache_entries{tier} - Current entry count
//   - content_cache_size_bytes{tier} - Estimated size
//   - content_cache_errors_total{tier,operation} - Tier errors
//   - content_cache_evictions_total - LRU evictions
//   - content_cache_degraded - 1 while Redis is unavailable
package cache
