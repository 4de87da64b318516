package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every key the Redis tier writes.
const DefaultNamespace = "content-cache:entry:"

const scanBatch = 200

// ExternalTier is a shared, durable tier reachable from every instance.
type ExternalTier interface {
	// Get returns ErrCacheMiss when the key is absent or expired.
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e *Entry) error
	DeleteMatching(ctx context.Context, p Pattern) (int, error)
	Flush(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// RedisTier stores JSON-encoded entries in Redis with native key expiry.
type RedisTier struct {
	redis     *redis.Client
	namespace string
}

// NewRedisTier creates a Redis-backed external tier. An empty namespace
// selects DefaultNamespace.
func NewRedisTier(client *redis.Client, namespace string) *RedisTier {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisTier{redis: client, namespace: namespace}
}

// Get retrieves an entry by key.
func (r *RedisTier) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.redis.Get(ctx, r.namespace+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.IsExpired() {
		return nil, ErrCacheMiss
	}
	return &e, nil
}

// Set stores e with a TTL equal to its remaining lifetime.
func (r *RedisTier) Set(ctx context.Context, e *Entry) error {
	ttl := e.TTL()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := r.redis.Set(ctx, r.namespace+e.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// DeleteMatching removes the keys selected by p.
func (r *RedisTier) DeleteMatching(ctx context.Context, p Pattern) (int, error) {
	if !p.Prefix {
		n, err := r.redis.Del(ctx, r.namespace+p.Text).Result()
		if err != nil {
			return 0, fmt.Errorf("redis del: %w", err)
		}
		return int(n), nil
	}
	return r.deletePrefix(ctx, p.Text)
}

// Flush removes every key in the namespace.
func (r *RedisTier) Flush(ctx context.Context) (int, error) {
	return r.deletePrefix(ctx, "")
}

// Count returns the number of keys in the namespace.
func (r *RedisTier) Count(ctx context.Context) (int, error) {
	n := 0
	iter := r.redis.Scan(ctx, 0, escapeGlob(r.namespace)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}

// Ping checks connectivity.
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}

func (r *RedisTier) deletePrefix(ctx context.Context, prefix string) (int, error) {
	match := escapeGlob(r.namespace+prefix) + "*"

	deleted := 0
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.redis.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	iter := r.redis.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
