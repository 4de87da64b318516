package warmup

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultFailedKey is the Redis set of identifiers that failed in past jobs.
const DefaultFailedKey = "content-cache:warmup:failed"

// FailedLog records identifiers that failed to warm so an operator can retry them.
type FailedLog interface {
	Add(ctx context.Context, ids ...string) (int, error)
	List(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// RedisFailedLog stores failed identifiers in a Redis set.
type RedisFailedLog struct {
	redis *redis.Client
	key   string
}

// NewRedisFailedLog creates a failed log stored under key (DefaultFailedKey when empty).
func NewRedisFailedLog(client *redis.Client, key string) *RedisFailedLog {
	if key == "" {
		key = DefaultFailedKey
	}
	return &RedisFailedLog{redis: client, key: key}
}

// Add records ids and returns the size of the log.
func (f *RedisFailedLog) Add(ctx context.Context, ids ...string) (int, error) {
	if len(ids) > 0 {
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		if err := f.redis.SAdd(ctx, f.key, members...).Err(); err != nil {
			return 0, fmt.Errorf("record failed pages: %w", err)
		}
	}
	n, err := f.redis.SCard(ctx, f.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count failed pages: %w", err)
	}
	return int(n), nil
}

// List returns the recorded ids sorted.
func (f *RedisFailedLog) List(ctx context.Context) ([]string, error) {
	ids, err := f.redis.SMembers(ctx, f.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed pages: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *RedisFailedLog) Clear(ctx context.Context) error {
	if err := f.redis.Del(ctx, f.key).Err(); err != nil {
		return fmt.Errorf("clear failed pages: %w", err)
	}
	return nil
}

// MemoryFailedLog is a FailedLog for single-instance deployments.
type MemoryFailedLog struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewMemoryFailedLog() *MemoryFailedLog {
	return &MemoryFailedLog{ids: make(map[string]struct{})}
}

func (f *MemoryFailedLog) Add(_ context.Context, ids ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.ids[id] = struct{}{}
	}
	return len(f.ids), nil
}

func (f *MemoryFailedLog) List(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.ids))
	for id := range f.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (f *MemoryFailedLog) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = make(map[string]struct{})
	return nil
}
