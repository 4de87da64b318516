package warmup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseKey is the Redis key holding the cross-instance warmup lease.
const DefaultLeaseKey = "content-cache:warmup:lease"

// DefaultLeaseTTL bounds how long a crashed holder can block other instances.
const DefaultLeaseTTL = 2 * time.Minute

// Lease provides cross-instance single-flight for warmup jobs.
type Lease interface {
	// Acquire returns a token when the lease was free.
	Acquire(ctx context.Context, ttl time.Duration) (token string, ok bool, err error)
	// Extend refreshes the lease if token still holds it.
	Extend(ctx context.Context, token string, ttl time.Duration) error
	// Release frees the lease if token still holds it.
	Release(ctx context.Context, token string) error
	// Reset frees the lease whoever holds it.
	Reset(ctx context.Context) error
}

// ErrLeaseLost is returned by Extend when the lease expired or was reset.
var ErrLeaseLost = errors.New("warmup lease lost")

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLease implements Lease with SET NX PX and token-checked scripts.
type RedisLease struct {
	redis *redis.Client
	key   string
}

// NewRedisLease creates a lease stored under key (DefaultLeaseKey when empty).
func NewRedisLease(client *redis.Client, key string) *RedisLease {
	if key == "" {
		key = DefaultLeaseKey
	}
	return &RedisLease{redis: client, key: key}
}

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire warmup lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLease) Extend(ctx context.Context, token string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.redis, []string{l.key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend warmup lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *RedisLease) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, l.redis, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("release warmup lease: %w", err)
	}
	return nil
}

func (l *RedisLease) Reset(ctx context.Context) error {
	if err := l.redis.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("reset warmup lease: %w", err)
	}
	return nil
}
