package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis starts an in-process Redis. Integration tests in
// tests/integration run the same tier against a real Redis container.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestNewRedisTier_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisTier should panic with nil redis client")
		}
	}()
	NewRedisTier(nil, "")
}

func TestRedisTier_SetAndGet(t *testing.T) {
	mr, client := setupTestRedis(t)
	tier := NewRedisTier(client, "")
	ctx := context.Background()

	entry := NewEntry("notion:page:abc", []byte(`{"title":"Home"}`), 5*time.Minute)
	entry.ETag = `"abc123"`
	entry.ContentType = "application/json"

	require.NoError(t, tier.Set(ctx, entry))
	assert.True(t, mr.Exists(DefaultNamespace+"notion:page:abc"))

	ttl := mr.TTL(DefaultNamespace + "notion:page:abc")
	assert.InDelta(t, (5 * time.Minute).Seconds(), ttl.Seconds(), 2)

	got, err := tier.Get(ctx, "notion:page:abc")
	require.NoError(t, err)
	assert.Equal(t, entry.Data, got.Data)
	assert.Equal(t, entry.ETag, got.ETag)
	assert.Equal(t, entry.ContentType, got.ContentType)
}

func TestRedisTier_GetMiss(t *testing.T) {
	_, client := setupTestRedis(t)
	tier := NewRedisTier(client, "")

	_, err := tier.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisTier_GetCorrupt(t *testing.T) {
	mr, client := setupTestRedis(t)
	tier := NewRedisTier(client, "")

	require.NoError(t, mr.Set(DefaultNamespace+"bad", "not json"))

	_, err := tier.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestRedisTier_SetExpiredIsNoop(t *testing.T) {
	mr, client := setupTestRedis(t)
	tier := NewRedisTier(client, "")

	e := NewEntry("old", []byte("v"), time.Minute)
	e.ExpiresAt = time.Now().Add(-time.Second)

	require.NoError(t, tier.Set(context.Background(), e))
	assert.False(t, mr.Exists(DefaultNamespace+"old"))
}

func TestRedisTier_DeleteMatchingAndFlush(t *testing.T) {
	mr, client := setupTestRedis(t)
	tier := NewRedisTier(client, "")
	ctx := context.Background()

	for _, k := range []string{"notion:page:a", "notion:page:b", "notion:blocks:a", "path:/"} {
		require.NoError(t, tier.Set(ctx, NewEntry(k, []byte("v"), time.Minute)))
	}
	// Keys outside the namespace must survive a flush.
	require.NoError(t, mr.Set("other:key", "v"))
	require.NoError(t, mr.Set("content-cache:warmup:lease", "token"))

	n, err := tier.DeleteMatching(ctx, ParsePattern("notion:page:*"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = tier.DeleteMatching(ctx, ParsePattern("path:/"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := tier.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	n, err = tier.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("other:key"))
	assert.True(t, mr.Exists("content-cache:warmup:lease"))
}

func TestRedisTier_ConnectionLoss(t *testing.T) {
	mr, client := setupTestRedis(t)
	tier := NewRedisTier(client, "")

	mr.Close()

	_, err := tier.Get(context.Background(), "k")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCacheMiss), "connection errors must not look like misses")
	assert.Error(t, tier.Ping(context.Background()))
}

func TestEscapeGlob(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain:key", "plain:key"},
		{"a*b", `a\*b`},
		{"q?[x]", `q\?\[x\]`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeGlob(tt.in); got != tt.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
