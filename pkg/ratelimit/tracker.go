package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	upstreamRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upstream_ratelimit_remaining",
		Help: "Requests remaining in the current upstream rate limit window",
	})

	upstreamBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upstream_ratelimit_blocks_total",
		Help: "Total number of requests blocked by the upstream rate limit",
	})

	upstreamThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upstream_throttled_total",
		Help: "Total number of requests delayed because the upstream budget is low",
	})
)

// DefaultThrottleDelay is the pause applied to each request in the warning range.
const DefaultThrottleDelay = time.Second

// Tracker monitors upstream rate limits and gates requests. State lives in
// Redis when a client is given so every instance sees the same limits, and
// in process memory otherwise.
type Tracker struct {
	redis         *redis.Client
	logger        zerolog.Logger
	throttleDelay time.Duration

	mu    sync.Mutex
	local *State
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		throttleDelay: DefaultThrottleDelay,
		local:         DefaultState(),
	}
}

// SetThrottleDelay overrides the warning-range delay (for testing).
func (t *Tracker) SetThrottleDelay(d time.Duration) {
	t.throttleDelay = d
}

// GetState returns the current rate limit state.
// Returns a default healthy state if nothing has been recorded.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		s := *t.local
		return &s, nil
	}

	vals, err := t.redis.MGet(ctx, RedisKeyRemaining, RedisKeyResetAt, RedisKeyBlockedUntil, RedisKeyLastUpdate).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}
	if vals[3] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return DefaultState(), nil
	}

	state := &State{
		Remaining:    int(parseStored(vals[0], UnknownRemaining)),
		ResetAt:      unixMilli(parseStored(vals[1], 0)),
		BlockedUntil: unixMilli(parseStored(vals[2], 0)),
		LastUpdate:   unixMilli(parseStored(vals[3], 0)),
	}
	return state, nil
}

// UpdateFromResponse records the rate limit signals of an upstream response.
// Responses without rate limit headers (and not 429) leave the state untouched.
func (t *Tracker) UpdateFromResponse(ctx context.Context, statusCode int, headers http.Header) error {
	now := time.Now()

	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	changed := false

	if remainStr := headers.Get("X-RateLimit-Remaining"); remainStr != "" {
		remain, err := strconv.Atoi(remainStr)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
		}
		state.Remaining = remain
		state.ResetAt = time.Time{}
		if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
			secs, err := strconv.Atoi(resetStr)
			if err != nil {
				return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
			}
			state.ResetAt = now.Add(time.Duration(secs) * time.Second)
		}
		changed = true
	}

	if statusCode == http.StatusTooManyRequests {
		state.BlockedUntil = now.Add(ParseRetryAfter(headers.Get("Retry-After"), now))
		changed = true
	}

	if !changed {
		return nil
	}
	state.LastUpdate = now

	if err := t.store(ctx, state); err != nil {
		return err
	}

	if state.Remaining != UnknownRemaining {
		upstreamRemaining.Set(float64(state.Remaining))
	}

	switch {
	case state.Blocked():
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.WaitDuration()).
			Msg("Upstream rate limit reached - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Upstream rate limit low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Upstream rate limit state updated")
	}

	return nil
}

// ShouldAllowRequest checks if a request should be allowed based on current rate limit state.
// Returns false with the remaining wait when blocked. In the warning range the
// call sleeps for the throttle delay (honouring ctx) and then allows.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("get rate limit state: %w", err)
	}

	if state.Blocked() {
		wait := state.WaitDuration()
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Dur("wait_duration", wait).
			Msg("Upstream rate limit active - blocking request")
		upstreamBlocksTotal.Inc()
		return false, wait, nil
	}

	if state.NeedsThrottling() && t.throttleDelay > 0 {
		upstreamThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, 0, ctx.Err()
		case <-time.After(t.throttleDelay):
		}
	}

	return true, 0, nil
}

func (t *Tracker) store(ctx context.Context, state *State) error {
	if t.redis == nil {
		t.mu.Lock()
		s := *state
		t.local = &s
		t.mu.Unlock()
		return nil
	}

	// Expire the shared state once nothing in it can still block.
	ttl := time.Until(state.BlockedUntil)
	if r := time.Until(state.ResetAt); r > ttl {
		ttl = r
	}
	if ttl < time.Minute {
		ttl = time.Minute
	}

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyRemaining, state.Remaining, ttl)
	pipe.Set(ctx, RedisKeyResetAt, state.ResetAt.UnixMilli(), ttl)
	pipe.Set(ctx, RedisKeyBlockedUntil, state.BlockedUntil.UnixMilli(), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, state.LastUpdate.UnixMilli(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// ParseRetryAfter interprets a Retry-After value given either as seconds or
// as an HTTP date. Missing or invalid values yield DefaultRetryAfter.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

func parseStored(v interface{}, def int64) int64 {
	s, ok := v.(string)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func unixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
