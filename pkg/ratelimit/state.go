// Package ratelimit tracks the upstream content API's rate limit signals and
// gates requests. It reads the X-RateLimit-Remaining / X-RateLimit-Reset and
// Retry-After headers so that every instance backs off together once the
// upstream starts refusing requests.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining    = "content-cache:ratelimit:remaining"
	RedisKeyResetAt      = "content-cache:ratelimit:reset_at"
	RedisKeyBlockedUntil = "content-cache:ratelimit:blocked_until"
	RedisKeyLastUpdate   = "content-cache:ratelimit:last_update"
)

// Thresholds on the remaining request budget.
const (
	// ThresholdCritical blocks requests until the window resets when the
	// remaining budget falls below this value.
	ThresholdCritical = 1

	// ThresholdWarning throttles requests when the remaining budget falls below this value.
	ThresholdWarning = 5

	// UnknownRemaining marks a state without budget information.
	UnknownRemaining = -1
)

// DefaultRetryAfter is used for a 429 that carries no usable Retry-After.
const DefaultRetryAfter = 10 * time.Second

// State represents the upstream rate limit state shared across instances.
type State struct {
	// Remaining is the request budget left in the current window, or
	// UnknownRemaining when the upstream did not report it.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window resets.
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is set from Retry-After on a 429 response.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is the timestamp when this state was last updated.
	LastUpdate time.Time `json:"last_update"`
}

// DefaultState returns a healthy state with no budget information.
func DefaultState() *State {
	return &State{Remaining: UnknownRemaining, LastUpdate: time.Now()}
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// Blocked reports whether requests must wait, either for a Retry-After
// window or for an exhausted budget to reset.
func (s *State) Blocked() bool {
	now := time.Now()
	if now.Before(s.BlockedUntil) {
		return true
	}
	return s.Remaining != UnknownRemaining && s.Remaining < ThresholdCritical && now.Before(s.ResetAt)
}

// NeedsThrottling returns true when the budget is low but not exhausted.
func (s *State) NeedsThrottling() bool {
	return s.Remaining != UnknownRemaining && s.Remaining < ThresholdWarning && !s.Blocked()
}

// WaitDuration returns how long requests stay blocked. Returns 0 when not blocked.
func (s *State) WaitDuration() time.Duration {
	if !s.Blocked() {
		return 0
	}
	until := s.BlockedUntil
	if s.ResetAt.After(until) && s.Remaining != UnknownRemaining && s.Remaining < ThresholdCritical {
		until = s.ResetAt
	}
	d := time.Until(until)
	if d < 0 {
		return 0
	}
	return d
}

// IsHealthy reports whether requests flow without restriction.
func (s *State) IsHealthy() bool {
	return !s.Blocked() && !s.NeedsThrottling()
}
