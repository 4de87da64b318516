package ratelimit

import (
	"testing"
	"time"
)

func TestState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		state    *State
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &State{LastUpdate: time.Now()},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &State{LastUpdate: time.Now().Add(-10 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsStale(tt.maxAge); got != tt.expected {
				t.Errorf("IsStale() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_Gating(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name           string
		state          State
		expectBlock    bool
		expectThrottle bool
	}{
		{
			name:  "unknown budget - allow",
			state: State{Remaining: UnknownRemaining},
		},
		{
			name:  "healthy budget - allow",
			state: State{Remaining: 100, ResetAt: now.Add(time.Minute)},
		},
		{
			name:           "low budget - throttle",
			state:          State{Remaining: ThresholdWarning - 1, ResetAt: now.Add(time.Minute)},
			expectThrottle: true,
		},
		{
			name:        "exhausted budget - block",
			state:       State{Remaining: 0, ResetAt: now.Add(time.Minute)},
			expectBlock: true,
		},
		{
			name:  "exhausted budget after reset - allow",
			state: State{Remaining: 0, ResetAt: now.Add(-time.Second)},
			// Still in the warning range until a fresh response arrives.
			expectThrottle: true,
		},
		{
			name:        "retry-after window - block",
			state:       State{Remaining: UnknownRemaining, BlockedUntil: now.Add(30 * time.Second)},
			expectBlock: true,
		},
		{
			name:  "expired retry-after window - allow",
			state: State{Remaining: UnknownRemaining, BlockedUntil: now.Add(-time.Second)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Blocked(); got != tt.expectBlock {
				t.Errorf("Blocked() = %v, want %v", got, tt.expectBlock)
			}
			if got := tt.state.NeedsThrottling(); got != tt.expectThrottle {
				t.Errorf("NeedsThrottling() = %v, want %v", got, tt.expectThrottle)
			}
			if got := tt.state.IsHealthy(); got != (!tt.expectBlock && !tt.expectThrottle) {
				t.Errorf("IsHealthy() = %v", got)
			}
		})
	}
}

func TestState_WaitDuration(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		state   State
		wantMin time.Duration
		wantMax time.Duration
	}{
		{
			name:    "not blocked",
			state:   State{Remaining: 50},
			wantMin: 0,
			wantMax: 0,
		},
		{
			name:    "retry-after",
			state:   State{Remaining: UnknownRemaining, BlockedUntil: now.Add(20 * time.Second)},
			wantMin: 19 * time.Second,
			wantMax: 20 * time.Second,
		},
		{
			name:    "reset later than retry-after",
			state:   State{Remaining: 0, ResetAt: now.Add(60 * time.Second), BlockedUntil: now.Add(10 * time.Second)},
			wantMin: 59 * time.Second,
			wantMax: 60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.state.WaitDuration()
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("WaitDuration() = %v, want between %v and %v", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}
