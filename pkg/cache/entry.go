package cache

import (
	"time"
)

// entryOverhead approximates the bookkeeping cost of one entry (list node,
// map slot, timestamps) so that many tiny entries still count against the
// byte budget.
const entryOverhead = 96

// Entry represents one cached payload.
type Entry struct {
	// Key is the cache key the entry is stored under
	Key string `json:"key"`

	// Data is the opaque payload (rendered page, JSON record map, ...)
	Data []byte `json:"data"`

	// ContentType of the payload, replayed when serving from cache
	ContentType string `json:"content_type,omitempty"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag,omitempty"`

	// StoredAt is when the entry was written
	StoredAt time.Time `json:"stored_at"`

	// ExpiresAt is when the entry stops being served
	ExpiresAt time.Time `json:"expires_at"`

	// Size is the estimated in-memory footprint in bytes
	Size int64 `json:"size"`
}

// NewEntry builds an entry for key expiring ttl from now. The size estimate
// is filled in.
func NewEntry(key string, data []byte, ttl time.Duration) *Entry {
	now := time.Now()
	e := &Entry{
		Key:       key,
		Data:      data,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	e.Size = EstimateSize(e)
	return e
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return !time.Now().Before(e.ExpiresAt)
}

// TTL returns the remaining time to live.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.ExpiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// EstimateSize returns the approximate number of bytes e occupies in memory.
func EstimateSize(e *Entry) int64 {
	if e == nil {
		return 0
	}
	return int64(len(e.Key)+len(e.Data)+len(e.ContentType)+len(e.ETag)) + entryOverhead
}

// Renewed returns a copy of e stored now with its original lifetime.
func (e *Entry) Renewed() *Entry {
	c := e.clone()
	lifetime := e.ExpiresAt.Sub(e.StoredAt)
	if lifetime <= 0 {
		lifetime = DefaultTTL
	}
	c.StoredAt = time.Now()
	c.ExpiresAt = c.StoredAt.Add(lifetime)
	return c
}

// clone returns a shallow copy. Data is shared and must be treated as read-only.
func (e *Entry) clone() *Entry {
	c := *e
	return &c
}
