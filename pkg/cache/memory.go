package cache

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrEntryTooLarge is returned when a single entry exceeds the memory byte budget.
var ErrEntryTooLarge = errors.New("entry exceeds memory tier capacity")

// Default memory tier bounds.
const (
	DefaultMaxEntries = 500
	DefaultMaxBytes   = 64 << 20
)

// MemoryTier is the in-process LRU tier, bounded by entry count and by
// estimated bytes. Expired entries are treated as misses and dropped lazily.
type MemoryTier struct {
	mu        sync.Mutex
	lru       *lru.Cache[string, *Entry]
	maxItems  int
	maxBytes  int64
	bytes     int64
	evictions uint64
}

// NewMemoryTier creates a memory tier. Non-positive bounds fall back to the defaults.
func NewMemoryTier(maxEntries int, maxBytes int64) (*MemoryTier, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	m := &MemoryTier{maxItems: maxEntries, maxBytes: maxBytes}

	// The callback runs synchronously inside lru calls, which are only made
	// while m.mu is held.
	c, err := lru.NewWithEvict[string, *Entry](maxEntries, func(_ string, e *Entry) {
		m.bytes -= e.Size
	})
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	m.lru = c
	return m, nil
}

// Get returns the entry for key, or false when absent or expired.
func (m *MemoryTier) Get(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.IsExpired() {
		m.lru.Remove(key)
		return nil, false
	}
	return e.clone(), true
}

// Contains reports whether a live entry exists without touching recency.
func (m *MemoryTier) Contains(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Peek(key)
	return ok && !e.IsExpired()
}

// Set stores e, evicting least-recently-used entries until both bounds hold.
// It returns the number of entries evicted.
func (m *MemoryTier) Set(e *Entry) (int, error) {
	if e.Size <= 0 {
		e.Size = EstimateSize(e)
	}
	if e.Size > m.maxBytes {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, e.Size, m.maxBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Replacing a key does not fire the eviction callback.
	if old, ok := m.lru.Peek(e.Key); ok {
		m.bytes -= old.Size
	}

	evicted := 0
	if m.lru.Add(e.Key, e.clone()) {
		evicted++
	}
	m.bytes += e.Size

	for m.bytes > m.maxBytes && m.lru.Len() > 1 {
		if _, _, ok := m.lru.RemoveOldest(); !ok {
			break
		}
		evicted++
	}

	m.evictions += uint64(evicted)
	return evicted, nil
}

// Delete removes key and reports whether it was present.
func (m *MemoryTier) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Remove(key)
}

// DeleteMatching removes every key selected by p and returns how many were removed.
func (m *MemoryTier) DeleteMatching(p Pattern) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !p.Prefix {
		if m.lru.Remove(p.Text) {
			return 1
		}
		return 0
	}

	n := 0
	for _, key := range m.lru.Keys() {
		if p.Match(key) && m.lru.Remove(key) {
			n++
		}
	}
	return n
}

// Purge removes every entry.
func (m *MemoryTier) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.lru.Len()
	m.lru.Purge()
	m.bytes = 0
	return n
}

// Keys returns the keys currently held, oldest first.
func (m *MemoryTier) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Keys()
}

// Len returns the number of entries held, including expired ones not yet dropped.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Bytes returns the estimated size of all held entries.
func (m *MemoryTier) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Evictions returns the number of capacity evictions since creation.
func (m *MemoryTier) Evictions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

// Limits returns the configured entry and byte bounds.
func (m *MemoryTier) Limits() (int, int64) {
	return m.maxItems, m.maxBytes
}
