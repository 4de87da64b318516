package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrPartialInvalidation is returned when the memory tier was cleared but
	// the external tier could not be reached. The store hides the affected
	// keys from external reads and retries the delete once the tier recovers.
	ErrPartialInvalidation = errors.New("external tier not invalidated")
)

const (
	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL = 30 * time.Minute

	// DefaultOpTimeout bounds each external tier call.
	DefaultOpTimeout = 500 * time.Millisecond

	tierMemory   = "memory"
	tierExternal = "external"
)

// Options configures a Store.
type Options struct {
	MaxEntries int
	MaxBytes   int64
	DefaultTTL time.Duration

	// External is optional; nil means memory-only operation.
	External  ExternalTier
	OpTimeout time.Duration

	Logger zerolog.Logger
}

// Store is the tiered cache: a bounded in-process tier in front of an
// optional shared external tier.
//
// Reads hold the store read lock and invalidations hold the write lock, so a
// Get that starts after Invalidate returns never observes a removed key in
// either tier.
type Store struct {
	mu       sync.RWMutex
	memory   *MemoryTier
	external ExternalTier

	defaultTTL time.Duration
	opTimeout  time.Duration
	logger     zerolog.Logger

	// pending holds invalidations the external tier has not applied yet;
	// guarded by mu (written under the write lock only).
	pending      map[string]Pattern
	pendingFlush bool

	degraded     atomic.Bool
	memoryHits   atomic.Uint64
	externalHits atomic.Uint64
	misses       atomic.Uint64
}

// NewStore creates a tiered store.
func NewStore(opts Options) (*Store, error) {
	mem, err := NewMemoryTier(opts.MaxEntries, opts.MaxBytes)
	if err != nil {
		return nil, err
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}

	s := &Store{
		memory:     mem,
		external:   opts.External,
		defaultTTL: opts.DefaultTTL,
		opTimeout:  opts.OpTimeout,
		logger:     opts.Logger,
		pending:    make(map[string]Pattern),
	}
	maxEntries, maxBytes := mem.Limits()
	CacheCapacity.WithLabelValues("entries").Set(float64(maxEntries))
	CacheCapacity.WithLabelValues("bytes").Set(float64(maxBytes))
	return s, nil
}

// Get returns the entry for key. The memory tier is consulted first; an
// external hit is copied into memory with its remaining TTL. External
// failures are reported as misses and mark the store degraded.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.memory.Get(key); ok {
		s.memoryHits.Add(1)
		CacheHits.WithLabelValues(tierMemory).Inc()
		return e, nil
	}

	if s.external != nil {
		e, err := s.externalGet(ctx, key)
		if err == nil {
			s.externalHits.Add(1)
			CacheHits.WithLabelValues(tierExternal).Inc()
			s.setMemory(e)
			return e, nil
		}
	}

	s.misses.Add(1)
	CacheMisses.Inc()
	return nil, ErrCacheMiss
}

// Peek is Get without counting a hit or miss and without copying an
// external hit into memory.
func (s *Store) Peek(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.memory.Get(key); ok {
		return e, nil
	}
	if s.external == nil {
		return nil, ErrCacheMiss
	}
	e, err := s.externalGet(ctx, key)
	if err != nil {
		return nil, ErrCacheMiss
	}
	return e, nil
}

// Has reports whether key is currently resolvable without counting a hit or miss.
func (s *Store) Has(ctx context.Context, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.memory.Contains(key) {
		return true
	}
	if s.external == nil {
		return false
	}
	_, err := s.externalGet(ctx, key)
	return err == nil
}

// Set stores value under key in both tiers for ttl (DefaultTTL when ttl <= 0).
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.SetEntry(ctx, NewEntry(key, value, ttl))
}

// SetEntry stores a prepared entry in both tiers. External failures only
// degrade the store; an error is returned only when no tier accepted the entry.
func (s *Store) SetEntry(ctx context.Context, e *Entry) error {
	if e == nil || e.Key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidEntry)
	}
	if e.ExpiresAt.IsZero() {
		e.StoredAt = time.Now()
		e.ExpiresAt = e.StoredAt.Add(s.defaultTTL)
	}
	e.Size = EstimateSize(e)

	s.mu.RLock()
	defer s.mu.RUnlock()

	memErr := s.setMemory(e)

	if s.external != nil {
		octx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err := s.external.Set(octx, e)
		cancel()
		if err == nil {
			s.markHealthy()
			return nil
		}
		s.markDegraded("set", err)
	}
	return memErr
}

// Invalidate removes every key selected by pattern from both tiers. A
// trailing "*" makes the pattern a prefix; otherwise it names one key.
// It returns the number of entries removed across both tiers. When the
// external tier fails the error wraps ErrPartialInvalidation.
func (s *Store) Invalidate(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, fmt.Errorf("invalidate: empty pattern")
	}
	p := ParsePattern(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.memory.DeleteMatching(p)
	var extErr error
	if s.external != nil {
		s.replayPending(ctx)

		octx, cancel := context.WithTimeout(ctx, s.opTimeout*4)
		removed, err := s.external.DeleteMatching(octx, p)
		cancel()
		n += removed
		if err != nil {
			s.markDegraded("invalidate", err)
			s.pending[p.String()] = p
			CachePendingInvalidations.Set(float64(s.pendingCount()))
			extErr = fmt.Errorf("%w: %s: %v", ErrPartialInvalidation, p, err)
		} else {
			s.markHealthy()
		}
	}
	s.updateGauges()

	s.logger.Info().Str("pattern", p.String()).Int("removed", n).Bool("partial", extErr != nil).Msg("Cache invalidated")
	return n, extErr
}

// InvalidateAll clears both tiers. When the external tier fails the error
// wraps ErrPartialInvalidation.
func (s *Store) InvalidateAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.memory.Purge()
	var extErr error
	if s.external != nil {
		octx, cancel := context.WithTimeout(ctx, s.opTimeout*4)
		removed, err := s.external.Flush(octx)
		cancel()
		n += removed
		if err != nil {
			s.markDegraded("flush", err)
			s.pendingFlush = true
			CachePendingInvalidations.Set(float64(s.pendingCount()))
			extErr = fmt.Errorf("%w: flush: %v", ErrPartialInvalidation, err)
		} else {
			s.markHealthy()
			s.clearPending()
		}
	}
	s.updateGauges()

	s.logger.Info().Int("removed", n).Bool("partial", extErr != nil).Msg("Cache cleared")
	return extErr
}

// PendingInvalidations returns the number of invalidations still waiting
// for the external tier.
func (s *Store) PendingInvalidations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingCount()
}

// replayPending applies queued invalidations to the external tier. The
// caller holds the write lock.
func (s *Store) replayPending(ctx context.Context) {
	if !s.pendingFlush && len(s.pending) == 0 {
		return
	}

	octx, cancel := context.WithTimeout(ctx, s.opTimeout*4)
	defer cancel()

	if s.pendingFlush {
		if _, err := s.external.Flush(octx); err != nil {
			s.markDegraded("flush", err)
			return
		}
		s.clearPending()
	}
	for key, p := range s.pending {
		if _, err := s.external.DeleteMatching(octx, p); err != nil {
			s.markDegraded("invalidate", err)
			break
		}
		delete(s.pending, key)
	}
	CachePendingInvalidations.Set(float64(s.pendingCount()))
	if s.pendingCount() == 0 {
		s.markHealthy()
		s.logger.Info().Msg("Replayed pending external invalidations")
	}
}

// hiddenExternally reports whether key is covered by an invalidation the
// external tier has not applied. The caller holds the lock.
func (s *Store) hiddenExternally(key string) bool {
	if s.pendingFlush {
		return true
	}
	for _, p := range s.pending {
		if p.Match(key) {
			return true
		}
	}
	return false
}

func (s *Store) pendingCount() int {
	n := len(s.pending)
	if s.pendingFlush {
		n++
	}
	return n
}

func (s *Store) clearPending() {
	s.pendingFlush = false
	clear(s.pending)
	CachePendingInvalidations.Set(0)
}

// Degraded reports whether the last external tier call failed.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// HasExternal reports whether an external tier is configured.
func (s *Store) HasExternal() bool {
	return s.external != nil
}

// Ping checks the external tier and updates the degraded flag.
func (s *Store) Ping(ctx context.Context) error {
	if s.external == nil {
		return nil
	}
	octx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.external.Ping(octx); err != nil {
		s.markDegraded("ping", err)
		return err
	}
	s.markHealthy()

	s.mu.Lock()
	s.replayPending(ctx)
	s.mu.Unlock()
	return nil
}

// Keys returns the keys held by the memory tier.
func (s *Store) Keys() []string {
	return s.memory.Keys()
}

func (s *Store) externalGet(ctx context.Context, key string) (*Entry, error) {
	if s.hiddenExternally(key) {
		return nil, ErrCacheMiss
	}

	octx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	e, err := s.external.Get(octx, key)
	switch {
	case err == nil:
		s.markHealthy()
		return e, nil
	case errors.Is(err, ErrCacheMiss):
		s.markHealthy()
		return nil, err
	case errors.Is(err, ErrInvalidEntry):
		CacheErrors.WithLabelValues(tierExternal, "decode").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("Dropping corrupt external entry")
		return nil, ErrCacheMiss
	default:
		s.markDegraded("get", err)
		return nil, err
	}
}

func (s *Store) setMemory(e *Entry) error {
	evicted, err := s.memory.Set(e)
	if err != nil {
		CacheErrors.WithLabelValues(tierMemory, "set").Inc()
		s.logger.Debug().Err(err).Str("key", e.Key).Msg("Entry not held in memory")
		return err
	}
	if evicted > 0 {
		CacheEvictions.Add(float64(evicted))
	}
	s.updateGauges()
	return nil
}

func (s *Store) markDegraded(op string, err error) {
	CacheErrors.WithLabelValues(tierExternal, op).Inc()
	if !s.degraded.Swap(true) {
		CacheDegraded.Set(1)
		s.logger.Warn().Err(err).Str("tier", tierExternal).Str("operation", op).
			Msg("External cache tier unavailable, serving from memory only")
	}
}

func (s *Store) markHealthy() {
	if s.degraded.Swap(false) {
		CacheDegraded.Set(0)
		s.logger.Info().Str("tier", tierExternal).Msg("External cache tier recovered")
	}
}

func (s *Store) updateGauges() {
	CacheEntries.WithLabelValues(tierMemory).Set(float64(s.memory.Len()))
	CacheSize.WithLabelValues(tierMemory).Set(float64(s.memory.Bytes()))
}
