package cache

import (
	"context"
)

// TierStats describes one tier.
type TierStats struct {
	Entries    int    `json:"entries"`
	Bytes      int64  `json:"bytes,omitempty"`
	MaxEntries int    `json:"maxEntries,omitempty"`
	MaxBytes   int64  `json:"maxBytes,omitempty"`
	Hits       uint64 `json:"hits"`
	Evictions  uint64 `json:"evictions,omitempty"`
	Connected  bool   `json:"connected"`
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Memory   TierStats  `json:"memory"`
	External *TierStats `json:"external,omitempty"`

	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hitRate"`
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"sizeBytes"`
	Degraded  bool    `json:"degraded"`
}

// Stats returns per-tier entry counts, hit/miss counters since start, and the
// estimated byte size. External tier errors are reported through Degraded.
func (s *Store) Stats(ctx context.Context) Stats {
	maxEntries, maxBytes := s.memory.Limits()

	memHits := s.memoryHits.Load()
	extHits := s.externalHits.Load()
	misses := s.misses.Load()

	st := Stats{
		Memory: TierStats{
			Entries:    s.memory.Len(),
			Bytes:      s.memory.Bytes(),
			MaxEntries: maxEntries,
			MaxBytes:   maxBytes,
			Hits:       memHits,
			Evictions:  s.memory.Evictions(),
			Connected:  true,
		},
		Hits:   memHits + extHits,
		Misses: misses,
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	st.Entries = st.Memory.Entries
	st.SizeBytes = st.Memory.Bytes

	if s.external != nil {
		ext := &TierStats{Hits: extHits}

		octx, cancel := context.WithTimeout(ctx, s.opTimeout*4)
		n, err := s.external.Count(octx)
		cancel()
		if err != nil {
			s.markDegraded("count", err)
		} else {
			s.markHealthy()
			ext.Entries = n
			ext.Connected = true
			CacheEntries.WithLabelValues(tierExternal).Set(float64(n))
		}
		st.External = ext
		if ext.Entries > st.Entries {
			st.Entries = ext.Entries
		}
	}

	st.Degraded = s.degraded.Load()
	return st
}
