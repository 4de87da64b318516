// Package admin implements the operator actions on the content cache:
// clearing, revalidation, upstream change webhooks and status reporting.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/notion-content-cache/pkg/browsercache"
	"github.com/Sternrassler/notion-content-cache/pkg/cache"
	"github.com/Sternrassler/notion-content-cache/pkg/warmup"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ClearType selects the scope of a clear request.
type ClearType string

const (
	ClearAll     ClearType = "all"
	ClearPattern ClearType = "pattern"
	ClearNotion  ClearType = "notion"
)

var (
	// ErrPatternRequired is returned for a pattern clear without a pattern.
	ErrPatternRequired = errors.New("pattern is required for type=pattern")

	// ErrUnknownClearType is returned for an unsupported clear type.
	ErrUnknownClearType = errors.New("unknown clear type")
)

// Store is the part of the cache store the admin operations use.
type Store interface {
	Invalidate(ctx context.Context, pattern string) (int, error)
	InvalidateAll(ctx context.Context) error
	SetEntry(ctx context.Context, e *cache.Entry) error
	Stats(ctx context.Context) cache.Stats
	HasExternal() bool
}

// Warmup starts and reports warmup jobs.
type Warmup interface {
	Start(ctx context.Context) (*warmup.Snapshot, error)
	Status() *warmup.Snapshot
}

// Broadcaster delivers control messages to browser workers.
type Broadcaster interface {
	Broadcast(msg browsercache.Message) (int, error)
	Clients() int
}

// PathFetcher re-fetches a site path.
type PathFetcher interface {
	Get(ctx context.Context, path string) (*cache.Entry, error)
}

// EdgeStatus reports whether the remote edge policy override is active.
type EdgeStatus interface {
	Overridden() bool
}

// Options wires the service. Only Store is required.
type Options struct {
	Store   Store
	Warmup  Warmup
	Browser Broadcaster
	Fetcher PathFetcher
	Edge    EdgeStatus

	// Warmer re-warms single pages after a webhook; optional.
	Warmer warmup.Warmer

	// RevalidatePaths are re-fetched after every clear.
	RevalidatePaths []string

	// RevalidateConcurrency caps parallel path fetches.
	RevalidateConcurrency int

	// RevalidateTimeout bounds each background fetch.
	RevalidateTimeout time.Duration

	Logger zerolog.Logger
}

// Service implements the admin operations.
type Service struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

// New creates the admin service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("admin: store is required")
	}
	if opts.RevalidateConcurrency <= 0 {
		opts.RevalidateConcurrency = 5
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = 15 * time.Second
	}
	return &Service{opts: opts, logger: opts.Logger, now: time.Now}, nil
}

// ClearRequest is the body of a clear call.
type ClearRequest struct {
	Type    ClearType `json:"type"`
	Pattern string    `json:"pattern,omitempty"`
}

// Validate checks the request and fills the default type.
func (r *ClearRequest) Validate() error {
	if r.Type == "" {
		r.Type = ClearAll
	}
	switch r.Type {
	case ClearAll, ClearNotion:
		return nil
	case ClearPattern:
		if strings.TrimSpace(r.Pattern) == "" {
			return ErrPatternRequired
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownClearType, r.Type)
	}
}

// Revalidation summarizes what a clear triggered.
type Revalidation struct {
	Paths       []string         `json:"paths"`
	Warmup      *warmup.Snapshot `json:"warmup,omitempty"`
	WarmupError string           `json:"warmupError,omitempty"`
}

// ClearResult reports a clear.
type ClearResult struct {
	Success        bool         `json:"success"`
	Type           ClearType    `json:"type"`
	Pattern        string       `json:"pattern,omitempty"`
	Removed        int          `json:"removed"`
	Before         cache.Stats  `json:"before"`
	After          cache.Stats  `json:"after"`
	BrowserClients int          `json:"browserClients"`
	Revalidation   Revalidation `json:"revalidation"`
	Error          string       `json:"error,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// Clear invalidates the requested scope, tells browser workers to drop their
// caches on a full clear, and starts revalidation in the background.
func (s *Service) Clear(ctx context.Context, req ClearRequest) (*ClearResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res := &ClearResult{
		Type:    req.Type,
		Pattern: req.Pattern,
		Before:  s.opts.Store.Stats(ctx),
	}

	var err error
	switch req.Type {
	case ClearAll:
		res.Removed = res.Before.Entries
		err = s.opts.Store.InvalidateAll(ctx)
	case ClearNotion:
		res.Pattern = cache.PrefixNotion + "*"
		res.Removed, err = s.opts.Store.Invalidate(ctx, res.Pattern)
	case ClearPattern:
		res.Removed, err = s.opts.Store.Invalidate(ctx, req.Pattern)
	}
	partial := errors.Is(err, cache.ErrPartialInvalidation)
	if err != nil && !partial {
		operationsTotal.WithLabelValues("clear", "error").Inc()
		return nil, fmt.Errorf("clear %s: %w", req.Type, err)
	}

	if req.Type == ClearAll && s.opts.Browser != nil {
		n, err := s.opts.Browser.Broadcast(browsercache.Message{Type: browsercache.MessageClearCache, Reason: "cache-clear"})
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to notify browser workers")
		}
		res.BrowserClients = n
	}

	res.After = s.opts.Store.Stats(ctx)
	res.Revalidation = s.revalidate(ctx)
	res.Timestamp = s.now().UTC()

	if partial {
		res.Error = err.Error()
		operationsTotal.WithLabelValues("clear", "partial").Inc()
		s.logger.Warn().Err(err).Str("type", string(req.Type)).Msg("Cache clear did not reach the external tier")
		return res, fmt.Errorf("clear %s: %w", req.Type, err)
	}
	res.Success = true

	operationsTotal.WithLabelValues("clear", "ok").Inc()
	s.logger.Info().
		Str("type", string(req.Type)).
		Str("pattern", res.Pattern).
		Int("removed", res.Removed).
		Int("browser_clients", res.BrowserClients).
		Msg("Cache cleared by operator")
	return res, nil
}

// revalidate re-fetches the known paths in the background and starts a
// warmup job over all known identifiers.
func (s *Service) revalidate(ctx context.Context) Revalidation {
	rv := Revalidation{Paths: s.opts.RevalidatePaths}
	if rv.Paths == nil {
		rv.Paths = []string{}
	}

	if len(s.opts.RevalidatePaths) > 0 && s.opts.Fetcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.revalidatePaths(context.WithoutCancel(ctx), s.opts.RevalidatePaths)
		}()
	}

	if s.opts.Warmup != nil {
		snap, err := s.opts.Warmup.Start(ctx)
		rv.Warmup = snap
		if err != nil {
			rv.WarmupError = err.Error()
			if !errors.Is(err, warmup.ErrAlreadyRunning) {
				s.logger.Warn().Err(err).Msg("Warmup after clear did not start")
			}
		}
	}
	return rv
}

func (s *Service) revalidatePaths(ctx context.Context, paths []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.RevalidateConcurrency)

	var mu sync.Mutex
	ok := 0
	for _, p := range paths {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, s.opts.RevalidateTimeout)
			defer cancel()

			entry, err := s.opts.Fetcher.Get(fctx, p)
			if err != nil {
				s.logger.Debug().Err(err).Str("path", p).Msg("Revalidation fetch failed")
				return nil
			}
			if err := s.opts.Store.SetEntry(fctx, entry); err != nil {
				s.logger.Debug().Err(err).Str("path", p).Msg("Revalidation store failed")
				return nil
			}
			mu.Lock()
			ok++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	s.logger.Info().Int("paths", len(paths)).Int("revalidated", ok).Msg("Revalidated known paths")
}

// Wait blocks until background revalidation has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Features reports optional capabilities and their health.
type Features struct {
	ExternalTier      bool `json:"externalTier"`
	ExternalConnected bool `json:"externalConnected"`
	EdgeCache         bool `json:"edgeCache"`
	EdgeOverride      bool `json:"edgeOverride"`
	BrowserClients    int  `json:"browserClients"`
	WarmupRunning     bool `json:"warmupRunning"`
}

// StatusReport is the operator view of the cache.
type StatusReport struct {
	Cache     cache.Stats      `json:"cache"`
	Features  Features         `json:"features"`
	Warmup    *warmup.Snapshot `json:"warmup,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Status returns store stats plus feature flags.
func (s *Service) Status(ctx context.Context) *StatusReport {
	st := s.opts.Store.Stats(ctx)
	rep := &StatusReport{
		Cache: st,
		Features: Features{
			ExternalTier:      s.opts.Store.HasExternal(),
			ExternalConnected: st.External != nil && st.External.Connected,
			EdgeCache:         s.opts.Edge != nil,
		},
		Timestamp: s.now().UTC(),
	}
	if s.opts.Edge != nil {
		rep.Features.EdgeOverride = s.opts.Edge.Overridden()
	}
	if s.opts.Browser != nil {
		rep.Features.BrowserClients = s.opts.Browser.Clients()
	}
	if s.opts.Warmup != nil {
		rep.Warmup = s.opts.Warmup.Status()
		rep.Features.WarmupRunning = rep.Warmup.IsRunning()
	}
	return rep
}
