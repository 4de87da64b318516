package browsercache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Control message types understood by the worker.
const (
	MessageGetCacheStats = "GET_CACHE_STATS"
	MessageClearCache    = "CLEAR_CACHE"
)

// ErrUnknownMessage is returned for control messages the worker does not handle.
var ErrUnknownMessage = errors.New("unknown control message")

// ErrNoResponse is returned when neither network nor cache can answer.
var ErrNoResponse = errors.New("no response from network or cache")

// Message is a control message exchanged with workers.
type Message struct {
	Type string `json:"type"`
	// Reason is informational, e.g. the admin operation that triggered a clear.
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// CacheStats describes one named cache.
type CacheStats struct {
	Count int      `json:"count"`
	URLs  []string `json:"urls"`
}

// ClearResult acknowledges a CLEAR_CACHE message.
type ClearResult struct {
	Success bool `json:"success"`
}

// FetchFunc performs the network request for req.
type FetchFunc func(ctx context.Context, req Request) (*Response, error)

// Worker executes the routing table against its named caches.
type Worker struct {
	routes []Route
	caches map[string]*NamedCache
	fetch  FetchFunc
	logger zerolog.Logger

	// mu orders stores against Clear; generation counts clears so a fetch
	// started before a clear never repopulates the cleared caches.
	mu         sync.RWMutex
	generation uint64

	wg sync.WaitGroup
}

// NewWorker creates a worker with one named cache per route.
func NewWorker(routes []Route, fetch FetchFunc, logger zerolog.Logger) *Worker {
	w := &Worker{
		routes: routes,
		caches: make(map[string]*NamedCache, len(routes)),
		fetch:  fetch,
		logger: logger,
	}
	for _, r := range routes {
		if _, ok := w.caches[r.CacheName]; !ok {
			w.caches[r.CacheName] = NewNamedCache(r.CacheName, r.MaxEntries, r.MaxAge)
		}
	}
	return w
}

// Cache returns the named cache.
func (w *Worker) Cache(name string) (*NamedCache, bool) {
	c, ok := w.caches[name]
	return c, ok
}

// Handle answers req using the strategy of the first matching route.
// Unmatched requests go straight to the network.
func (w *Worker) Handle(ctx context.Context, req Request) (*Response, error) {
	route, ok := RouteFor(w.routes, req)
	if !ok {
		return w.fetch(ctx, req)
	}
	c := w.caches[route.CacheName]
	key := req.URL.String()

	switch route.Strategy {
	case NetworkFirst:
		return w.networkFirst(ctx, route, c, key, req)
	case CacheFirst:
		return w.cacheFirst(ctx, c, key, req)
	case StaleWhileRevalidate:
		return w.staleWhileRevalidate(ctx, c, key, req)
	default:
		return nil, fmt.Errorf("route %s: unsupported strategy %q", route.Name, route.Strategy)
	}
}

func (w *Worker) networkFirst(ctx context.Context, route Route, c *NamedCache, key string, req Request) (*Response, error) {
	fetchCtx := ctx
	if route.NetworkTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, route.NetworkTimeout)
		defer cancel()
	}

	gen := w.currentGeneration()
	resp, err := w.fetch(fetchCtx, req)
	if err == nil {
		w.store(c, key, resp, gen)
		return resp, nil
	}

	if cached, ok := c.Get(key); ok {
		w.logger.Debug().Err(err).Str("cache", c.Name()).Str("url", key).Msg("Network failed, serving cached response")
		return cached, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
}

func (w *Worker) cacheFirst(ctx context.Context, c *NamedCache, key string, req Request) (*Response, error) {
	if cached, ok := c.Get(key); ok {
		return cached, nil
	}
	gen := w.currentGeneration()
	resp, err := w.fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	w.store(c, key, resp, gen)
	return resp, nil
}

func (w *Worker) staleWhileRevalidate(ctx context.Context, c *NamedCache, key string, req Request) (*Response, error) {
	gen := w.currentGeneration()
	cached, ok := c.Get(key)
	if !ok {
		resp, err := w.fetch(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
		}
		w.store(c, key, resp, gen)
		return resp, nil
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		resp, err := w.fetch(context.WithoutCancel(ctx), req)
		if err != nil {
			w.logger.Debug().Err(err).Str("cache", c.Name()).Str("url", key).Msg("Background revalidation failed")
			return
		}
		w.store(c, key, resp, gen)
	}()
	return cached, nil
}

// store puts resp unless a clear happened since gen was read.
func (w *Worker) store(c *NamedCache, key string, resp *Response, gen uint64) {
	if !resp.Cacheable() {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.generation != gen {
		w.logger.Debug().Str("cache", c.Name()).Str("url", key).Msg("Dropping response fetched before a clear")
		return
	}
	c.Put(key, resp)
}

func (w *Worker) currentGeneration() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.generation
}

// Wait blocks until background revalidations have finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Stats returns entry counts and URLs per named cache.
func (w *Worker) Stats() map[string]CacheStats {
	out := make(map[string]CacheStats, len(w.caches))
	for name, c := range w.caches {
		urls := c.URLs()
		out[name] = CacheStats{Count: len(urls), URLs: urls}
	}
	return out
}

// Clear drops every named cache.
func (w *Worker) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.generation++

	names := make([]string, 0, len(w.caches))
	for name, c := range w.caches {
		c.Purge()
		names = append(names, name)
	}
	sort.Strings(names)
	w.logger.Info().Strs("caches", names).Msg("Cleared browser caches")
}

// HandleMessage answers a control message.
func (w *Worker) HandleMessage(msg Message) (any, error) {
	switch msg.Type {
	case MessageGetCacheStats:
		return w.Stats(), nil
	case MessageClearCache:
		w.Clear()
		return ClearResult{Success: true}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// OnMessage adapts HandleMessage to a Hub subscriber.
func (w *Worker) OnMessage(msg Message) {
	if _, err := w.HandleMessage(msg); err != nil {
		w.logger.Debug().Err(err).Msg("Ignored control message")
	}
}

// HTTPFetch returns a FetchFunc issuing GET requests with client.
func HTTPFetch(client *http.Client) FetchFunc {
	return func(ctx context.Context, req Request) (*Response, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(r)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := readBody(resp)
		if err != nil {
			return nil, err
		}
		return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
	}
}
