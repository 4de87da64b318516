package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/notion-content-cache/pkg/cache"
	"github.com/Sternrassler/notion-content-cache/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// WarmupHeader marks requests issued by the cache warmup.
const WarmupHeader = "X-Cache-Warmup"

// DuplicateHeader is set by the upstream on pages that are duplicates of another page.
const DuplicateHeader = "X-Duplicate-Page"

// Page is the outcome of fetching one page.
type Page struct {
	ID         string
	StatusCode int

	// Entry holds fresh content; nil when NotModified or Duplicate.
	Entry *cache.Entry

	// NotModified is set on a 304 response.
	NotModified bool

	// Duplicate is set when the upstream reports the page as a duplicate.
	Duplicate bool
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the upstream site; pages are fetched from BaseURL/<id>.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// RateLimit is the sustained request rate per second (0 disables pacing).
	RateLimit float64
	Burst     int

	Retry RetryConfig

	// PageTTL is the lifetime of fetched page entries.
	PageTTL time.Duration

	// BreakerFailures consecutive failures open the circuit (0 disables the breaker).
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// Tracker shares rate limit state; optional.
	Tracker *ratelimit.Tracker

	// HTTPClient overrides the default transport; optional.
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:         baseURL,
		UserAgent:       userAgent,
		Timeout:         15 * time.Second,
		RateLimit:       5,
		Burst:           5,
		Retry:           DefaultRetryConfig(),
		PageTTL:         2 * time.Hour,
		BreakerFailures: 10,
		BreakerCooldown: 30 * time.Second,
		Logger:          zerolog.Nop(),
	}
}

// Client talks to the upstream content API.
type Client struct {
	httpClient *http.Client
	base       *url.URL
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	tracker    *ratelimit.Tracker
	retry      RetryConfig
	config     Config
	logger     zerolog.Logger
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageTTL <= 0 {
		cfg.PageTTL = cache.DefaultTTL
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		httpClient: httpClient,
		base:       base,
		limiter:    rate.NewLimiter(limit, burst),
		tracker:    cfg.Tracker,
		retry:      cfg.Retry,
		config:     cfg,
		logger:     cfg.Logger,
	}

	if cfg.BreakerFailures > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "upstream",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				circuitState.Set(float64(to))
				c.logger.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
			IsSuccessful: func(err error) bool {
				return !countsAsFailure(err)
			},
		})
	}

	return c, nil
}

// WithRetry returns a client sharing transport, limiter and breaker but using r.
func (c *Client) WithRetry(r RetryConfig) *Client {
	cp := *c
	cp.retry = r
	return &cp
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// FetchPage fetches the rendered page for id as a warmup request.
func (c *Client) FetchPage(ctx context.Context, id string) (*Page, error) {
	return c.fetchPage(ctx, id, true, nil)
}

// RevalidatePage is FetchPage made conditional on the cached copy's ETag.
// An unchanged page comes back with NotModified set and no Entry.
func (c *Client) RevalidatePage(ctx context.Context, id string, cached *cache.Entry) (*Page, error) {
	return c.fetchPage(ctx, id, true, cached)
}

// ReadPage fetches the rendered page for id on behalf of a reader.
func (c *Client) ReadPage(ctx context.Context, id string) (*Page, error) {
	return c.fetchPage(ctx, id, false, nil)
}

func (c *Client) fetchPage(ctx context.Context, id string, warmup bool, cached *cache.Entry) (*Page, error) {
	target := c.base.String() + "/" + url.PathEscape(id)
	header := http.Header{}
	if warmup {
		header.Set(WarmupHeader, "true")
	}
	header.Set("Accept", "text/html,application/json")

	var page *Page
	err := retryWithBackoff(ctx, c.retry, c.logger, func() error {
		resp, err := c.do(ctx, http.MethodGet, target, header, cached)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		page = &Page{ID: id, StatusCode: resp.StatusCode}
		switch {
		case resp.StatusCode == http.StatusNotModified:
			page.NotModified = true
			io.Copy(io.Discard, resp.Body)
		case resp.StatusCode == http.StatusConflict || resp.Header.Get(DuplicateHeader) != "":
			page.Duplicate = true
			io.Copy(io.Discard, resp.Body)
		default:
			entry, err := cache.ResponseToEntry(cache.PageKey(id), resp, c.config.PageTTL)
			if err != nil {
				return &FetchError{StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read body", Err: err}
			}
			page.Entry = entry
		}
		return nil
	}, ClassOf)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("page_id", id).
		Int("status", page.StatusCode).
		Bool("not_modified", page.NotModified).
		Bool("duplicate", page.Duplicate).
		Bool("warmup", warmup).
		Msg("Fetched page")
	return page, nil
}

// Get fetches an arbitrary site path and returns it as an entry keyed by cache.PathKey.
func (c *Client) Get(ctx context.Context, path string) (*cache.Entry, error) {
	target := c.resolve(path)

	var entry *cache.Entry
	err := retryWithBackoff(ctx, c.retry, c.logger, func() error {
		resp, err := c.do(ctx, http.MethodGet, target, nil, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotModified || resp.StatusCode == http.StatusConflict {
			return &FetchError{StatusCode: resp.StatusCode, Class: ErrorClassClient, Message: "unexpected status"}
		}
		e, err := cache.ResponseToEntry(cache.PathKey(path), resp, c.config.PageTTL)
		if err != nil {
			return &FetchError{StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read body", Err: err}
		}
		entry = e
		return nil
	}, ClassOf)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// resolve turns a path or absolute URL into a request URL.
func (c *Client) resolve(pathOrURL string) string {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return pathOrURL
	}
	return c.base.String() + "/" + strings.TrimLeft(pathOrURL, "/")
}

// do performs one HTTP attempt with rate limit gating and the circuit breaker.
// A non-nil cached entry makes the request conditional on its ETag.
// It returns the response for 2xx, 304 and 409; every other outcome is a
// *FetchError and the body is already closed.
func (c *Client) do(ctx context.Context, method, target string, header http.Header, cached *cache.Entry) (*http.Response, error) {
	if c.tracker != nil {
		allowed, wait, err := c.tracker.ShouldAllowRequest(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Rate limit check failed")
		} else if !allowed {
			requestsTotal.WithLabelValues("rate_limited").Inc()
			errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
			return nil, &FetchError{
				StatusCode: http.StatusTooManyRequests,
				Class:      ErrorClassRateLimit,
				Message:    "blocked by shared rate limit",
				RetryAfter: wait,
				Err:        ErrRateLimited,
			}
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Class: classifyTransport(err), Message: "rate limiter wait", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, &FetchError{Class: ErrorClassClient, Message: "create request", Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	cache.AddConditionalHeaders(req, cached)

	exec := func() (interface{}, error) {
		return c.roundTrip(ctx, req)
	}

	var out interface{}
	if c.breaker != nil {
		out, err = c.breaker.Execute(exec)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			requestsTotal.WithLabelValues("circuit_open").Inc()
			return nil, &FetchError{StatusCode: http.StatusServiceUnavailable, Class: ErrorClassServer, Message: "circuit open", Err: ErrCircuitOpen}
		}
	} else {
		out, err = exec()
	}
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

func (c *Client) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		class := classifyTransport(err)
		errorsTotal.WithLabelValues(string(class)).Inc()
		requestsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Debug().Err(err).Str("url", req.URL.String()).Str("error_class", string(class)).Msg("Upstream request failed")
		return nil, &FetchError{Class: class, Message: "request failed", Err: err}
	}

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if c.tracker != nil {
		if err := c.tracker.UpdateFromResponse(ctx, resp.StatusCode, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if resp.StatusCode < 300 || resp.StatusCode == http.StatusNotModified || resp.StatusCode == http.StatusConflict {
		return resp, nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	class := classifyStatus(resp.StatusCode)
	errorsTotal.WithLabelValues(string(class)).Inc()
	fe := &FetchError{StatusCode: resp.StatusCode, Class: class, Message: resp.Status}
	if class == ErrorClassRateLimit {
		fe.RetryAfter = ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}

	c.logger.Debug().
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("Upstream request error")
	return nil, fe
}
