package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Response headers written for cacheable responses.
const (
	HeaderCacheControl     = "Cache-Control"
	HeaderCDNCacheControl  = "CDN-Cache-Control"
	HeaderSurrogateControl = "Surrogate-Control"
	HeaderVary             = "Vary"
	HeaderEdgeKey          = "X-Edge-Cache-Key"
)

// NoStore is the Cache-Control value of bypassed responses.
const NoStore = "private, no-store"

// overrideTimeout bounds the cold-start override fetch.
const overrideTimeout = 3 * time.Second

// Resolver holds the process-wide policy. The remote override is fetched at
// most once and kept for the process lifetime.
type Resolver struct {
	static      Policy
	overrideURL string
	httpClient  *http.Client
	logger      zerolog.Logger

	once       sync.Once
	policy     Policy
	overridden bool
}

// NewResolver creates a resolver. overrideURL may be empty.
func NewResolver(static Policy, overrideURL string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		static:      static,
		overrideURL: overrideURL,
		httpClient:  &http.Client{Timeout: overrideTimeout},
		logger:      logger,
	}
}

// Load fetches the remote override on first call. Failures fall back to the
// static policy and are not retried.
func (r *Resolver) Load(ctx context.Context) *Policy {
	r.once.Do(func() {
		r.policy = r.static
		if r.overrideURL == "" {
			return
		}
		p, err := r.fetchOverride(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("url", r.overrideURL).Msg("Edge policy override unavailable - using static policy")
			return
		}
		r.policy = p
		r.overridden = true
		r.logger.Info().Str("url", r.overrideURL).Msg("Edge policy override loaded")
	})
	return &r.policy
}

// Policy returns the effective policy.
func (r *Resolver) Policy() *Policy {
	return r.Load(context.Background())
}

// Overridden reports whether the remote override is in effect.
func (r *Resolver) Overridden() bool {
	r.Load(context.Background())
	return r.overridden
}

func (r *Resolver) fetchOverride(ctx context.Context) (Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, overrideTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.overrideURL, nil)
	if err != nil {
		return Policy{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Policy{}, fmt.Errorf("fetch override: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Policy{}, fmt.Errorf("fetch override: status %d", resp.StatusCode)
	}

	p := r.static
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("decode override: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Classify classifies a path under the effective policy.
func (r *Resolver) Classify(urlPath, contentType string) Entry {
	return Classify(r.Policy(), urlPath, contentType)
}

// ShouldBypass decides bypass under the effective policy.
func (r *Resolver) ShouldBypass(req *http.Request) bool {
	return ShouldBypass(r.Policy(), req)
}

// CacheKey builds the edge cache key under the effective policy.
func (r *Resolver) CacheKey(req *http.Request) string {
	return CacheKey(r.Policy(), req)
}

// CacheControl renders the Cache-Control value for e. Assets are cacheable
// by browsers; pages and API responses only by shared caches.
func CacheControl(e Entry) string {
	var b strings.Builder
	switch e.Class {
	case ClassImage, ClassStatic, ClassImmutable:
		b.WriteString("public, max-age=")
	default:
		b.WriteString("public, s-maxage=")
	}
	b.WriteString(strconv.Itoa(e.MaxAge))
	if e.StaleWhileRevalidate > 0 {
		b.WriteString(", stale-while-revalidate=")
		b.WriteString(strconv.Itoa(e.StaleWhileRevalidate))
	}
	if e.Immutable {
		b.WriteString(", immutable")
	}
	return b.String()
}

// Apply writes the edge headers for e.
func Apply(h http.Header, e Entry) {
	h.Set(HeaderCacheControl, CacheControl(e))
	maxAge := "max-age=" + strconv.Itoa(e.MaxAge)
	h.Set(HeaderCDNCacheControl, maxAge)
	h.Set(HeaderSurrogateControl, maxAge)
	if e.Class == ClassDefault || e.Class == ClassContentAPI {
		h.Set(HeaderVary, "Accept-Encoding, User-Agent")
	}
}

type bypassKey struct{}

// Bypassed reports whether the middleware decided to bypass caching for the request.
func Bypassed(ctx context.Context) bool {
	v, _ := ctx.Value(bypassKey{}).(bool)
	return v
}

// Middleware marks bypassed requests in the context and writes edge headers
// on the way out unless the handler set Cache-Control itself.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.ShouldBypass(req) {
			w.Header().Set(HeaderCacheControl, NoStore)
			ctx := context.WithValue(req.Context(), bypassKey{}, true)
			next.ServeHTTP(w, req.WithContext(ctx))
			return
		}

		w.Header().Set(HeaderEdgeKey, r.CacheKey(req))
		next.ServeHTTP(&headerWriter{ResponseWriter: w, resolver: r, path: req.URL.Path}, req)
	})
}

// headerWriter applies edge headers just before the status line is written.
type headerWriter struct {
	http.ResponseWriter
	resolver    *Resolver
	path        string
	wroteHeader bool
}

func (hw *headerWriter) WriteHeader(code int) {
	if !hw.wroteHeader {
		hw.wroteHeader = true
		h := hw.Header()
		if h.Get(HeaderCacheControl) == "" && cacheableStatus(code) {
			Apply(h, hw.resolver.Classify(hw.path, h.Get("Content-Type")))
		}
	}
	hw.ResponseWriter.WriteHeader(code)
}

func (hw *headerWriter) Write(b []byte) (int, error) {
	if !hw.wroteHeader {
		hw.WriteHeader(http.StatusOK)
	}
	return hw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (hw *headerWriter) Unwrap() http.ResponseWriter {
	return hw.ResponseWriter
}

func cacheableStatus(code int) bool {
	return code == http.StatusOK || code == http.StatusNotModified ||
		code == http.StatusNoContent || code == http.StatusMovedPermanently
}
