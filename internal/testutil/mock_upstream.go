// Package testutil provides testing utilities for the content cache.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PageListPath is where the mock serves the page index.
const PageListPath = "/api/get-all-pages"

// MockResponse defines the behavior for a mock upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockPage is one entry of the mock page index.
type MockPage struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Canonical string `json:"canonical,omitempty"`
}

// MockUpstream is a configurable mock of the upstream content API.
// Unconfigured paths answer 200 with a small HTML page.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	requestCount  int
	warmupCount   int
	pathCounts    map[string]int
	inFlight      int
	maxInFlight   int
	lastHeader    http.Header
	defaultDelay  time.Duration
	requestedPath []string
}

// NewMockUpstream creates a new mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.requestedPath = append(mock.requestedPath, r.URL.Path)
		mock.lastHeader = r.Header.Clone()
		if r.Header.Get("X-Cache-Warmup") == "true" {
			mock.warmupCount++
		}
		mock.inFlight++
		if mock.inFlight > mock.maxInFlight {
			mock.maxInFlight = mock.inFlight
		}
		handler, exists := mock.handlers[r.URL.Path]
		delay := mock.defaultDelay
		mock.mu.Unlock()

		defer func() {
			mock.mu.Lock()
			mock.inFlight--
			mock.mu.Unlock()
		}()

		if exists {
			handler(w, r)
			return
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.warmupCount = 0
	m.maxInFlight = 0
	m.pathCounts = make(map[string]int)
	m.requestedPath = nil
	m.lastHeader = nil
}

// SetDefaultDelay delays every response served by the default handler.
func (m *MockUpstream) SetDefaultDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultDelay = d
}

// SetHandler sets a custom handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetPageResponse configures the response for page id.
func (m *MockUpstream) SetPageResponse(id string, resp MockResponse) {
	m.SetResponse("/"+id, resp)
}

// SetPageList serves pages as the page index at PageListPath.
func (m *MockUpstream) SetPageList(pages []MockPage) {
	m.SetHandler(PageListPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"pages":   pages,
			"total":   len(pages),
		})
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetWarmupCount returns the number of requests flagged as warmup fetches.
func (m *MockUpstream) GetWarmupCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.warmupCount
}

// GetPathCount returns how often path was requested.
func (m *MockUpstream) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// GetMaxInFlight returns the highest number of concurrent requests observed.
func (m *MockUpstream) GetMaxInFlight() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxInFlight
}

// GetRequestedPaths returns the paths requested so far, in arrival order.
func (m *MockUpstream) GetRequestedPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.requestedPath))
	copy(out, m.requestedPath)
	return out
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockUpstream) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// defaultHandler renders a minimal page for any path.
func (m *MockUpstream) defaultHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(r.URL.Path, "/")
	etag := `"` + id + `-v1"`

	w.Header().Set("X-RateLimit-Remaining", "100")
	w.Header().Set("X-RateLimit-Reset", "60")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body>" + id + "</body></html>"))
}

// NewPageResponse creates a standard 200 OK page response.
func NewPageResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "100",
			"X-RateLimit-Reset":     "60",
			"ETag":                  `"test-etag-123"`,
			"Content-Type":          "text/html; charset=utf-8",
		},
	}
}

// NewNotModifiedResponse creates a 304 Not Modified response.
func NewNotModifiedResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusNotModified}
}

// NewDuplicateResponse creates a 409 response marking the page as a duplicate.
func NewDuplicateResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusConflict,
		Headers:    map[string]string{"X-Duplicate-Page": "true"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(retryAfter),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewSlowResponse creates a page response delayed by d.
func NewSlowResponse(d time.Duration) MockResponse {
	r := NewPageResponse("<html>slow</html>")
	r.Delay = d
	return r
}
