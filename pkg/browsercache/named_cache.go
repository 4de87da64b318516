package browsercache

import (
	"net/http"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Response is a cached response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Cacheable reports whether r may be stored (only 200 responses).
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK
}

// NamedCache is a count- and age-bounded cache keyed by URL.
type NamedCache struct {
	name   string
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries *lru.Cache[string, *Response]
}

// NewNamedCache creates a cache holding at most maxEntries responses for maxAge.
func NewNamedCache(name string, maxEntries int, maxAge time.Duration) *NamedCache {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	entries, _ := lru.New[string, *Response](maxEntries)
	return &NamedCache{name: name, maxAge: maxAge, now: time.Now, entries: entries}
}

// Name returns the cache name.
func (c *NamedCache) Name() string {
	return c.name
}

// Get returns a fresh response for url; expired entries are dropped.
func (c *NamedCache) Get(url string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.entries.Get(url)
	if !ok {
		return nil, false
	}
	if c.maxAge > 0 && c.now().Sub(r.StoredAt) > c.maxAge {
		c.entries.Remove(url)
		return nil, false
	}
	return r, true
}

// Put stores r under url, evicting the least recently used entry when full.
func (c *NamedCache) Put(url string, r *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := *r
	stored.StoredAt = c.now()
	c.entries.Add(url, &stored)
}

// Len returns the number of entries, expired ones included until touched.
func (c *NamedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// URLs returns the cached URLs sorted.
func (c *NamedCache) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	urls := c.entries.Keys()
	sort.Strings(urls)
	return urls
}

// Purge drops every entry.
func (c *NamedCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}
