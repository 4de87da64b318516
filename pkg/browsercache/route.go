// Package browsercache describes and executes the browser-side caching
// strategies of the site's service worker, and pushes control messages to
// connected workers.
package browsercache

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Strategy selects how a route consults cache and network.
type Strategy string

const (
	NetworkFirst         Strategy = "network-first"
	CacheFirst           Strategy = "cache-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Request is the part of a browser request the routing table looks at.
type Request struct {
	URL *url.URL
	// Destination mirrors Request.destination (image, script, style, font, document).
	Destination string
}

// FromHTTP builds a Request, taking the destination from Sec-Fetch-Dest.
func FromHTTP(r *http.Request) Request {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	return Request{URL: &u, Destination: r.Header.Get("Sec-Fetch-Dest")}
}

// Match is a declarative request predicate. A request matches when any
// positive criterion holds and no exclusion does.
type Match struct {
	PathContains []string `json:"pathContains,omitempty"`
	PathExcludes []string `json:"pathExcludes,omitempty"`
	HostContains []string `json:"hostContains,omitempty"`
	Origins      []string `json:"origins,omitempty"`
	Destinations []string `json:"destinations,omitempty"`
}

// Matches reports whether req satisfies m.
func (m Match) Matches(req Request) bool {
	if req.URL == nil {
		return false
	}
	p := req.URL.Path
	for _, ex := range m.PathExcludes {
		if strings.Contains(p, ex) {
			return false
		}
	}

	for _, s := range m.PathContains {
		if strings.Contains(p, s) {
			return true
		}
	}
	for _, h := range m.HostContains {
		if strings.Contains(req.URL.Hostname(), h) {
			return true
		}
	}
	origin := req.URL.Scheme + "://" + req.URL.Host
	for _, o := range m.Origins {
		if origin == o {
			return true
		}
	}
	for _, d := range m.Destinations {
		if req.Destination == d {
			return true
		}
	}
	return false
}

// Route maps matching requests to a strategy and a named cache.
type Route struct {
	Name           string
	Match          Match
	Strategy       Strategy
	CacheName      string
	MaxEntries     int
	MaxAge         time.Duration
	NetworkTimeout time.Duration
}

// DefaultRoutes is the site's routing table, first match wins.
func DefaultRoutes() []Route {
	const day = 24 * time.Hour
	return []Route{
		{
			Name:           "notion-api",
			Match:          Match{PathContains: []string{"/api/notion"}, HostContains: []string{"notion.so"}},
			Strategy:       NetworkFirst,
			CacheName:      "notion-api-cache",
			MaxEntries:     100,
			MaxAge:         time.Hour,
			NetworkTimeout: 3 * time.Second,
		},
		{
			Name:       "google-fonts",
			Match:      Match{Origins: []string{"https://fonts.googleapis.com", "https://fonts.gstatic.com"}},
			Strategy:   CacheFirst,
			CacheName:  "google-fonts-cache",
			MaxEntries: 30,
			MaxAge:     365 * day,
		},
		{
			Name:       "images",
			Match:      Match{Destinations: []string{"image"}},
			Strategy:   CacheFirst,
			CacheName:  "images-cache",
			MaxEntries: 200,
			MaxAge:     30 * day,
		},
		{
			Name:       "static-resources",
			Match:      Match{Destinations: []string{"style", "script"}},
			Strategy:   StaleWhileRevalidate,
			CacheName:  "static-resources",
			MaxEntries: 60,
			MaxAge:     30 * day,
		},
		{
			Name:       "api",
			Match:      Match{PathContains: []string{"/api/"}, PathExcludes: []string{"/api/notion"}},
			Strategy:   StaleWhileRevalidate,
			CacheName:  "api-cache",
			MaxEntries: 50,
			MaxAge:     day,
		},
	}
}

// RouteFor returns the first route matching req.
func RouteFor(routes []Route, req Request) (Route, bool) {
	for _, r := range routes {
		if r.Match.Matches(req) {
			return r, true
		}
	}
	return Route{}, false
}
