package browsercache

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const maxResponseBytes = 10 << 20

// ManifestVersion is bumped whenever the manifest layout changes.
const ManifestVersion = 1

type manifestRoute struct {
	Name                  string   `json:"name"`
	Match                 Match    `json:"match"`
	Strategy              Strategy `json:"strategy"`
	CacheName             string   `json:"cacheName"`
	MaxEntries            int      `json:"maxEntries"`
	MaxAgeSeconds         int64    `json:"maxAgeSeconds"`
	NetworkTimeoutSeconds float64  `json:"networkTimeoutSeconds,omitempty"`
}

type manifest struct {
	Version  int             `json:"version"`
	Routes   []manifestRoute `json:"routes"`
	Messages []string        `json:"messages"`
}

// Manifest renders routes as the JSON configuration consumed by the
// JavaScript service worker.
func Manifest(routes []Route) ([]byte, error) {
	m := manifest{
		Version:  ManifestVersion,
		Routes:   make([]manifestRoute, 0, len(routes)),
		Messages: []string{MessageGetCacheStats, MessageClearCache},
	}
	for _, r := range routes {
		m.Routes = append(m.Routes, manifestRoute{
			Name:                  r.Name,
			Match:                 r.Match,
			Strategy:              r.Strategy,
			CacheName:             r.CacheName,
			MaxEntries:            r.MaxEntries,
			MaxAgeSeconds:         int64(r.MaxAge.Seconds()),
			NetworkTimeoutSeconds: r.NetworkTimeout.Seconds(),
		})
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return data, nil
}

// ManifestHandler serves the manifest for routes.
func ManifestHandler(routes []Route) (http.Handler, error) {
	data, err := Manifest(routes)
	if err != nil {
		return nil, err
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Write(data)
	}), nil
}

func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
