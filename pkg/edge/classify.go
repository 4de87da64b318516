package edge

import (
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Class of a request path for edge caching.
type Class string

const (
	ClassContentAPI Class = "content-api"
	ClassImage      Class = "image"
	ClassImmutable  Class = "immutable"
	ClassStatic     Class = "static"
	ClassDefault    Class = "default"
)

// Entry is the cache policy for one classified request.
type Entry struct {
	Class                Class `json:"class"`
	MaxAge               int   `json:"maxAge"`
	StaleWhileRevalidate int   `json:"staleWhileRevalidate"`
	Immutable            bool  `json:"immutable"`
}

var (
	imageExt = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".webp": true, ".svg": true, ".ico": true, ".avif": true,
	}
	assetExt = map[string]bool{
		".js": true, ".mjs": true, ".css": true,
		".woff": true, ".woff2": true, ".ttf": true, ".otf": true,
	}
	mobileUA = regexp.MustCompile(`(?i)mobile|android|iphone`)
)

// Classify applies the ordered rules: content API, image, build assets, default.
func Classify(p *Policy, urlPath, contentType string) Entry {
	lower := strings.ToLower(urlPath)
	ext := path.Ext(lower)
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))

	for _, sub := range p.ContentAPIPaths {
		if sub != "" && strings.Contains(lower, strings.ToLower(sub)) {
			return Entry{
				Class:                ClassContentAPI,
				MaxAge:               p.CacheDuration.ContentAPI,
				StaleWhileRevalidate: p.StaleWhileRevalidate.ContentAPI,
			}
		}
	}

	if imageExt[ext] || strings.HasPrefix(mediaType, "image/") {
		return Entry{Class: ClassImage, MaxAge: p.CacheDuration.Images}
	}

	if assetExt[ext] || isAssetType(mediaType) {
		for _, prefix := range p.ImmutablePrefixes {
			if strings.HasPrefix(urlPath, prefix) {
				return Entry{Class: ClassImmutable, MaxAge: p.CacheDuration.Static, Immutable: true}
			}
		}
		return Entry{Class: ClassStatic, MaxAge: p.CacheDuration.Static}
	}

	return Entry{
		Class:                ClassDefault,
		MaxAge:               p.CacheDuration.Dynamic,
		StaleWhileRevalidate: p.StaleWhileRevalidate.Dynamic,
	}
}

func isAssetType(mediaType string) bool {
	switch {
	case mediaType == "text/css",
		mediaType == "application/javascript",
		mediaType == "text/javascript",
		strings.HasPrefix(mediaType, "font/"):
		return true
	}
	return false
}

// MatchBypass reports whether urlPath matches one of the bypass patterns.
func MatchBypass(patterns []string, urlPath string) bool {
	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(urlPath, prefix) {
				return true
			}
		} else if urlPath == pattern {
			return true
		}
	}
	return false
}

// ShouldBypass reports whether r must skip every cache tier: a bypass path,
// an Authorization header, or a no-cache/no-store directive.
func ShouldBypass(p *Policy, r *http.Request) bool {
	if !p.Enabled {
		return true
	}
	if MatchBypass(p.BypassPatterns, r.URL.Path) {
		return true
	}
	if r.Header.Get("Authorization") != "" {
		return true
	}
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Pragma")), "no-cache")
}

// DeviceClass buckets a user agent into "mobile" or "desktop".
func DeviceClass(userAgent string) string {
	if mobileUA.MatchString(userAgent) {
		return "mobile"
	}
	return "desktop"
}

// CacheKey builds path:device plus the important query parameters in
// policy order.
func CacheKey(p *Policy, r *http.Request) string {
	key := r.URL.Path + ":" + DeviceClass(r.UserAgent())

	query := r.URL.Query()
	var parts []string
	for _, name := range p.ImportantParams {
		if query.Has(name) {
			parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(query.Get(name)))
		}
	}
	if len(parts) == 0 {
		return key
	}
	return key + "?" + strings.Join(parts, "&")
}
