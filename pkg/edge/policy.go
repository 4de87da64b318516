// Package edge computes CDN cache headers, cache keys and bypass decisions
// for requests served by the content cache.
package edge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Durations are max-age values in seconds per class.
type Durations struct {
	ContentAPI int `yaml:"notionApi" json:"notionApi"`
	Images     int `yaml:"images" json:"images"`
	Static     int `yaml:"static" json:"static"`
	Dynamic    int `yaml:"dynamic" json:"dynamic"`
}

// SWRWindows are stale-while-revalidate windows in seconds. Images and
// static assets never get one.
type SWRWindows struct {
	ContentAPI int `yaml:"notionApi" json:"notionApi"`
	Dynamic    int `yaml:"dynamic" json:"dynamic"`
}

// Policy is the process-wide edge configuration.
type Policy struct {
	Enabled              bool       `yaml:"enableCache" json:"enableCache"`
	CacheDuration        Durations  `yaml:"cacheDuration" json:"cacheDuration"`
	StaleWhileRevalidate SWRWindows `yaml:"staleWhileRevalidate" json:"staleWhileRevalidate"`

	// BypassPatterns are exact paths, or prefixes when ending in "*".
	BypassPatterns []string `yaml:"bypassPatterns" json:"bypassPatterns"`

	// ContentAPIPaths are path substrings of the content API.
	ContentAPIPaths []string `yaml:"contentApiPaths" json:"contentApiPaths"`

	// ImmutablePrefixes hold content-hashed build output.
	ImmutablePrefixes []string `yaml:"immutablePrefixes" json:"immutablePrefixes"`

	// ImportantParams are the query parameters kept in cache keys.
	ImportantParams []string `yaml:"importantParams" json:"importantParams"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Enabled: true,
		CacheDuration: Durations{
			ContentAPI: 3600,
			Images:     86400 * 30,
			Static:     86400 * 365,
			Dynamic:    86400,
		},
		StaleWhileRevalidate: SWRWindows{
			ContentAPI: 86400,
			Dynamic:    604800,
		},
		BypassPatterns: []string{
			"/api/cache-clear",
			"/api/cache-status",
			"/cache/*",
			"/admin/*",
		},
		ContentAPIPaths:   []string{"/api/notion", "/api/search", "/content/"},
		ImmutablePrefixes: []string{"/_next/static/", "/static/"},
		ImportantParams:   []string{"pageId", "search", "tag", "page"},
	}
}

// LoadPolicyFile reads a YAML policy. Fields missing from the file keep
// their default values.
func LoadPolicyFile(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read edge policy: %w", err)
	}
	if err := ParsePolicy(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

// ParsePolicy decodes YAML (or JSON) into p, leaving absent fields untouched.
func ParsePolicy(data []byte, p *Policy) error {
	if err := yaml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("parse edge policy: %w", err)
	}
	return p.Validate()
}

// Validate rejects negative durations.
func (p *Policy) Validate() error {
	for name, v := range map[string]int{
		"cacheDuration.notionApi":        p.CacheDuration.ContentAPI,
		"cacheDuration.images":           p.CacheDuration.Images,
		"cacheDuration.static":           p.CacheDuration.Static,
		"cacheDuration.dynamic":          p.CacheDuration.Dynamic,
		"staleWhileRevalidate.notionApi": p.StaleWhileRevalidate.ContentAPI,
		"staleWhileRevalidate.dynamic":   p.StaleWhileRevalidate.Dynamic,
	} {
		if v < 0 {
			return fmt.Errorf("edge policy: %s must not be negative", name)
		}
	}
	return nil
}
