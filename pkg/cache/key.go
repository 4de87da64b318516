package cache

import "strings"

// Key prefixes used by the content site.
const (
	PrefixNotion   = "notion:"
	PrefixPage     = "notion:page:"
	PrefixBlocks   = "notion:blocks:"
	PrefixDatabase = "notion:database:"
	PrefixPath     = "path:"
)

// PageKey returns the cache key of a rendered page.
func PageKey(id string) string {
	return PrefixPage + id
}

// BlocksKey returns the cache key of a page's block children.
func BlocksKey(id string) string {
	return PrefixBlocks + id
}

// DatabaseKey returns the cache key of a database query result.
func DatabaseKey(id string) string {
	return PrefixDatabase + id
}

// PathKey returns the cache key of an arbitrary site path.
func PathKey(path string) string {
	return PrefixPath + "/" + strings.Trim(path, "/")
}

// Pattern is a parsed invalidation pattern. A trailing "*" selects every key
// starting with the text before it; anything else selects exactly one key.
type Pattern struct {
	Text   string
	Prefix bool
}

// ParsePattern parses an invalidation pattern.
func ParsePattern(p string) Pattern {
	if strings.HasSuffix(p, "*") {
		return Pattern{Text: strings.TrimSuffix(p, "*"), Prefix: true}
	}
	return Pattern{Text: p}
}

// Match reports whether key is selected by the pattern.
func (p Pattern) Match(key string) bool {
	if p.Prefix {
		return strings.HasPrefix(key, p.Text)
	}
	return key == p.Text
}

func (p Pattern) String() string {
	if p.Prefix {
		return p.Text + "*"
	}
	return p.Text
}
