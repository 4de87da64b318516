package edge

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassify(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name        string
		path        string
		contentType string
		want        Entry
	}{
		{
			name: "content api",
			path: "/api/notion/page",
			want: Entry{Class: ClassContentAPI, MaxAge: 3600, StaleWhileRevalidate: 86400},
		},
		{
			name: "search api",
			path: "/api/search",
			want: Entry{Class: ClassContentAPI, MaxAge: 3600, StaleWhileRevalidate: 86400},
		},
		{
			name: "content api wins over image extension",
			path: "/api/notion/cover.png",
			want: Entry{Class: ClassContentAPI, MaxAge: 3600, StaleWhileRevalidate: 86400},
		},
		{
			name: "image by extension",
			path: "/images/Logo.PNG",
			want: Entry{Class: ClassImage, MaxAge: 86400 * 30},
		},
		{
			name:        "image by content type",
			path:        "/cover",
			contentType: "image/webp",
			want:        Entry{Class: ClassImage, MaxAge: 86400 * 30},
		},
		{
			name: "build script is immutable",
			path: "/_next/static/chunks/main-abc123.js",
			want: Entry{Class: ClassImmutable, MaxAge: 86400 * 365, Immutable: true},
		},
		{
			name:        "build style by content type",
			path:        "/static/app",
			contentType: "text/css; charset=utf-8",
			want:        Entry{Class: ClassImmutable, MaxAge: 86400 * 365, Immutable: true},
		},
		{
			name: "script outside build path",
			path: "/sw.js",
			want: Entry{Class: ClassStatic, MaxAge: 86400 * 365},
		},
		{
			name:        "page",
			path:        "/about-us",
			contentType: "text/html",
			want:        Entry{Class: ClassDefault, MaxAge: 86400, StaleWhileRevalidate: 604800},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(&p, tt.path, tt.contentType)
			if got != tt.want {
				t.Errorf("Classify(%q, %q) = %+v, want %+v", tt.path, tt.contentType, got, tt.want)
			}
		})
	}
}

func TestShouldBypass(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    bool
	}{
		{name: "plain page", path: "/about", want: false},
		{name: "exact bypass path", path: "/api/cache-clear", want: true},
		{name: "exact pattern is not a prefix", path: "/api/cache-clear-all", want: false},
		{name: "prefix bypass", path: "/admin/settings", want: true},
		{name: "admin api", path: "/cache/warmup/status", want: true},
		{name: "authorization", path: "/about", headers: map[string]string{"Authorization": "Bearer x"}, want: true},
		{name: "no-cache", path: "/about", headers: map[string]string{"Cache-Control": "no-cache"}, want: true},
		{name: "no-store mixed case", path: "/about", headers: map[string]string{"Cache-Control": "max-age=0, No-Store"}, want: true},
		{name: "pragma", path: "/about", headers: map[string]string{"Pragma": "no-cache"}, want: true},
		{name: "max-age only", path: "/about", headers: map[string]string{"Cache-Control": "max-age=0"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ShouldBypass(&p, req); got != tt.want {
				t.Errorf("ShouldBypass() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("disabled policy bypasses everything", func(t *testing.T) {
		off := DefaultPolicy()
		off.Enabled = false
		if !ShouldBypass(&off, httptest.NewRequest(http.MethodGet, "/about", nil)) {
			t.Error("ShouldBypass() = false with caching disabled")
		}
	})
}

func TestCacheKey(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name   string
		target string
		ua     string
		want   string
	}{
		{"desktop no query", "/about", "Mozilla/5.0 (X11; Linux x86_64)", "/about:desktop"},
		{"mobile", "/about", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)", "/about:mobile"},
		{"android", "/about", "Mozilla/5.0 (Linux; Android 14)", "/about:mobile"},
		{"filtered params in policy order", "/list?utm_source=x&page=2&tag=go&pageId=abc", "", "/list:desktop?pageId=abc&tag=go&page=2"},
		{"escaped values", "/find?search=a+b%26c", "", "/find:desktop?search=a+b%26c"},
		{"only unimportant params", "/about?ref=home", "", "/about:desktop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req.Header.Set("User-Agent", tt.ua)
			if got := CacheKey(&p, req); got != tt.want {
				t.Errorf("CacheKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheControl(t *testing.T) {
	tests := []struct {
		entry Entry
		want  string
	}{
		{Entry{Class: ClassContentAPI, MaxAge: 3600, StaleWhileRevalidate: 86400}, "public, s-maxage=3600, stale-while-revalidate=86400"},
		{Entry{Class: ClassImage, MaxAge: 2592000}, "public, max-age=2592000"},
		{Entry{Class: ClassImmutable, MaxAge: 31536000, Immutable: true}, "public, max-age=31536000, immutable"},
		{Entry{Class: ClassDefault, MaxAge: 86400, StaleWhileRevalidate: 604800}, "public, s-maxage=86400, stale-while-revalidate=604800"},
	}

	for _, tt := range tests {
		t.Run(string(tt.entry.Class), func(t *testing.T) {
			if got := CacheControl(tt.entry); got != tt.want {
				t.Errorf("CacheControl() = %q, want %q", got, tt.want)
			}
		})
	}
}
