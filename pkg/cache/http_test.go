package cache

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestResponseToEntry(t *testing.T) {
	tests := []struct {
		name     string
		resp     *http.Response
		wantErr  bool
		wantETag string
	}{
		{
			name: "response with etag",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"ETag":         []string{`"abc123"`},
					"Content-Type": []string{"text/html"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte(`<html></html>`))),
			},
			wantETag: `"abc123"`,
		},
		{
			name: "response without etag gets a generated one",
			resp: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"application/json"}},
				Body:       io.NopCloser(bytes.NewReader([]byte(`{"test": "data"}`))),
			},
			wantETag: GenerateETag([]byte(`{"test": "data"}`)),
		},
		{
			name:    "nil response",
			resp:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := ResponseToEntry("path:/x", tt.resp, time.Hour)
			if (err != nil) != tt.wantErr {
				t.Errorf("ResponseToEntry() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			// Verify body was read and restored
			body, _ := io.ReadAll(tt.resp.Body)
			if !bytes.Equal(body, entry.Data) {
				t.Error("Response body was not restored")
			}

			if entry.ETag != tt.wantETag {
				t.Errorf("ETag = %v, want %v", entry.ETag, tt.wantETag)
			}
			if entry.ContentType != tt.resp.Header.Get("Content-Type") {
				t.Errorf("ContentType = %v", entry.ContentType)
			}
			if entry.TTL() < 59*time.Minute {
				t.Errorf("TTL = %v, want about 1h", entry.TTL())
			}
		})
	}
}

func TestGenerateETag(t *testing.T) {
	a := GenerateETag([]byte("a"))
	if a != GenerateETag([]byte("a")) {
		t.Error("ETag not deterministic")
	}
	if a == GenerateETag([]byte("b")) {
		t.Error("different payloads produced the same ETag")
	}
	if a[0] != '"' || a[len(a)-1] != '"' {
		t.Errorf("ETag %s is not quoted", a)
	}
}

func TestAddConditionalHeaders(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://example.com", nil)
	AddConditionalHeaders(req, &Entry{ETag: `"abc123"`})
	if got := req.Header.Get("If-None-Match"); got != `"abc123"` {
		t.Errorf("If-None-Match = %v", got)
	}

	req2, _ := http.NewRequest("GET", "https://example.com", nil)
	AddConditionalHeaders(req2, &Entry{})
	if got := req2.Header.Get("If-None-Match"); got != "" {
		t.Errorf("If-None-Match = %v, want empty", got)
	}
}

func TestAddConditionalHeaders_NilInputs(t *testing.T) {
	// Should not panic with nil inputs
	AddConditionalHeaders(nil, &Entry{ETag: "test"})
	AddConditionalHeaders(&http.Request{}, nil)
}

func TestWriteEntry(t *testing.T) {
	entry := NewEntry("path:/", []byte("payload"), time.Hour)
	entry.ContentType = "text/plain"
	entry.ETag = `"v1"`

	tests := []struct {
		name        string
		ifNoneMatch string
		wantStatus  int
		wantBody    string
	}{
		{"no validator", "", http.StatusOK, "payload"},
		{"matching etag", `"v1"`, http.StatusNotModified, ""},
		{"weak matching etag in list", `"v0", W/"v1"`, http.StatusNotModified, ""},
		{"wildcard", "*", http.StatusNotModified, ""},
		{"stale etag", `"v0"`, http.StatusOK, "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.ifNoneMatch != "" {
				req.Header.Set("If-None-Match", tt.ifNoneMatch)
			}
			rec := httptest.NewRecorder()

			WriteEntry(rec, req, entry, "HIT")

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("ETag") != `"v1"` {
				t.Errorf("ETag header = %q", rec.Header().Get("ETag"))
			}
			if rec.Header().Get("X-Cache") != "HIT" {
				t.Errorf("X-Cache header = %q", rec.Header().Get("X-Cache"))
			}
		})
	}
}
