package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxBodyBytes caps how much of an upstream body is buffered into an entry.
const maxBodyBytes = 16 << 20

// ResponseToEntry converts an HTTP response to an Entry stored under key for ttl.
// The response body is restored after reading.
func ResponseToEntry(key string, resp *http.Response, ttl time.Duration) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body larger than %d bytes", ErrEntryTooLarge, maxBodyBytes)
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	e := NewEntry(key, body, ttl)
	e.ContentType = resp.Header.Get("Content-Type")
	e.ETag = resp.Header.Get("ETag")
	if e.ETag == "" {
		e.ETag = GenerateETag(body)
	}
	e.Size = EstimateSize(e)

	return e, nil
}

// GenerateETag returns a strong ETag derived from the payload.
func GenerateETag(data []byte) string {
	sum := sha256.Sum256(data)
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}

// AddConditionalHeaders adds If-None-Match to req when entry carries an ETag.
func AddConditionalHeaders(req *http.Request, entry *Entry) {
	if entry == nil || req == nil || entry.ETag == "" {
		return
	}
	req.Header.Set("If-None-Match", entry.ETag)
}

// NotModified reports whether the request's If-None-Match matches the entry.
func NotModified(r *http.Request, entry *Entry) bool {
	if entry == nil || entry.ETag == "" {
		return false
	}
	inm := r.Header.Get("If-None-Match")
	if inm == "" {
		return false
	}
	if strings.TrimSpace(inm) == "*" {
		return true
	}
	for _, tag := range strings.Split(inm, ",") {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
		if tag == entry.ETag {
			return true
		}
	}
	return false
}

// WriteEntry writes entry as the response body, answering 304 when the
// client already holds the same ETag. source is reported in X-Cache.
func WriteEntry(w http.ResponseWriter, r *http.Request, entry *Entry, source string) {
	h := w.Header()
	if entry.ETag != "" {
		h.Set("ETag", entry.ETag)
	}
	if source != "" {
		h.Set("X-Cache", source)
	}
	h.Set("Age", strconv.Itoa(int(time.Since(entry.StoredAt).Seconds())))

	if NotModified(r, entry) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if entry.ContentType != "" {
		h.Set("Content-Type", entry.ContentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(entry.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Data)
	}
}
