package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/notion-content-cache/internal/testutil"
	"github.com/Sternrassler/notion-content-cache/pkg/admin"
	"github.com/Sternrassler/notion-content-cache/pkg/browsercache"
	"github.com/Sternrassler/notion-content-cache/pkg/cache"
	"github.com/Sternrassler/notion-content-cache/pkg/edge"
	"github.com/Sternrassler/notion-content-cache/pkg/upstream"
	"github.com/Sternrassler/notion-content-cache/pkg/warmup"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "test-admin-token"
	testPageID = "0123456789abcdef0123456789abcdef"
)

type testEnv struct {
	handler http.Handler
	store   *cache.Store
	orch    *warmup.Orchestrator
	failed  *warmup.MemoryFailedLog
	mock    *testutil.MockUpstream

	release chan struct{}
}

// newTestEnv wires the real services. When block is set, every warm waits
// for env.release to be closed.
func newTestEnv(t *testing.T, ids []string, block bool) *testEnv {
	t.Helper()

	env := &testEnv{mock: testutil.NewMockUpstream(), release: make(chan struct{})}
	t.Cleanup(env.mock.Close)

	store, err := cache.NewStore(cache.Options{MaxEntries: 100, MaxBytes: 1 << 20, Logger: zerolog.Nop()})
	require.NoError(t, err)
	env.store = store

	ucfg := upstream.DefaultConfig(env.mock.URL(), "content-cache-test/1.0")
	ucfg.RateLimit = 0
	ucfg.Retry = upstream.NoRetry()
	ucfg.BreakerFailures = 0
	client, err := upstream.New(ucfg)
	require.NoError(t, err)

	warmer := warmup.WarmerFunc(func(ctx context.Context, id string) (warmup.Outcome, error) {
		if block {
			<-env.release
		}
		return warmup.OutcomeSucceeded, store.Set(ctx, cache.PageKey(id), []byte(id), time.Minute)
	})

	env.failed = warmup.NewMemoryFailedLog()
	wcfg := warmup.DefaultConfig()
	wcfg.BatchDelay = 0
	wcfg.FailedLog = env.failed
	env.orch = warmup.New(warmup.SourceFunc(func(context.Context) ([]string, error) {
		return ids, nil
	}), warmer, wcfg)
	t.Cleanup(env.orch.Wait)
	t.Cleanup(func() {
		select {
		case <-env.release:
		default:
			close(env.release)
		}
	})

	hub := browsercache.NewHub(browsercache.HubConfig{}, zerolog.Nop())
	t.Cleanup(hub.Close)

	resolver := edge.NewResolver(edge.DefaultPolicy(), "", zerolog.Nop())

	svc, err := admin.New(admin.Options{
		Store:   store,
		Warmup:  env.orch,
		Browser: hub,
		Edge:    resolver,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	srv, err := New(Config{AdminToken: testToken, ContentTimeout: 2 * time.Second}, Deps{
		Store:     store,
		Warmup:    env.orch,
		Admin:     svc,
		Pages:     client,
		Edge:      resolver,
		Hub:       hub,
		FailedLog: env.failed,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	env.handler, err = srv.Handler()
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
	_, err = New(Config{AdminToken: "x"}, Deps{})
	assert.Error(t, err)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil, false)

	rec := env.do(t, "GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, false, body["externalTier"])
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, []string{"a"}, false)

	routes := []struct{ method, path string }{
		{"GET", "/cache/status"},
		{"POST", "/cache/clear"},
		{"POST", "/cache/warmup/start"},
		{"POST", "/cache/warmup/reset"},
		{"GET", "/cache/warmup/failed"},
		{"POST", "/cache/warmup/failed"},
		{"DELETE", "/cache/warmup/failed"},
	}
	for _, rt := range routes {
		for _, token := range []string{"", "wrong-token"} {
			rec := env.do(t, rt.method, rt.path, nil, token)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s token=%q", rt.method, rt.path, token)
			assert.Equal(t, "unauthorized", decode[errorBody](t, rec).Error)
		}
	}

	assert.Equal(t, warmup.StatusIdle, env.orch.Status().Status, "rejected start must not reach the orchestrator")

	rec := env.do(t, "GET", "/cache/warmup/status", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "status is public")
}

func TestClear(t *testing.T) {
	env := newTestEnv(t, []string{"a"}, false)
	ctx := context.Background()
	require.NoError(t, env.store.Set(ctx, cache.PageKey("x"), []byte("x"), time.Minute))

	rec := env.do(t, "POST", "/cache/clear", map[string]string{"type": "pattern"}, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/cache/clear", map[string]string{"type": "bogus"}, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest("POST", "/cache/clear", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	bad := httptest.NewRecorder()
	env.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec = env.do(t, "POST", "/cache/clear", map[string]string{"type": "all"}, testToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[admin.ClearResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Before.Entries)
	assert.Equal(t, 0, res.After.Entries)
	require.NotNil(t, res.Revalidation.Warmup)
	assert.Equal(t, 1, res.Revalidation.Warmup.Total)
}

func TestClearWithoutBody(t *testing.T) {
	env := newTestEnv(t, []string{"a"}, false)

	req := httptest.NewRequest("POST", "/cache/clear", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, admin.ClearAll, decode[admin.ClearResult](t, rec).Type)
}

func TestCacheStatus(t *testing.T) {
	env := newTestEnv(t, nil, false)

	rec := env.do(t, "GET", "/cache/status", nil, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[admin.StatusReport](t, rec)
	assert.False(t, rep.Features.ExternalTier)
	assert.True(t, rep.Features.EdgeCache)
	assert.False(t, rep.Features.EdgeOverride)
}

func TestWarmupLifecycle(t *testing.T) {
	env := newTestEnv(t, []string{"a", "b", "c", "d", "e", "f", "g"}, true)

	rec := env.do(t, "POST", "/cache/warmup/start", nil, testToken)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[warmup.Snapshot](t, rec)
	assert.NotEmpty(t, started.JobID)
	assert.Equal(t, warmup.StatusRunning, started.Status)
	assert.Equal(t, 7, started.Total)
	assert.Equal(t, 2, started.TotalBatches)

	rec = env.do(t, "POST", "/cache/warmup/start", nil, testToken)
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode[map[string]any](t, rec)
	assert.Equal(t, started.JobID, conflict["jobId"])
	assert.Equal(t, "running", conflict["status"])
	assert.Contains(t, conflict["error"], "already running")

	rec = env.do(t, "GET", "/cache/warmup/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, started.JobID, decode[warmup.Snapshot](t, rec).JobID)

	rec = env.do(t, "POST", "/cache/warmup/reset", nil, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, warmup.StatusIdle, decode[warmup.Snapshot](t, rec).Status)

	rec = env.do(t, "POST", "/cache/warmup/reset", nil, testToken)
	assert.Equal(t, http.StatusOK, rec.Code, "reset is idempotent")

	close(env.release)
	env.orch.Wait()
	assert.Equal(t, warmup.StatusIdle, env.orch.Status().Status)
}

func TestWarmupStartEmptySet(t *testing.T) {
	env := newTestEnv(t, nil, false)

	rec := env.do(t, "POST", "/cache/warmup/start", nil, testToken)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, warmup.ReasonNoIdentifiers, body["reason"])
	assert.Equal(t, float64(0), body["total"])
}

func TestWarmupStartExplicitIDs(t *testing.T) {
	env := newTestEnv(t, nil, false)

	other := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	dashed := "01234567-89AB-CDEF-0123-456789ABCDEF"

	rec := env.do(t, "POST", "/cache/warmup/start", startRequest{IDs: []string{testPageID, testPageID, dashed, other}}, testToken)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[warmup.Snapshot](t, rec).Total, "repeats of one page count once")

	env.orch.Wait()
	snap := env.orch.Status()
	assert.Equal(t, 2, snap.Processed)
	assert.True(t, env.store.Has(context.Background(), cache.PageKey(testPageID)))
	assert.True(t, env.store.Has(context.Background(), cache.PageKey(other)))
}

func TestWarmupStartRejectsMalformedIDs(t *testing.T) {
	env := newTestEnv(t, nil, false)

	rec := env.do(t, "POST", "/cache/warmup/start", startRequest{IDs: []string{testPageID, "not-an-id"}}, testToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not-an-id")
	assert.Equal(t, warmup.StatusIdle, env.orch.Status().Status)
}

func TestFailedLogRoutes(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()
	p1 := "11111111111111111111111111111111"
	p2 := "22222222-2222-2222-2222-222222222222"
	_, err := env.failed.Add(ctx, p1, p2, p1)
	require.NoError(t, err)

	rec := env.do(t, "GET", "/cache/warmup/failed", nil, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[failedList](t, rec)
	assert.Equal(t, 2, list.Count)
	assert.ElementsMatch(t, []string{p1, p2}, list.IDs)

	rec = env.do(t, "POST", "/cache/warmup/failed", nil, testToken)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[warmup.Snapshot](t, rec).Total)
	env.orch.Wait()

	ids, err := env.failed.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "accepted retry clears the log")

	_, err = env.failed.Add(ctx, "33333333333333333333333333333333")
	require.NoError(t, err)
	rec = env.do(t, "DELETE", "/cache/warmup/failed", nil, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	ids, err = env.failed.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	rec = env.do(t, "POST", "/cache/warmup/failed", nil, testToken)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "nothing to retry")
}

func TestWebhook(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()
	require.NoError(t, env.store.Set(ctx, cache.PageKey(testPageID), []byte("v"), time.Minute))

	rec := env.do(t, "POST", "/cache/webhook", map[string]string{"type": "url_verification", "challenge": "abc"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", decode[map[string]string](t, rec)["challenge"])

	rec = env.do(t, "POST", "/cache/webhook", map[string]string{"type": "url_verification"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	event := admin.Event{Type: "page.updated", Data: admin.EventData{ID: testPageID}}
	rec = env.do(t, "POST", "/cache/webhook", event, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, env.store.Has(ctx, cache.PageKey(testPageID)))

	rec = env.do(t, "POST", "/cache/webhook", event, testToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "page-cache", decode[admin.WebhookResult](t, rec).Cleared)
	assert.False(t, env.store.Has(ctx, cache.PageKey(testPageID)))

	rec = env.do(t, "POST", "/cache/webhook", admin.Event{Type: "page.updated"}, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContentReadThrough(t *testing.T) {
	env := newTestEnv(t, nil, false)

	rec := env.do(t, "GET", "/content/"+testPageID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Contains(t, rec.Body.String(), testPageID)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "s-maxage=3600")
	assert.NotEmpty(t, rec.Header().Get(edge.HeaderEdgeKey))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.Empty(t, env.mock.LastRequestHeader().Get(upstream.WarmupHeader))

	rec = env.do(t, "GET", "/content/"+testPageID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, 1, env.mock.GetPathCount("/"+testPageID))

	req := httptest.NewRequest("GET", "/content/"+testPageID, nil)
	req.Header.Set("If-None-Match", etag)
	notModified := httptest.NewRecorder()
	env.handler.ServeHTTP(notModified, req)
	assert.Equal(t, http.StatusNotModified, notModified.Code)
	assert.Empty(t, notModified.Body.String())
}

func TestContentDashedIDIsNormalized(t *testing.T) {
	env := newTestEnv(t, nil, false)

	rec := env.do(t, "GET", "/content/01234567-89ab-cdef-0123-456789abcdef", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.store.Has(context.Background(), cache.PageKey(testPageID)))
}

func TestContentCollapsesConcurrentMisses(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.mock.SetDefaultDelay(150 * time.Millisecond)

	var wg sync.WaitGroup
	codes := make([]int, 10)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/content/"+testPageID, nil))
			codes[i] = rec.Code
		}()
	}
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
	assert.Equal(t, 1, env.mock.GetPathCount("/"+testPageID))
}

func TestContentBypass(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()
	require.NoError(t, env.store.Set(ctx, cache.PageKey(testPageID), []byte("stale"), time.Minute))

	req := httptest.NewRequest("GET", "/content/"+testPageID, nil)
	req.Header.Set("Cache-Control", "no-cache")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BYPASS", rec.Header().Get("X-Cache"))
	assert.Equal(t, edge.NoStore, rec.Header().Get("Cache-Control"))
	assert.NotContains(t, rec.Body.String(), "stale")

	e, err := env.store.Get(ctx, cache.PageKey(testPageID))
	require.NoError(t, err)
	assert.Equal(t, "stale", string(e.Data), "bypassed response must not reach the shared store")
}

func TestContentAuthorizedRequestIsNotShared(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	req := httptest.NewRequest("GET", "/content/"+testPageID, nil)
	req.Header.Set("Authorization", "Bearer user-session")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BYPASS", rec.Header().Get("X-Cache"))
	_, err := env.store.Get(ctx, cache.PageKey(testPageID))
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	rec = env.do(t, "GET", "/content/"+testPageID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, 2, env.mock.GetPathCount("/"+testPageID))
}

func TestContentErrors(t *testing.T) {
	env := newTestEnv(t, nil, false)
	missing := "ffffffffffffffffffffffffffffffff"
	dup := "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	limited := "dddddddddddddddddddddddddddddddd"
	env.mock.SetPageResponse(missing, testutil.NewNotFoundResponse())
	env.mock.SetPageResponse(dup, testutil.NewDuplicateResponse())
	env.mock.SetPageResponse(limited, testutil.NewRateLimitResponse(30))

	rec := env.do(t, "GET", "/content/"+limited, nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "31", rec.Header().Get("Retry-After"))

	tests := []struct {
		path string
		want int
	}{
		{"/content/not-an-id", http.StatusBadRequest},
		{"/content/" + missing, http.StatusNotFound},
		{"/content/" + dup, http.StatusConflict},
	}
	for _, tt := range tests {
		rec := env.do(t, "GET", tt.path, nil, "")
		assert.Equal(t, tt.want, rec.Code, tt.path)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"), tt.path)
	}
}

func TestBrowserManifestAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil, false)

	rec := env.do(t, "GET", "/sw-config.json", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "notion-api-cache")

	rec = env.do(t, "GET", "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "content_cache_")
}
