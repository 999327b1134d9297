package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe/config"
	"docpipe/internal/render/rendertest"
)

// newOrigin serves one PDF document with a fixed ETag.
func newOrigin(t *testing.T, downloads *atomic.Int32) *httptest.Server {
	t.Helper()
	doc := rendertest.ScannedPDF(2, 200, 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/documents/report/meta":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"token":"\"v1\"","size":1}`)
		case "/documents/report":
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			downloads.Add(1)
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write(doc)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func loadConfig(t *testing.T, originURL string) *config.LoadResult {
	t.Helper()
	t.Setenv("ORIGIN_URL", originURL)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("METRICS_ENABLED", "true")
	res, err := config.Load("")
	require.NoError(t, err)
	return res
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	_, err = New(context.Background(), Config{AppConfig: &config.LoadResult{}})
	require.Error(t, err)
}

func TestNew_RejectsMissingOrigin(t *testing.T) {
	cfg := loadConfig(t, "")
	_, err := New(context.Background(), Config{AppConfig: cfg, Logger: quietLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "origin")
}

func TestApp_ServesDocumentsCacheFirst(t *testing.T) {
	var downloads atomic.Int32
	origin := newOrigin(t, &downloads)

	a, err := New(context.Background(), Config{AppConfig: loadConfig(t, origin.URL), Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	get := func(target string) string {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		return rec.Body.String()
	}

	body := get("/v1/documents/report/events")
	assert.Contains(t, body, "event: first_page")
	assert.Contains(t, body, `"source":"network"`)
	assert.Contains(t, body, "event: complete")

	require.Eventually(t, func() bool {
		_, ok := a.Cache().GetMetadata(context.Background(), "report")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "document is written back to the cache")

	body = get("/v1/documents/report/events")
	assert.Contains(t, body, `"source":"cache"`)
	assert.Equal(t, int32(1), downloads.Load())

	metrics := get("/metrics")
	assert.Contains(t, metrics, "docpipe_cache_requests_total")
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	var downloads atomic.Int32
	origin := newOrigin(t, &downloads)

	a, err := New(context.Background(), Config{AppConfig: loadConfig(t, origin.URL), Logger: quietLogger()})
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))

	// Loads after shutdown fail fast instead of hanging
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/documents/report/events", nil))
	assert.Contains(t, rec.Body.String(), "event: error")
}
