package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/crawl-engine/internal/config"
	"github.com/JakeFAU/crawl-engine/internal/crawler"
	memorystorage "github.com/JakeFAU/crawl-engine/internal/storage/memory"
)

type stubTransport struct {
	mu   sync.Mutex
	urls []string
}

func (s *stubTransport) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	s.urls = append(s.urls, req.URL)
	s.mu.Unlock()
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte("<html>" + req.URL + "</html>"),
	}, nil
}

func (s *stubTransport) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

func testConfig(seeds ...string) config.Config {
	return config.Config{
		Engine: config.EngineConfig{
			Concurrency:    2,
			IdleIntervalMs: 10,
			Seeds:          seeds,
		},
		HTTP:     config.HTTPConfig{Transport: config.TransportColly, TimeoutSeconds: 5},
		Storage:  config.StorageConfig{Backend: config.StorageMemory, Prefix: "pages"},
		Progress: config.ProgressConfig{Enabled: true, BufferSize: 64},
	}
}

func buildTestApp(t *testing.T, cfg config.Config, transport crawler.Transport) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t),
		WithTransport(transport),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func TestRunExitsWhenDrained(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{}
	app := buildTestApp(t, testConfig("https://example.com/a", "https://example.com/b"), transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Run(ctx, true))
	require.NoError(t, ctx.Err(), "run should end before the deadline")

	assert.ElementsMatch(t, []string{"https://example.com/a", "https://example.com/b"}, transport.fetched())
	blobs, ok := app.blobs.(*memorystorage.BlobStore)
	require.True(t, ok)
	assert.Equal(t, 2, blobs.Len())
	assert.Equal(t, crawler.StateStopped, app.Engine().State())
}

func TestRunAppliesDenyList(t *testing.T) {
	t.Parallel()

	cfg := testConfig("https://ads.example.com/x", "https://example.com/ok")
	cfg.Admission.DenyHosts = []string{"ads.example.com"}
	transport := &stubTransport{}
	app := buildTestApp(t, cfg, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Run(ctx, true))

	assert.Equal(t, []string{"https://example.com/ok"}, transport.fetched())
}

func TestHandlerServesEngineStatus(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	app := buildTestApp(t, cfg, &stubTransport{})

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/engine/status", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/engine/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"idle"`)
}

func TestBuildRejectsUnwritableLocalStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	notDir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o600))
	cfg.Storage = config.StorageConfig{Backend: config.StorageLocal, BaseDir: notDir}
	_, err := Build(context.Background(), cfg, nil, WithTransport(&stubTransport{}), WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local blob store init failed")
}
