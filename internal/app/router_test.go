package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/store/memstore"
	"github.com/fairyhunter13/capability-orchestrator/internal/app"
	"github.com/fairyhunter13/capability-orchestrator/internal/clock"
	"github.com/fairyhunter13/capability-orchestrator/internal/config"
	"github.com/fairyhunter13/capability-orchestrator/internal/orchestrator"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{" , ,", []string{"*"}},
		{"https://a.example", []string{"https://a.example"}},
		{" https://a.example , https://b.example ", []string{"https://a.example", "https://b.example"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, app.ParseOrigins(tc.in), tc.in)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestBuildReadinessChecks(t *testing.T) {
	t.Parallel()
	checks := app.BuildReadinessChecks(nil, nil)
	require.Len(t, checks, 1)
	assert.Equal(t, "store", checks[0].Name)
	assert.Error(t, checks[0].Check(context.Background()))

	down := errors.New("broker down")
	checks = app.BuildReadinessChecks(
		pingFunc(func(context.Context) error { return nil }),
		pingFunc(func(context.Context) error { return down }),
	)
	require.Len(t, checks, 2)
	assert.NoError(t, checks[0].Check(context.Background()))
	assert.Equal(t, "events", checks[1].Name)
	assert.ErrorIs(t, checks[1].Check(context.Background()), down)
}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	cat, err := config.DefaultCatalog()
	require.NoError(t, err)
	cfg := config.Config{CORSAllowOrigins: "https://console.example", RateLimitPerMin: 2, RequestTimeout: time.Second}
	o, err := orchestrator.New(orchestrator.Config{Rankings: cat.Rankings, LocalFallback: cat.LocalFallback}, orchestrator.Deps{
		Clock: clock.NewFake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)),
		Store: memstore.New(),
	})
	require.NoError(t, err)
	return app.BuildRouter(cfg, httpserver.NewServer(o, app.BuildReadinessChecks(pingFunc(func(context.Context) error { return nil }), nil)...))
}

func TestBuildRouter_OperationalEndpoints(t *testing.T) {
	t.Parallel()
	h := newRouter(t)
	for _, target := range []string{"/healthz", "/readyz", "/metrics", "/v1/circuits", "/v1/fallback/video/best"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusOK, rec.Code, target)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"), target)
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"), target)
	}
}

func TestBuildRouter_CORS(t *testing.T) {
	t.Parallel()
	h := newRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	req.Header.Set("Origin", "https://console.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://console.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestBuildRouter_RateLimitsCapabilityCallsOnly(t *testing.T) {
	t.Parallel()
	h := newRouter(t)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/capabilities/tts", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusBadRequest, codes[0], "empty body")
	assert.Equal(t, http.StatusTooManyRequests, codes[2])

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
