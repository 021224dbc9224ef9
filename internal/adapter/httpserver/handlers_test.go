package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/executor"
	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/store/memstore"
	"github.com/fairyhunter13/capability-orchestrator/internal/clock"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/orchestrator"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/fallback"
)

func newAPI(t *testing.T) (http.Handler, *orchestrator.Orchestrator) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	o, err := orchestrator.New(orchestrator.Config{
		Rankings: fallback.Rankings{
			domain.CapabilityTTS: {
				{Provider: domain.ProviderTTSA, Priority: 1},
				{Provider: domain.ProviderLocalFallback, Priority: 2},
			},
			domain.CapabilityConversation: {
				{Provider: domain.ProviderLLMA, Priority: 1},
			},
		},
	}, orchestrator.Deps{Clock: clk, Store: memstore.New()})
	require.NoError(t, err)
	o.RegisterExecutor(domain.CapabilityTTS, domain.ProviderTTSA, func(_ context.Context, payload any) (any, error) {
		text, _ := executor.PayloadText(payload)
		return domain.MediaOutput{AudioRef: "s3://audio/" + text}, nil
	})
	o.RegisterExecutor(domain.CapabilityTTS, domain.ProviderLocalFallback, executor.Local(domain.CapabilityTTS))
	o.RegisterExecutor(domain.CapabilityConversation, domain.ProviderLLMA, func(context.Context, any) (any, error) {
		return nil, errors.New("llm overloaded")
	})

	srv := httpserver.NewServer(o, httpserver.ReadinessCheck{Name: "store", Check: func(context.Context) error { return nil }})
	r := chi.NewRouter()
	r.Use(httpserver.RequestID())
	srv.Routes(r)
	r.Get("/readyz", srv.ReadyzHandler())
	return r, o
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestCapability_RunsPipelineAndCaches(t *testing.T) {
	t.Parallel()
	h, o := newAPI(t)

	rec, body := do(t, h, http.MethodPost, "/v1/capabilities/tts", `{"text":"Hello there.","identity":"u1","priority":"high"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tts-a", body["provider"])
	assert.Equal(t, false, body["cached"])
	assert.NotEmpty(t, body["task_id"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec, body = do(t, h, http.MethodPost, "/v1/capabilities/tts", `{"text":"hello there"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", body["provider"])
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, int64(1), o.Cache.Stats().Hits)

	assert.Equal(t, 2, o.Abuse.UserStatus("u1").ActionCount+o.Abuse.UserStatus("").ActionCount)
}

func TestCapability_AllProvidersFailedIsGeneric503(t *testing.T) {
	t.Parallel()
	h, _ := newAPI(t)
	rec, body := do(t, h, http.MethodPost, "/v1/capabilities/conversation", `{"text":"hi","max_retries":-1}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	errBody := body["error"].(map[string]any)
	assert.Equal(t, "UNAVAILABLE", errBody["code"])
	assert.NotContains(t, errBody["message"], "llm")
}

func TestCapability_RejectsBadRequests(t *testing.T) {
	t.Parallel()
	h, _ := newAPI(t)
	cases := []struct {
		name, target, body string
		status             int
	}{
		{"unknown capability", "/v1/capabilities/hologram", `{"text":"x"}`, http.StatusNotFound},
		{"malformed json", "/v1/capabilities/tts", `{`, http.StatusBadRequest},
		{"unknown field", "/v1/capabilities/tts", `{"txt":"x"}`, http.StatusBadRequest},
		{"bad priority", "/v1/capabilities/tts", `{"text":"x","priority":"urgent"}`, http.StatusBadRequest},
		{"no text or payload", "/v1/capabilities/tts", `{}`, http.StatusBadRequest},
		{"timeout too long", "/v1/capabilities/tts", `{"text":"x","timeout_ms":999999}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := do(t, h, http.MethodPost, tc.target, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestCapability_ValidationDetails(t *testing.T) {
	t.Parallel()
	h, _ := newAPI(t)
	rec, body := do(t, h, http.MethodPost, "/v1/capabilities/tts", `{"text":"x","priority":"urgent"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "oneof", details["priority"])
}

func TestCircuitEndpoints(t *testing.T) {
	t.Parallel()
	h, o := newAPI(t)
	for i := 0; i < 5; i++ {
		o.Circuits.RecordFailure(domain.ProviderTTSA)
	}

	rec, body := do(t, h, http.MethodGet, "/v1/circuits/tts-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OPEN", body["state"])

	rec, body = do(t, h, http.MethodPost, "/v1/circuits/tts-a/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["changed"])
	rec, body = do(t, h, http.MethodPost, "/v1/circuits/tts-a/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["changed"])

	rec, body = do(t, h, http.MethodGet, "/v1/circuits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["circuits"], 2)

	rec, _ = do(t, h, http.MethodGet, "/v1/circuits/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitAndPlan(t *testing.T) {
	t.Parallel()
	h, o := newAPI(t)
	rec, body := do(t, h, http.MethodPut, "/v1/ratelimits/plan", `{"plan":"premium"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "premium", body["plan"])
	assert.Equal(t, domain.PlanPremium, o.Limits.Plan())

	rec, _ = do(t, h, http.MethodPut, "/v1/ratelimits/plan", `{"plan":"gold"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/v1/ratelimits/tts-a", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQualityEndpoints(t *testing.T) {
	t.Parallel()
	h, _ := newAPI(t)

	rec, body := do(t, h, http.MethodPost, "/v1/quality/signals", `{"network_class":"2g"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "very slow network", body["reason"])

	rec, body = do(t, h, http.MethodPut, "/v1/quality/manual", `{"tier":"high"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["manual"])

	rec, body = do(t, h, http.MethodDelete, "/v1/quality/manual", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["manual"])

	rec, _ = do(t, h, http.MethodPost, "/v1/quality/latency", `{"latency_ms":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/v1/quality/latency", `{"latency_ms":250}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoints(t *testing.T) {
	t.Parallel()
	h, _ := newAPI(t)
	for _, target := range []string{
		"/v1/cache/stats",
		"/v1/fallback/stats",
		"/v1/queue/stats",
		"/v1/health/providers",
		"/v1/health/providers/tts-a",
		"/v1/abuse/stats",
		"/v1/abuse/reports",
		"/v1/abuse/users/u1",
		"/v1/quality",
		"/v1/metrics/summary",
		"/readyz",
	} {
		rec, _ := do(t, h, http.MethodGet, target, "")
		assert.Equal(t, http.StatusOK, rec.Code, target)
	}

	rec, body := do(t, h, http.MethodGet, "/v1/fallback/tts/best", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tts-a", body["provider"])
	assert.Equal(t, "tts-a", body["primary"])

	rec, body = do(t, h, http.MethodPost, "/v1/cache/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["removed"])

	rec, body = do(t, h, http.MethodDelete, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["cleared"])

	rec, _ = do(t, h, http.MethodPost, "/v1/metrics/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestReadyz_ReportsFailingCheck(t *testing.T) {
	t.Parallel()
	_, o := newAPI(t)
	srv := httpserver.NewServer(o,
		httpserver.ReadinessCheck{Name: "store", Check: func(context.Context) error { return nil }},
		httpserver.ReadinessCheck{Name: "kafka", Check: func(context.Context) error { return errors.New("no brokers") }},
	)
	rec := httptest.NewRecorder()
	srv.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no brokers")
}
