package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/orchestrator"
)

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server aggregates handlers dependencies.
type Server struct {
	Orch   *orchestrator.Orchestrator
	Checks []ReadinessCheck
}

// NewServer constructs the API over o.
func NewServer(o *orchestrator.Orchestrator, checks ...ReadinessCheck) *Server {
	return &Server{Orch: o, Checks: checks}
}

// knownProvider reports whether provider appears in any ranking.
func (s *Server) knownProvider(provider domain.ProviderID) bool {
	for _, c := range s.Orch.Fallback.Capabilities() {
		for _, cand := range s.Orch.Fallback.Ranking(c) {
			if cand.Provider == provider {
				return true
			}
		}
	}
	return false
}

func (s *Server) providerParam(r *http.Request) (domain.ProviderID, error) {
	p := domain.ProviderID(chi.URLParam(r, "provider"))
	if !s.knownProvider(p) {
		return "", fmt.Errorf("provider %q: %w", p, domain.ErrNotFound)
	}
	return p, nil
}

func (s *Server) capabilityParam(r *http.Request) (domain.Capability, error) {
	c := domain.Capability(chi.URLParam(r, "capability"))
	if len(s.Orch.Fallback.Ranking(c)) == 0 {
		return "", fmt.Errorf("capability %q: %w", c, domain.ErrNotFound)
	}
	return c, nil
}

// CacheStatsHandler returns the cache counters.
func (s *Server) CacheStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Orch.Cache.Stats())
	}
}

// CacheCleanupHandler drops expired entries.
func (s *Server) CacheCleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"removed": s.Orch.Cache.Cleanup()})
	}
}

// CircuitsHandler lists every circuit.
func (s *Server) CircuitsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"circuits":      s.Orch.Circuits.AllStatuses(),
			"forced_resets": s.Orch.Circuits.ForcedResets(),
		})
	}
}

// CircuitHandler returns the circuit of one provider.
func (s *Server) CircuitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.providerParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, s.Orch.Circuits.Status(p))
	}
}

// ResetCircuitHandler closes the circuit of one provider.
func (s *Server) ResetCircuitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.providerParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		changed := s.Orch.Circuits.Reset(p)
		LoggerFrom(r).Info("circuit reset requested", slog.String("provider", string(p)), slog.Bool("changed", changed))
		writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "circuit": s.Orch.Circuits.Status(p)})
	}
}

// RateLimitHandler returns the quota usage of one provider.
func (s *Server) RateLimitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.providerParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, s.Orch.Limits.Status(p))
	}
}

// SetPlanHandler switches the active plan.
func (s *Server) SetPlanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req planRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, errorDetails(err))
			return
		}
		if err := s.Orch.Limits.SetPlan(req.Plan); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]domain.PlanTier{"plan": s.Orch.Limits.Plan()})
	}
}

// FallbackStatsHandler returns the fallback statistics.
func (s *Server) FallbackStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Orch.Fallback.Stats())
	}
}

// BestProviderHandler returns the provider a call of the capability would
// start with, and the nominal primary according to health.
func (s *Server) BestProviderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.capabilityParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		primary, err := s.Orch.Health.GetBestProvider(c)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"capability":   c,
			"provider":     s.Orch.Fallback.GetBestProvider(c),
			"primary":      primary,
			"use_fallback": s.Orch.Health.ShouldUseFallback(primary),
		})
	}
}

// QueueStatsHandler returns the queue statistics.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Orch.Queue.Stats())
	}
}

// ClearQueueHandler rejects every waiting task.
func (s *Server) ClearQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := s.Orch.Queue.Clear()
		LoggerFrom(r).Warn("queue cleared", slog.Int("tasks", n))
		writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
	}
}

// ProvidersHealthHandler lists every health record.
func (s *Server) ProvidersHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"providers": s.Orch.Health.AllHealth()})
	}
}

// ProviderHealthHandler returns the health of one provider.
func (s *Server) ProviderHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.providerParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, s.Orch.Health.ProviderHealth(p))
	}
}

// AbuseStatsHandler returns the detector statistics.
func (s *Server) AbuseStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Orch.Abuse.Statistics())
	}
}

// AbuseReportsHandler lists the retained anomaly reports.
func (s *Server) AbuseReportsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"reports": s.Orch.Abuse.Reports()})
	}
}

// AbuseUserHandler returns the derived profile of one identity.
func (s *Server) AbuseUserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "identity")
		if id == "" || len(id) > 128 {
			writeError(w, r, fmt.Errorf("%w: identity must be 1-128 characters", domain.ErrInvalidArgument), nil)
			return
		}
		writeJSON(w, http.StatusOK, s.Orch.Abuse.UserStatus(id))
	}
}

// QualityHandler returns the current recommendation.
func (s *Server) QualityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Orch.Quality.GetRecommendation())
	}
}

// SetManualQualityHandler pins a tier.
func (s *Server) SetManualQualityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req manualQualityRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, errorDetails(err))
			return
		}
		if err := s.Orch.Quality.SetManualQuality(req.Tier); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, s.Orch.Quality.GetRecommendation())
	}
}

// AutoQualityHandler drops the manual tier.
func (s *Server) AutoQualityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.Orch.Quality.EnableAutoAdjust()
		writeJSON(w, http.StatusOK, s.Orch.Quality.GetRecommendation())
	}
}

// SignalsHandler replaces the client network and device signals.
func (s *Server) SignalsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signalsRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, errorDetails(err))
			return
		}
		s.Orch.Quality.UpdateSignals(req.signals())
		writeJSON(w, http.StatusOK, s.Orch.Quality.GetRecommendation())
	}
}

// LatencyHandler feeds one client-observed latency sample.
func (s *Server) LatencyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req latencyRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, errorDetails(err))
			return
		}
		s.Orch.Quality.RecordLatency(time.Duration(req.LatencyMillis) * time.Millisecond)
		writeJSON(w, http.StatusOK, s.Orch.Quality.GetRecommendation())
	}
}

// CapabilityHandler runs a request through the full pipeline. Identity,
// origin and client signature default to the X-Identity, Origin and
// User-Agent headers.
func (s *Server) CapabilityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.capabilityParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req capabilityRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, errorDetails(err))
			return
		}
		prio, err := domain.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: priority %q", err, req.Priority), nil)
			return
		}
		var payload any = req.Payload
		if len(req.Payload) == 0 {
			if req.Text == "" {
				writeError(w, r, fmt.Errorf("%w: text or payload required", domain.ErrInvalidArgument), nil)
				return
			}
			payload = map[string]string{"text": req.Text}
		}
		resp, err := s.Orch.Execute(r.Context(), orchestrator.Request{
			Capability:      c,
			Identity:        firstNonEmpty(req.Identity, r.Header.Get("X-Identity")),
			Text:            req.Text,
			Payload:         payload,
			Priority:        prio,
			Origin:          firstNonEmpty(req.Origin, r.Header.Get("Origin")),
			ClientSignature: firstNonEmpty(req.ClientSignature, r.Header.Get("User-Agent")),
			SkipProviders:   req.SkipProviders,
			ForceProvider:   req.ForceProvider,
			Timeout:         time.Duration(req.TimeoutMillis) * time.Millisecond,
			MaxRetries:      req.MaxRetries,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// MetricsSummaryHandler returns the in-process metrics.
func (s *Server) MetricsSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Orch.Metrics.Summary())
	}
}

// MetricsResetHandler clears the in-process metrics.
func (s *Server) MetricsResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.Orch.Metrics.Reset()
		w.WriteHeader(http.StatusNoContent)
	}
}

// ReadyzHandler runs every readiness check under a short deadline.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(s.Checks))
		st := http.StatusOK
		for _, c := range s.Checks {
			res := check{Name: c.Name, OK: true}
			if err := c.Check(ctx); err != nil {
				res.OK, res.Details = false, err.Error()
				st = http.StatusServiceUnavailable
			}
			checks = append(checks, res)
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// Routes mounts every handler on r. capabilityMW wraps only the pipeline
// endpoint, which is the one worth rate limiting.
func (s *Server) Routes(r chi.Router, capabilityMW ...func(http.Handler) http.Handler) {
	r.Route("/v1", func(r chi.Router) {
		r.With(capabilityMW...).Post("/capabilities/{capability}", s.CapabilityHandler())

		r.Get("/cache/stats", s.CacheStatsHandler())
		r.Post("/cache/cleanup", s.CacheCleanupHandler())

		r.Get("/circuits", s.CircuitsHandler())
		r.Get("/circuits/{provider}", s.CircuitHandler())
		r.Post("/circuits/{provider}/reset", s.ResetCircuitHandler())

		r.Get("/ratelimits/{provider}", s.RateLimitHandler())
		r.Put("/ratelimits/plan", s.SetPlanHandler())

		r.Get("/fallback/stats", s.FallbackStatsHandler())
		r.Get("/fallback/{capability}/best", s.BestProviderHandler())

		r.Get("/queue/stats", s.QueueStatsHandler())
		r.Delete("/queue", s.ClearQueueHandler())

		r.Get("/health/providers", s.ProvidersHealthHandler())
		r.Get("/health/providers/{provider}", s.ProviderHealthHandler())

		r.Get("/abuse/stats", s.AbuseStatsHandler())
		r.Get("/abuse/reports", s.AbuseReportsHandler())
		r.Get("/abuse/users/{identity}", s.AbuseUserHandler())

		r.Get("/quality", s.QualityHandler())
		r.Put("/quality/manual", s.SetManualQualityHandler())
		r.Delete("/quality/manual", s.AutoQualityHandler())
		r.Post("/quality/signals", s.SignalsHandler())
		r.Post("/quality/latency", s.LatencyHandler())

		r.Get("/metrics/summary", s.MetricsSummaryHandler())
		r.Post("/metrics/reset", s.MetricsResetHandler())
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
