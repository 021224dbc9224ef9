package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Executor attempts by capability, provider and outcome",
		},
		[]string{"capability", "provider", "outcome"},
	)
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Executor attempt duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"capability", "provider"},
	)
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Circuit state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)
	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_transitions_total",
			Help: "Circuit state changes by provider and target state",
		},
		[]string{"provider", "to"},
	)
	CircuitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_rejections_total",
			Help: "Calls refused by an open circuit",
		},
		[]string{"provider"},
	)
	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limit rejections and approaching-limit warnings",
		},
		[]string{"provider", "plan", "decision"},
	)
	AnomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "abuse_anomalies_total",
			Help: "Identities throttled by the abuse detector",
		},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)
	QueueTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_total",
			Help: "Queue task lifecycle steps",
		},
		[]string{"capability", "kind"},
	)
	QueueWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_wait_duration_seconds",
			Help:    "Time a task waited before it started",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"capability"},
	)
	ProviderHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_health",
			Help: "Provider health (0 unknown, 1 healthy, 2 degraded, 3 down)",
		},
		[]string{"provider"},
	)
)

var registerOnce sync.Once

// InitMetrics registers every collector with the default registry. Repeated
// calls are no-ops.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			ProviderCallsTotal,
			ProviderCallDuration,
			CircuitState,
			CircuitTransitionsTotal,
			CircuitRejectionsTotal,
			RateLimitDecisionsTotal,
			AnomaliesTotal,
			CacheLookupsTotal,
			QueueTasksTotal,
			QueueWaitDuration,
			ProviderHealth,
		)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

func circuitValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

func healthValue(status string) float64 {
	switch status {
	case "healthy":
		return 1
	case "degraded":
		return 2
	case "down":
		return 3
	default:
		return 0
	}
}

// PromSink mirrors orchestration events into the Prometheus collectors.
type PromSink struct{}

// Publish implements domain.EventSink.
func (PromSink) Publish(ev domain.Event) {
	switch e := ev.(type) {
	case domain.CallOutcome:
		outcome := "success"
		switch {
		case e.TimedOut:
			outcome = "timeout"
		case !e.Success:
			outcome = "failure"
		}
		ProviderCallsTotal.WithLabelValues(string(e.Capability), string(e.Provider), outcome).Inc()
		ProviderCallDuration.WithLabelValues(string(e.Capability), string(e.Provider)).Observe(e.Latency.Seconds())
	case domain.CircuitTransition:
		CircuitTransitionsTotal.WithLabelValues(string(e.Provider), e.To).Inc()
		CircuitState.WithLabelValues(string(e.Provider)).Set(circuitValue(e.To))
	case domain.CircuitOutcome:
		CircuitState.WithLabelValues(string(e.Provider)).Set(circuitValue(e.State))
	case domain.CircuitRejected:
		CircuitRejectionsTotal.WithLabelValues(string(e.Provider)).Inc()
	case domain.RateLimitDecision:
		decision := "approaching"
		switch {
		case e.Rejected && e.Reason == domain.ErrThrottled.Error():
			decision = "throttled"
		case e.Rejected:
			decision = "rejected"
		}
		RateLimitDecisionsTotal.WithLabelValues(string(e.Provider), string(e.Plan), decision).Inc()
	case domain.AnomalyDetected:
		AnomaliesTotal.Inc()
	case domain.CacheLookup:
		result := "miss"
		if e.Hit {
			result = "hit"
		}
		CacheLookupsTotal.WithLabelValues(result).Inc()
	case domain.QueueTaskEvent:
		QueueTasksTotal.WithLabelValues(string(e.Capability), string(e.Kind)).Inc()
		if e.Kind == domain.QueueStarted {
			QueueWaitDuration.WithLabelValues(string(e.Capability)).Observe(e.Wait.Seconds())
		}
	case domain.HealthChanged:
		ProviderHealth.WithLabelValues(string(e.Provider)).Set(healthValue(e.To))
	}
}
