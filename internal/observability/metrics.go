// Package observability aggregates call timing and outcome samples for every
// provider and keeps request-scoped logging helpers.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// DefaultSampleWindow bounds the latency samples kept per provider.
const DefaultSampleWindow = 200

// ProviderMetrics tracks call outcomes for one provider.
type ProviderMetrics struct {
	Provider domain.ProviderID

	// Counters
	TotalRequests   int64
	SuccessRequests int64
	FailureRequests int64
	TimeoutRequests int64

	// Latency tracking
	TotalLatency time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration
	samples      []time.Duration
	sampleCap    int

	// Error tracking
	ErrorCounts map[string]int64

	// Time tracking
	FirstRequest time.Time
	LastRequest  time.Time
	LastSuccess  time.Time
	LastFailure  time.Time

	// Circuit breaker
	CircuitState       string
	CircuitTransitions int64
	CircuitRejections  int64
}

func newProviderMetrics(provider domain.ProviderID, sampleCap int) *ProviderMetrics {
	return &ProviderMetrics{
		Provider:     provider,
		ErrorCounts:  make(map[string]int64),
		CircuitState: "closed",
		sampleCap:    sampleCap,
	}
}

func (pm *ProviderMetrics) record(ev domain.CallOutcome) {
	pm.TotalRequests++
	if pm.FirstRequest.IsZero() {
		pm.FirstRequest = ev.At
	}
	pm.LastRequest = ev.At

	switch {
	case ev.Success:
		pm.SuccessRequests++
		pm.LastSuccess = ev.At
		pm.TotalLatency += ev.Latency
		if pm.MinLatency == 0 || ev.Latency < pm.MinLatency {
			pm.MinLatency = ev.Latency
		}
		if ev.Latency > pm.MaxLatency {
			pm.MaxLatency = ev.Latency
		}
		pm.samples = append(pm.samples, ev.Latency)
		if len(pm.samples) > pm.sampleCap {
			pm.samples = pm.samples[len(pm.samples)-pm.sampleCap:]
		}
	case ev.TimedOut:
		pm.TimeoutRequests++
		pm.LastFailure = ev.At
		pm.ErrorCounts["timeout"]++
	default:
		pm.FailureRequests++
		pm.LastFailure = ev.At
		errorType := "unknown"
		if ev.Error != "" {
			errorType = ev.Error
		}
		pm.ErrorCounts[errorType]++
	}
}

// ProviderSnapshot is a read-only view of ProviderMetrics.
type ProviderSnapshot struct {
	Provider           domain.ProviderID `json:"provider"`
	TotalRequests      int64             `json:"total_requests"`
	SuccessRequests    int64             `json:"success_requests"`
	FailureRequests    int64             `json:"failure_requests"`
	TimeoutRequests    int64             `json:"timeout_requests"`
	SuccessRate        float64           `json:"success_rate"`
	AvgLatency         time.Duration     `json:"avg_latency"`
	MinLatency         time.Duration     `json:"min_latency"`
	MaxLatency         time.Duration     `json:"max_latency"`
	P50Latency         time.Duration     `json:"p50_latency"`
	P95Latency         time.Duration     `json:"p95_latency"`
	ErrorCounts        map[string]int64  `json:"error_counts"`
	LastSuccess        time.Time         `json:"last_success"`
	LastFailure        time.Time         `json:"last_failure"`
	CircuitState       string            `json:"circuit_state"`
	CircuitTransitions int64             `json:"circuit_transitions"`
	CircuitRejections  int64             `json:"circuit_rejections"`
}

func (pm *ProviderMetrics) snapshot() ProviderSnapshot {
	s := ProviderSnapshot{
		Provider:           pm.Provider,
		TotalRequests:      pm.TotalRequests,
		SuccessRequests:    pm.SuccessRequests,
		FailureRequests:    pm.FailureRequests,
		TimeoutRequests:    pm.TimeoutRequests,
		MinLatency:         pm.MinLatency,
		MaxLatency:         pm.MaxLatency,
		ErrorCounts:        make(map[string]int64, len(pm.ErrorCounts)),
		LastSuccess:        pm.LastSuccess,
		LastFailure:        pm.LastFailure,
		CircuitState:       pm.CircuitState,
		CircuitTransitions: pm.CircuitTransitions,
		CircuitRejections:  pm.CircuitRejections,
	}
	for k, v := range pm.ErrorCounts {
		s.ErrorCounts[k] = v
	}
	if pm.TotalRequests > 0 {
		s.SuccessRate = float64(pm.SuccessRequests) / float64(pm.TotalRequests)
	}
	if pm.SuccessRequests > 0 {
		s.AvgLatency = pm.TotalLatency / time.Duration(pm.SuccessRequests)
	}
	s.P50Latency = percentile(pm.samples, 0.50)
	s.P95Latency = percentile(pm.samples, 0.95)
	return s
}

// percentile uses nearest-rank over a copy of samples.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Summary aggregates every event kind the collector has seen.
type Summary struct {
	Providers          map[domain.ProviderID]ProviderSnapshot `json:"providers"`
	CircuitTransitions int64                                  `json:"circuit_transitions"`
	RateLimitRejected  int64                                  `json:"rate_limit_rejected"`
	RateLimitWarnings  int64                                  `json:"rate_limit_warnings"`
	Throttled          int64                                  `json:"throttled"`
	Anomalies          int64                                  `json:"anomalies"`
	CacheHits          int64                                  `json:"cache_hits"`
	CacheMisses        int64                                  `json:"cache_misses"`
	QueueEvents        map[domain.QueueEventKind]int64        `json:"queue_events"`
	HealthChanges      int64                                  `json:"health_changes"`
}

// Collector is the in-process MetricsCollector. It implements domain.EventSink.
type Collector struct {
	mu        sync.RWMutex
	sampleCap int
	providers map[domain.ProviderID]*ProviderMetrics

	circuitTransitions int64
	rateRejected       int64
	rateWarnings       int64
	throttled          int64
	anomalies          int64
	cacheHits          int64
	cacheMisses        int64
	queueEvents        map[domain.QueueEventKind]int64
	healthChanges      int64
}

// NewCollector returns an empty collector keeping sampleWindow latency samples
// per provider (DefaultSampleWindow when <= 0).
func NewCollector(sampleWindow int) *Collector {
	if sampleWindow <= 0 {
		sampleWindow = DefaultSampleWindow
	}
	return &Collector{
		sampleCap:   sampleWindow,
		providers:   make(map[domain.ProviderID]*ProviderMetrics),
		queueEvents: make(map[domain.QueueEventKind]int64),
	}
}

func (c *Collector) provider(id domain.ProviderID) *ProviderMetrics {
	pm, ok := c.providers[id]
	if !ok {
		pm = newProviderMetrics(id, c.sampleCap)
		c.providers[id] = pm
	}
	return pm
}

// Publish records one event.
func (c *Collector) Publish(ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case domain.CallOutcome:
		c.provider(e.Provider).record(e)
	case domain.CircuitTransition:
		c.circuitTransitions++
		pm := c.provider(e.Provider)
		pm.CircuitState = e.To
		pm.CircuitTransitions++
	case domain.CircuitOutcome:
		c.provider(e.Provider).CircuitState = e.State
	case domain.CircuitRejected:
		c.provider(e.Provider).CircuitRejections++
	case domain.RateLimitDecision:
		switch {
		case e.Rejected && e.Reason == domain.ErrThrottled.Error():
			c.throttled++
		case e.Rejected:
			c.rateRejected++
		case e.Approaching:
			c.rateWarnings++
		}
	case domain.AnomalyDetected:
		c.anomalies++
	case domain.CacheLookup:
		if e.Hit {
			c.cacheHits++
		} else {
			c.cacheMisses++
		}
	case domain.QueueTaskEvent:
		c.queueEvents[e.Kind]++
	case domain.HealthChanged:
		c.healthChanges++
	}
}

// Provider returns the metrics for one provider.
func (c *Collector) Provider(id domain.ProviderID) (ProviderSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pm, ok := c.providers[id]
	if !ok {
		return ProviderSnapshot{Provider: id, ErrorCounts: map[string]int64{}}, false
	}
	return pm.snapshot(), true
}

// Summary returns a copy of every aggregate.
func (c *Collector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		Providers:          make(map[domain.ProviderID]ProviderSnapshot, len(c.providers)),
		CircuitTransitions: c.circuitTransitions,
		RateLimitRejected:  c.rateRejected,
		RateLimitWarnings:  c.rateWarnings,
		Throttled:          c.throttled,
		Anomalies:          c.anomalies,
		CacheHits:          c.cacheHits,
		CacheMisses:        c.cacheMisses,
		QueueEvents:        make(map[domain.QueueEventKind]int64, len(c.queueEvents)),
		HealthChanges:      c.healthChanges,
	}
	for id, pm := range c.providers {
		s.Providers[id] = pm.snapshot()
	}
	for k, v := range c.queueEvents {
		s.QueueEvents[k] = v
	}
	return s
}

// Reset clears every aggregate.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = make(map[domain.ProviderID]*ProviderMetrics)
	c.queueEvents = make(map[domain.QueueEventKind]int64)
	c.circuitTransitions, c.rateRejected, c.rateWarnings = 0, 0, 0
	c.throttled, c.anomalies, c.cacheHits, c.cacheMisses, c.healthChanges = 0, 0, 0, 0, 0
}
