// Package fallback runs a capability call against its ranked providers until
// one succeeds, gating each attempt on circuit and quota state.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/observability"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/ratelimiter"
)

// StoreKey is the persistence namespace of the fallback statistics.
const StoreKey = "fallback"

// DefaultTimeout applies to candidates without a configured timeout.
const DefaultTimeout = 30 * time.Second

// Candidate is one ranked provider of a capability.
type Candidate struct {
	Provider     domain.ProviderID `json:"provider" yaml:"provider" validate:"required"`
	Priority     int               `json:"priority" yaml:"priority" validate:"gte=0"`
	Timeout      time.Duration     `json:"timeout" yaml:"timeout" validate:"gte=0"`
	CostEstimate float64           `json:"cost_estimate" yaml:"cost_estimate" validate:"gte=0"`
}

// Rankings maps each capability to its candidates.
type Rankings map[domain.Capability][]Candidate

// Breaker is the circuit breaker the strategy consults.
type Breaker interface {
	CanExecute(provider domain.ProviderID) bool
	Allows(provider domain.ProviderID) bool
	RecordSuccess(provider domain.ProviderID)
	RecordFailure(provider domain.ProviderID)
}

// Limiter is the quota check the strategy consults.
type Limiter interface {
	TryRequest(provider domain.ProviderID, identity string) ratelimiter.Decision
}

// HealthReporter receives live call outcomes.
type HealthReporter interface {
	ReportSuccess(provider domain.ProviderID, latency time.Duration)
	ReportFailure(provider domain.ProviderID, err error)
	IsDown(provider domain.ProviderID) bool
}

// Deps are the collaborators of the strategy. Nil collaborators are skipped.
type Deps struct {
	Clock         domain.Clock
	Breaker       Breaker
	Limiter       Limiter
	Health        HealthReporter
	Sink          domain.EventSink
	LocalFallback domain.ProviderID
}

// Options narrow a single execution.
type Options struct {
	SkipProviders []domain.ProviderID
	ForceProvider domain.ProviderID
	// Timeout replaces every candidate timeout when positive.
	Timeout time.Duration
	// Deadline, when set, caps the timeout of every remote candidate at the
	// time left until it. Remote candidates are skipped once it has passed;
	// the local fallback keeps its own timeout.
	Deadline time.Time
	Identity string
}

// Result is a successful execution.
type Result struct {
	Value         any                   `json:"value"`
	Provider      domain.ProviderID     `json:"provider"`
	Latency       time.Duration         `json:"latency"`
	FallbackUsed  bool                  `json:"fallback_used"`
	FallbackDepth int                   `json:"fallback_depth"`
	// Executed counts the executor calls made, the winning one included.
	Executed int                   `json:"executed"`
	Attempts []domain.AttemptError `json:"-"`
}

// CapabilityStats are the counters of one capability.
type CapabilityStats struct {
	Requests     int64         `json:"requests"`
	Successes    int64         `json:"successes"`
	Exhausted    int64         `json:"exhausted"`
	Fallbacks    int64         `json:"fallbacks"`
	TotalDepth   int64         `json:"total_depth"`
	TotalLatency time.Duration `json:"total_latency"`
	AvgDepth     float64       `json:"avg_depth"`
	AvgLatency   time.Duration `json:"avg_latency"`
}

// ProviderStats are the counters of one provider across capabilities.
type ProviderStats struct {
	Wins     int64 `json:"wins"`
	Failures int64 `json:"failures"`
	Timeouts int64 `json:"timeouts"`
	Skipped  int64 `json:"skipped"`
}

// Stats is the full statistics view.
type Stats struct {
	Capabilities map[domain.Capability]CapabilityStats `json:"capabilities"`
	Providers    map[domain.ProviderID]ProviderStats   `json:"providers"`
}

// Strategy executes capability calls over ranked providers.
type Strategy struct {
	deps     Deps
	rankings Rankings

	mu        sync.Mutex
	caps      map[domain.Capability]*CapabilityStats
	providers map[domain.ProviderID]*ProviderStats
}

// New builds a strategy. Candidates are ordered by ascending priority,
// keeping the configured order on ties.
func New(rankings Rankings, deps Deps) *Strategy {
	if deps.Sink == nil {
		deps.Sink = domain.NopSink{}
	}
	if deps.LocalFallback == "" {
		deps.LocalFallback = domain.ProviderLocalFallback
	}
	sorted := make(Rankings, len(rankings))
	for capability, cands := range rankings {
		cp := append([]Candidate(nil), cands...)
		sort.SliceStable(cp, func(i, j int) bool { return cp[i].Priority < cp[j].Priority })
		sorted[capability] = cp
	}
	return &Strategy{
		deps:      deps,
		rankings:  sorted,
		caps:      make(map[domain.Capability]*CapabilityStats),
		providers: make(map[domain.ProviderID]*ProviderStats),
	}
}

// Ranking returns the ordered candidates of capability.
func (s *Strategy) Ranking(capability domain.Capability) []Candidate {
	return append([]Candidate(nil), s.rankings[capability]...)
}

// Capabilities lists the capabilities with a ranking.
func (s *Strategy) Capabilities() []domain.Capability {
	out := make([]domain.Capability, 0, len(s.rankings))
	for c := range s.rankings {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsLocal reports whether provider is the always-available local fallback.
func (s *Strategy) IsLocal(provider domain.ProviderID) bool {
	return provider == s.deps.LocalFallback
}

func (s *Strategy) effective(capability domain.Capability, opts Options) []Candidate {
	ranking := s.rankings[capability]
	if opts.ForceProvider != "" {
		for _, c := range ranking {
			if c.Provider == opts.ForceProvider {
				return []Candidate{c}
			}
		}
		return nil
	}
	skip := make(map[domain.ProviderID]struct{}, len(opts.SkipProviders))
	for _, p := range opts.SkipProviders {
		skip[p] = struct{}{}
	}
	out := make([]Candidate, 0, len(ranking))
	for _, c := range ranking {
		if _, ok := skip[c.Provider]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// ExecuteWithFallback tries each eligible candidate of capability in order.
// The local fallback bypasses circuit and quota gates. It returns an
// *domain.AllProvidersFailedError once every candidate is exhausted.
func (s *Strategy) ExecuteWithFallback(
	ctx context.Context,
	capability domain.Capability,
	executors map[domain.ProviderID]domain.Executor,
	payload any,
	opts Options,
) (Result, error) {
	tracer := otel.Tracer("fallback")
	ctx, span := tracer.Start(ctx, "fallback.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("capability", string(capability)))
	ctx = observability.WithCall(ctx, observability.Call{Capability: capability})
	lg := observability.Logger(ctx)

	candidates := s.effective(capability, opts)
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	var (
		attempts []domain.AttemptError
		lastErr  error
		executed int
	)
	for depth, c := range candidates {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		exec, ok := executors[c.Provider]
		if !ok || exec == nil {
			attempts = append(attempts, domain.AttemptError{Provider: c.Provider,
				Err: fmt.Errorf("op=fallback.Execute provider=%s: no executor: %w", c.Provider, domain.ErrNotFound)})
			continue
		}
		timeout := c.Timeout
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		if !opts.Deadline.IsZero() && !s.IsLocal(c.Provider) {
			left := opts.Deadline.Sub(s.deps.Clock.Now())
			if left <= 0 {
				err := fmt.Errorf("op=fallback.Execute provider=%s: latency budget spent: %w", c.Provider, domain.ErrTimeout)
				attempts = append(attempts, domain.AttemptError{Provider: c.Provider, Err: err})
				lastErr = err
				continue
			}
			if left < timeout {
				timeout = left
			}
		}

		if err := s.admit(c.Provider, opts.Identity); err != nil {
			s.countSkipped(c.Provider)
			attempts = append(attempts, domain.AttemptError{Provider: c.Provider, Err: err})
			lastErr = err
			continue
		}

		executed++
		value, latency, err := s.attempt(ctx, capability, c.Provider, exec, payload, timeout)
		if err == nil {
			res := Result{
				Value:         value,
				Provider:      c.Provider,
				Latency:       latency,
				FallbackUsed:  depth > 0,
				FallbackDepth: depth,
				Executed:      executed,
				Attempts:      attempts,
			}
			s.countSuccess(capability, res)
			span.SetAttributes(
				attribute.String("provider", string(c.Provider)),
				attribute.Int("fallback.depth", depth),
				attribute.Bool("fallback.used", depth > 0),
			)
			span.SetStatus(codes.Ok, "success")
			if depth > 0 {
				lg.Debug("fallback provider served request",
					slog.String("provider", string(c.Provider)),
					slog.Int("depth", depth))
			}
			return res, nil
		}
		attempts = append(attempts, domain.AttemptError{Provider: c.Provider, Err: err})
		lastErr = err
	}

	s.countExhausted(capability)
	fail := &domain.AllProvidersFailedError{Capability: capability, LastErr: lastErr, Attempts: attempts}
	span.RecordError(fail)
	span.SetStatus(codes.Error, "all providers failed")
	lg.Warn("all providers failed",
		slog.Int("attempts", len(attempts)),
		slog.Any("error", lastErr))
	return Result{Executed: executed, Attempts: attempts}, fail
}

func (s *Strategy) admit(provider domain.ProviderID, identity string) error {
	if s.IsLocal(provider) {
		return nil
	}
	if s.deps.Breaker != nil && !s.deps.Breaker.CanExecute(provider) {
		return fmt.Errorf("op=fallback.admit provider=%s: %w", provider, domain.ErrCircuitOpen)
	}
	if s.deps.Limiter != nil {
		if d := s.deps.Limiter.TryRequest(provider, identity); !d.Allowed {
			return d.Err(provider)
		}
	}
	return nil
}

type outcome struct {
	value any
	err   error
}

// attempt races one executor against timeout. A timed-out executor keeps
// running; its result lands in the buffered channel and is dropped.
func (s *Strategy) attempt(
	ctx context.Context,
	capability domain.Capability,
	provider domain.ProviderID,
	exec domain.Executor,
	payload any,
	timeout time.Duration,
) (any, time.Duration, error) {
	ctx, span := otel.Tracer("fallback").Start(ctx, "fallback.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", string(provider)),
		attribute.Float64("timeout.seconds", timeout.Seconds()),
	)

	start := s.deps.Clock.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", rec)}
			}
		}()
		v, err := exec(ctx, payload)
		done <- outcome{value: v, err: err}
	}()

	var (
		res       outcome
		timedOut  bool
		cancelled bool
	)
	select {
	case res = <-done:
		if res.err != nil && ctx.Err() != nil && errors.Is(res.err, ctx.Err()) {
			cancelled = true
			res.err = fmt.Errorf("op=fallback.attempt provider=%s: %w", provider, res.err)
		} else if res.err != nil {
			res.err = &domain.ProviderError{Provider: provider, Err: res.err}
		}
	case <-s.deps.Clock.After(timeout):
		timedOut = true
		res.err = fmt.Errorf("op=fallback.attempt provider=%s timeout=%s: %w", provider, timeout, domain.ErrTimeout)
	case <-ctx.Done():
		cancelled = true
		res.err = fmt.Errorf("op=fallback.attempt provider=%s: %w", provider, ctx.Err())
	}
	latency := s.deps.Clock.Now().Sub(start)

	s.record(capability, provider, latency, res.err, timedOut, cancelled)
	if res.err != nil {
		if timedOut {
			span.SetStatus(codes.Error, "timeout")
			span.SetAttributes(attribute.Bool("timeout", true))
		} else {
			span.SetStatus(codes.Error, res.err.Error())
		}
		span.SetAttributes(attribute.Bool("success", false))
		return nil, latency, res.err
	}
	span.SetStatus(codes.Ok, "success")
	span.SetAttributes(attribute.Bool("success", true), attribute.Float64("duration.seconds", latency.Seconds()))
	return res.value, latency, nil
}

// record feeds an attempt outcome to the breaker, health and event sink. The
// local fallback is never tracked by the breaker. An attempt cut short by the
// caller is not an outcome of the provider and is not recorded at all.
func (s *Strategy) record(
	capability domain.Capability,
	provider domain.ProviderID,
	latency time.Duration,
	err error,
	timedOut, cancelled bool,
) {
	if cancelled {
		return
	}
	ev := domain.CallOutcome{
		Capability: capability,
		Provider:   provider,
		Success:    err == nil,
		TimedOut:   timedOut,
		Latency:    latency,
		At:         s.deps.Clock.Now(),
	}
	if err != nil {
		ev.Error = errorClass(err)
	}
	s.deps.Sink.Publish(ev)

	if err == nil {
		if s.deps.Breaker != nil && !s.IsLocal(provider) {
			s.deps.Breaker.RecordSuccess(provider)
		}
		if s.deps.Health != nil {
			s.deps.Health.ReportSuccess(provider, latency)
		}
		return
	}
	if s.deps.Breaker != nil && !s.IsLocal(provider) {
		s.deps.Breaker.RecordFailure(provider)
	}
	if s.deps.Health != nil {
		s.deps.Health.ReportFailure(provider, err)
	}
	s.mu.Lock()
	ps := s.providerLocked(provider)
	ps.Failures++
	if timedOut {
		ps.Timeouts++
	}
	s.mu.Unlock()
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrProviderError):
		return "provider_error"
	default:
		return "error"
	}
}

func (s *Strategy) capLocked(c domain.Capability) *CapabilityStats {
	cs, ok := s.caps[c]
	if !ok {
		cs = &CapabilityStats{}
		s.caps[c] = cs
	}
	return cs
}

func (s *Strategy) providerLocked(p domain.ProviderID) *ProviderStats {
	ps, ok := s.providers[p]
	if !ok {
		ps = &ProviderStats{}
		s.providers[p] = ps
	}
	return ps
}

func (s *Strategy) countSuccess(c domain.Capability, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.capLocked(c)
	cs.Requests++
	cs.Successes++
	cs.TotalDepth += int64(res.FallbackDepth)
	cs.TotalLatency += res.Latency
	if res.FallbackUsed {
		cs.Fallbacks++
	}
	s.providerLocked(res.Provider).Wins++
}

func (s *Strategy) countExhausted(c domain.Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.capLocked(c)
	cs.Requests++
	cs.Exhausted++
}

func (s *Strategy) countSkipped(p domain.ProviderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerLocked(p).Skipped++
}

// GetBestProvider returns the first candidate of capability whose circuit
// allows calls and which health does not report down, or the local fallback.
func (s *Strategy) GetBestProvider(capability domain.Capability) domain.ProviderID {
	for _, c := range s.rankings[capability] {
		if s.IsLocal(c.Provider) {
			return c.Provider
		}
		if s.deps.Breaker != nil && !s.deps.Breaker.Allows(c.Provider) {
			continue
		}
		if s.deps.Health != nil && s.deps.Health.IsDown(c.Provider) {
			continue
		}
		return c.Provider
	}
	return s.deps.LocalFallback
}

// Stats returns a copy of the statistics with averages filled in.
func (s *Strategy) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		Capabilities: make(map[domain.Capability]CapabilityStats, len(s.caps)),
		Providers:    make(map[domain.ProviderID]ProviderStats, len(s.providers)),
	}
	for c, cs := range s.caps {
		v := *cs
		if v.Successes > 0 {
			v.AvgDepth = float64(v.TotalDepth) / float64(v.Successes)
			v.AvgLatency = v.TotalLatency / time.Duration(v.Successes)
		}
		out.Capabilities[c] = v
	}
	for p, ps := range s.providers {
		out.Providers[p] = *ps
	}
	return out
}

// Snapshot serializes the statistics for the store.
func (s *Strategy) Snapshot() ([]byte, error) {
	return json.Marshal(s.Stats())
}

// Restore replaces the statistics with a snapshot.
func (s *Strategy) Restore(data []byte) error {
	var st Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = make(map[domain.Capability]*CapabilityStats, len(st.Capabilities))
	for c, cs := range st.Capabilities {
		v := cs
		s.caps[c] = &v
	}
	s.providers = make(map[domain.ProviderID]*ProviderStats, len(st.Providers))
	for p, ps := range st.Providers {
		v := ps
		s.providers[p] = &v
	}
	return nil
}
