// Package orchestrator owns the single orchestration context: it builds every
// component over one clock and one store, runs capability requests through
// abuse tracking, cache, quality selection, the queue and the fallback chain,
// and loads and flushes the persisted state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/observability"
	"github.com/fairyhunter13/capability-orchestrator/internal/scheduler"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/abuse"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/cache"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/circuit"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/fallback"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/health"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/quality"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/queue"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/ratelimiter"
)

// CacheProvider is reported as the provider of responses served from cache.
const CacheProvider domain.ProviderID = "cache"

// Intervals are the periods of the maintenance tasks. Zero values fall back
// to defaults.
type Intervals struct {
	QueueTick      time.Duration
	CircuitSweep   time.Duration
	RateLimitPrune time.Duration
	CacheCleanup   time.Duration
	HealthProbe    time.Duration
	AbuseCleanup   time.Duration
	Persist        time.Duration
}

// DefaultIntervals returns the production periods.
func DefaultIntervals() Intervals {
	return Intervals{
		QueueTick:      100 * time.Millisecond,
		CircuitSweep:   30 * time.Second,
		RateLimitPrune: time.Minute,
		CacheCleanup:   time.Hour,
		HealthProbe:    5 * time.Minute,
		AbuseCleanup:   5 * time.Minute,
		Persist:        30 * time.Second,
	}
}

func (iv Intervals) withDefaults() Intervals {
	d := DefaultIntervals()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&iv.QueueTick, d.QueueTick)
	fill(&iv.CircuitSweep, d.CircuitSweep)
	fill(&iv.RateLimitPrune, d.RateLimitPrune)
	fill(&iv.CacheCleanup, d.CacheCleanup)
	fill(&iv.HealthProbe, d.HealthProbe)
	fill(&iv.AbuseCleanup, d.AbuseCleanup)
	fill(&iv.Persist, d.Persist)
	return iv
}

// Config gathers the component settings.
type Config struct {
	Cache         cache.Config
	Circuit       circuit.Config
	Abuse         abuse.Config
	Health        health.Config
	Quality       quality.Config
	Queue         queue.Config
	Limits        ratelimiter.Table
	Rankings      fallback.Rankings
	Intervals     Intervals
	SampleWindow  int
	LocalFallback domain.ProviderID
	// Cacheable lists the capabilities whose MediaOutput results are cached.
	Cacheable []domain.Capability
}

// Deps are the ports of the orchestration context.
type Deps struct {
	Clock domain.Clock
	Store domain.Store
	// Sink receives every event in addition to the metrics collector.
	Sink domain.EventSink
}

// Orchestrator is the orchestration context. It is built once per process and
// injected wherever a component is needed.
type Orchestrator struct {
	clock     domain.Clock
	store     domain.Store
	intervals Intervals
	cacheable map[domain.Capability]bool

	Cache    *cache.Service
	Circuits *circuit.Breaker
	Limits   *ratelimiter.Limiter
	Abuse    *abuse.Detector
	Health   *health.Service
	Fallback *fallback.Strategy
	Queue    *queue.Queue
	Quality  *quality.Service
	Metrics  *observability.Collector

	mu        sync.RWMutex
	executors map[domain.Capability]map[domain.ProviderID]domain.Executor
}

// New wires every component over deps.Clock and deps.Store.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Clock == nil {
		return nil, fmt.Errorf("op=orchestrator.New: clock is required: %w", domain.ErrInvalidArgument)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("op=orchestrator.New: store is required: %w", domain.ErrInvalidArgument)
	}
	if len(cfg.Rankings) == 0 {
		return nil, fmt.Errorf("op=orchestrator.New: no capability rankings: %w", domain.ErrInvalidArgument)
	}
	if cfg.Cacheable == nil {
		cfg.Cacheable = []domain.Capability{domain.CapabilityVideo, domain.CapabilityTTS}
	}

	metrics := observability.NewCollector(cfg.SampleWindow)
	sink := domain.MultiSink{metrics, deps.Sink}
	clk := deps.Clock

	o := &Orchestrator{
		clock:     clk,
		store:     deps.Store,
		intervals: cfg.Intervals.withDefaults(),
		cacheable: make(map[domain.Capability]bool, len(cfg.Cacheable)),
		Metrics:   metrics,
		executors: make(map[domain.Capability]map[domain.ProviderID]domain.Executor),
	}
	for _, c := range cfg.Cacheable {
		o.cacheable[c] = true
	}

	o.Cache = cache.New(cfg.Cache, clk, deps.Store, sink)
	o.Circuits = circuit.New(cfg.Circuit, clk, sink)
	o.Abuse = abuse.New(cfg.Abuse, clk, sink)
	o.Limits = ratelimiter.New(cfg.Limits, clk, o.Abuse, sink)
	o.Health = health.New(cfg.Health, clk, sink)
	o.Quality = quality.New(cfg.Quality)
	o.Queue = queue.New(cfg.Queue, clk, sink)
	o.Fallback = fallback.New(cfg.Rankings, fallback.Deps{
		Clock:         clk,
		Breaker:       o.Circuits,
		Limiter:       o.Limits,
		Health:        o.Health,
		Sink:          sink,
		LocalFallback: cfg.LocalFallback,
	})

	for _, capability := range o.Fallback.Capabilities() {
		ranking := o.Fallback.Ranking(capability)
		ids := make([]domain.ProviderID, 0, len(ranking))
		for _, c := range ranking {
			ids = append(ids, c.Provider)
			if !o.Fallback.IsLocal(c.Provider) {
				o.Circuits.Register(c.Provider)
			}
		}
		o.Health.SetRanking(capability, ids)
	}
	return o, nil
}

// RegisterExecutor binds the executor of provider for capability.
func (o *Orchestrator) RegisterExecutor(capability domain.Capability, provider domain.ProviderID, exec domain.Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.executors[capability]
	if !ok {
		m = make(map[domain.ProviderID]domain.Executor)
		o.executors[capability] = m
	}
	m[provider] = exec
}

// RegisterProbe binds the liveness probe of provider.
func (o *Orchestrator) RegisterProbe(provider domain.ProviderID, p domain.Prober) {
	o.Health.RegisterProbe(provider, p)
}

func (o *Orchestrator) executorsFor(capability domain.Capability) map[domain.ProviderID]domain.Executor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[domain.ProviderID]domain.Executor, len(o.executors[capability]))
	for p, e := range o.executors[capability] {
		out[p] = e
	}
	return out
}

// Request is one capability call submitted to the pipeline.
type Request struct {
	Capability domain.Capability `json:"capability"`
	Identity   string            `json:"identity"`
	// Text is the cache key source for cacheable capabilities.
	Text            string              `json:"text"`
	Payload         any                 `json:"payload"`
	Priority        domain.Priority     `json:"priority"`
	Origin          string              `json:"origin"`
	ClientSignature string              `json:"client_signature"`
	SkipProviders   []domain.ProviderID `json:"skip_providers"`
	ForceProvider   domain.ProviderID   `json:"force_provider"`
	Timeout         time.Duration       `json:"timeout"`
	MaxRetries      int                 `json:"max_retries"`
}

// Response is the result envelope of a pipeline run.
type Response struct {
	TaskID        string             `json:"task_id,omitempty"`
	Value         any                `json:"value"`
	Provider      domain.ProviderID  `json:"provider"`
	Cached        bool               `json:"cached"`
	FallbackUsed  bool               `json:"fallback_used"`
	FallbackDepth int                `json:"fallback_depth"`
	Latency       time.Duration      `json:"latency"`
	Quality       domain.QualityTier `json:"quality"`
}

// Do runs payload through the pipeline with default options.
func (o *Orchestrator) Do(ctx context.Context, capability domain.Capability, payload any) (any, error) {
	resp, err := o.Execute(ctx, Request{Capability: capability, Payload: payload, Priority: domain.PriorityMedium})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Execute runs req through the full pipeline. Every provider failure is
// absorbed by the fallback chain, so callers only see ErrInvalidArgument,
// ErrAllProvidersFailed, ErrTimeout (stale in queue), ErrQueueCleared or a
// context error.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Response, error) {
	if len(o.Fallback.Ranking(req.Capability)) == 0 {
		return Response{}, fmt.Errorf("op=orchestrator.Execute capability=%q: %w", req.Capability, domain.ErrInvalidArgument)
	}
	ctx = observability.WithCall(ctx, observability.Call{Identity: req.Identity, Capability: req.Capability})
	lg := observability.Logger(ctx)
	start := o.clock.Now()
	rec := o.Quality.GetRecommendation()

	cacheable := o.cacheable[req.Capability] && req.Text != "" && o.Cache.Cacheable(req.Text)
	if cacheable {
		if art, ok := o.Cache.Get(req.Text); ok {
			o.recordAction(req, false)
			return Response{
				Value:    domain.MediaOutput{VideoRef: art.VideoRef, AudioRef: art.AudioRef, Text: art.OriginalText},
				Provider: CacheProvider,
				Cached:   true,
				Quality:  rec.Profile.Tier,
			}, nil
		}
	}

	// A caller timeout replaces the candidate timeouts; otherwise the tier's
	// latency budget bounds every remote attempt.
	opts := fallback.Options{
		SkipProviders: o.skipped(req, rec),
		ForceProvider: req.ForceProvider,
		Timeout:       req.Timeout,
		Identity:      req.Identity,
	}
	staleAfter := req.Timeout
	if req.Timeout <= 0 {
		opts.Deadline = start.Add(rec.Profile.MaxLatencyBudget)
		staleAfter = rec.Profile.MaxLatencyBudget
	}
	execs := o.executorsFor(req.Capability)
	h := o.Queue.Enqueue(ctx, queue.Request{
		Capability: req.Capability,
		Priority:   req.Priority,
		Payload:    req.Payload,
		Timeout:    staleAfter,
		MaxRetries: req.MaxRetries,
	}, func(ctx context.Context, payload any) (any, error) {
		return o.Fallback.ExecuteWithFallback(ctx, req.Capability, execs, payload, opts)
	})

	v, err := h.Wait(ctx)
	if err != nil {
		o.recordAction(req, true)
		lg.Warn("capability request failed",
			slog.String("task_id", h.ID),
			slog.Any("error", err))
		return Response{TaskID: h.ID, Quality: rec.Profile.Tier}, err
	}
	res, ok := v.(fallback.Result)
	if !ok {
		return Response{TaskID: h.ID, Quality: rec.Profile.Tier}, fmt.Errorf("op=orchestrator.Execute task=%s: unexpected result %T", h.ID, v)
	}
	o.recordAction(req, false)
	elapsed := o.clock.Now().Sub(start)
	// Answers from the local fallback alone say nothing about provider latency.
	if !o.Fallback.IsLocal(res.Provider) || res.Executed > 1 {
		o.Quality.RecordLatency(elapsed)
	}

	if cacheable && !o.Fallback.IsLocal(res.Provider) {
		if out, ok := mediaOutput(res.Value); ok && (out.VideoRef != "" || out.AudioRef != "") {
			o.Cache.Set(req.Text, out.VideoRef, out.AudioRef)
		}
	}
	if res.FallbackUsed {
		lg.Info("capability served by fallback",
			slog.String("provider", string(res.Provider)),
			slog.Int("depth", res.FallbackDepth))
	}
	return Response{
		TaskID:        h.ID,
		Value:         res.Value,
		Provider:      res.Provider,
		FallbackUsed:  res.FallbackUsed,
		FallbackDepth: res.FallbackDepth,
		Latency:       elapsed,
		Quality:       rec.Profile.Tier,
	}, nil
}

// skipped merges the caller skips with the providers the quality tier rules
// out.
func (o *Orchestrator) skipped(req Request, rec quality.Recommendation) []domain.ProviderID {
	skip := append([]domain.ProviderID(nil), req.SkipProviders...)
	ranking := o.Fallback.Ranking(req.Capability)
	ids := make([]domain.ProviderID, 0, len(ranking))
	for _, c := range ranking {
		ids = append(ids, c.Provider)
	}
	eligible := make(map[domain.ProviderID]struct{}, len(ids))
	for _, p := range o.Quality.EligibleProviders(rec.Profile.Tier, ids) {
		eligible[p] = struct{}{}
	}
	for _, p := range ids {
		if _, ok := eligible[p]; !ok {
			skip = append(skip, p)
		}
	}
	return skip
}

func (o *Orchestrator) recordAction(req Request, failed bool) {
	o.Abuse.RecordAction(req.Identity, abuse.Action{
		Kind:            string(req.Capability),
		Origin:          req.Origin,
		ClientSignature: req.ClientSignature,
		Failed:          failed,
	})
}

func mediaOutput(v any) (domain.MediaOutput, bool) {
	switch out := v.(type) {
	case domain.MediaOutput:
		return out, true
	case *domain.MediaOutput:
		if out == nil {
			return domain.MediaOutput{}, false
		}
		return *out, true
	default:
		return domain.MediaOutput{}, false
	}
}

type snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// namespaces returns the persisted components keyed by store namespace. The
// cache flushes itself on every mutation and is only loaded here.
func (o *Orchestrator) namespaces(includeCache bool) map[string]snapshotter {
	ns := map[string]snapshotter{
		circuit.StoreKey:     o.Circuits,
		ratelimiter.StoreKey: o.Limits,
		health.StoreKey:      o.Health,
		abuse.StoreKey:       o.Abuse,
		fallback.StoreKey:    o.Fallback,
		quality.StoreKey:     o.Quality,
	}
	if includeCache {
		ns[cache.StoreKey] = o.Cache
	}
	return ns
}

func sortedKeys(m map[string]snapshotter) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadState restores every namespace found in the store. A missing namespace
// is skipped; a corrupt or unreadable one is logged and leaves that component
// at its defaults. The returned error joins every failure.
func (o *Orchestrator) LoadState(ctx context.Context) error {
	ns := o.namespaces(true)
	var errs []error
	for _, key := range sortedKeys(ns) {
		data, err := o.store.Load(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err == nil {
			err = ns[key].Restore(data)
		}
		if err != nil {
			slog.Warn("state namespace not restored", slog.String("namespace", key), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("op=orchestrator.LoadState namespace=%s: %w", key, err))
			continue
		}
		slog.Debug("state namespace restored", slog.String("namespace", key), slog.Int("bytes", len(data)))
	}
	return errors.Join(errs...)
}

// SaveState writes every namespace except the self-flushing cache.
func (o *Orchestrator) SaveState(ctx context.Context) error {
	ns := o.namespaces(false)
	var errs []error
	for _, key := range sortedKeys(ns) {
		data, err := ns[key].Snapshot()
		if err == nil {
			err = o.store.Save(ctx, key, data)
		}
		if err != nil {
			slog.Warn("state namespace not saved", slog.String("namespace", key), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("op=orchestrator.SaveState namespace=%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// RegisterPeriodic subscribes the maintenance tasks to s.
func (o *Orchestrator) RegisterPeriodic(s *scheduler.Scheduler) {
	iv := o.intervals
	s.Every("queue.tick", iv.QueueTick, func(context.Context) { o.Queue.Tick() })
	s.Every("circuit.sweep", iv.CircuitSweep, func(context.Context) { o.Circuits.Sweep() })
	s.Every("ratelimit.prune", iv.RateLimitPrune, func(context.Context) { o.Limits.Prune() })
	s.Every("cache.cleanup", iv.CacheCleanup, func(context.Context) { o.Cache.Cleanup() })
	s.Every("health.probe", iv.HealthProbe, func(ctx context.Context) { o.Health.CheckAll(ctx) })
	s.Every("abuse.cleanup", iv.AbuseCleanup, func(context.Context) { o.Abuse.Cleanup() })
	s.Every("state.persist", iv.Persist, func(ctx context.Context) {
		if err := o.SaveState(ctx); err != nil {
			slog.Debug("periodic persist incomplete", slog.Any("error", err))
		}
	})
}

// Shutdown waits for in-flight work and flushes the state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	drainErr := o.Queue.Drain(ctx)
	if drainErr != nil {
		slog.Warn("queue not drained before shutdown", slog.Any("error", drainErr))
	}
	return errors.Join(drainErr, o.SaveState(ctx))
}
