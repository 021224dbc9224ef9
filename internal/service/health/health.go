// Package health tracks provider health from live call outcomes and periodic
// liveness probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// StoreKey is the persistence namespace of the health service.
const StoreKey = "health"

// Status is the health of one provider.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Config tunes the service. Zero values fall back to defaults.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	DegradedAfter int
	DownAfter     int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 5 * time.Minute,
		ProbeTimeout:  10 * time.Second,
		DegradedAfter: 3,
		DownAfter:     5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = d.DegradedAfter
	}
	if c.DownAfter <= 0 {
		c.DownAfter = d.DownAfter
	}
	return c
}

// Record is the health kept for one provider.
type Record struct {
	Provider      domain.ProviderID `json:"provider"`
	Status        Status            `json:"status"`
	LastCheckAt   time.Time         `json:"last_check_at"`
	LastSuccessAt time.Time         `json:"last_success_at"`
	AvgLatency    time.Duration     `json:"avg_latency"`
	FailStreak    int               `json:"fail_streak"`
	LastError     string            `json:"last_error,omitempty"`
	Checks        int64             `json:"checks"`
}

// Service is the provider health monitor.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	clock    domain.Clock
	sink     domain.EventSink
	records  map[domain.ProviderID]*Record
	probers  map[domain.ProviderID]domain.Prober
	rankings map[domain.Capability][]domain.ProviderID
}

// New builds a health service. sink may be nil.
func New(cfg Config, clk domain.Clock, sink domain.EventSink) *Service {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		sink:     sink,
		records:  make(map[domain.ProviderID]*Record),
		probers:  make(map[domain.ProviderID]domain.Prober),
		rankings: make(map[domain.Capability][]domain.ProviderID),
	}
}

// Interval is the configured probe interval.
func (s *Service) Interval() time.Duration { return s.cfg.ProbeInterval }

// RegisterProbe installs the liveness probe of provider.
func (s *Service) RegisterProbe(provider domain.ProviderID, p domain.Prober) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(provider)
	if p != nil {
		s.probers[provider] = p
	}
}

// SetRanking records the provider order of capability. The first entry is
// the nominal primary.
func (s *Service) SetRanking(capability domain.Capability, providers []domain.ProviderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rankings[capability] = append([]domain.ProviderID(nil), providers...)
	for _, p := range providers {
		s.recordLocked(p)
	}
}

func (s *Service) recordLocked(p domain.ProviderID) *Record {
	r, ok := s.records[p]
	if !ok {
		r = &Record{Provider: p, Status: StatusUnknown}
		s.records[p] = r
	}
	return r
}

func (s *Service) setStatusLocked(r *Record, to Status, now time.Time) *domain.HealthChanged {
	if r.Status == to {
		return nil
	}
	ev := &domain.HealthChanged{Provider: r.Provider, From: string(r.Status), To: string(to), At: now}
	r.Status = to
	return ev
}

func (s *Service) emit(ev *domain.HealthChanged) {
	if ev == nil {
		return
	}
	lvl := slog.LevelInfo
	if ev.To == string(StatusDown) || ev.To == string(StatusDegraded) {
		lvl = slog.LevelWarn
	}
	slog.Log(context.Background(), lvl, "provider health changed",
		slog.String("provider", string(ev.Provider)),
		slog.String("from", ev.From),
		slog.String("to", ev.To))
	s.sink.Publish(*ev)
}

// ReportSuccess records a successful call. The rolling latency is blended as
// (avg + sample) / 2; the first sample sets it.
func (s *Service) ReportSuccess(provider domain.ProviderID, latency time.Duration) {
	now := s.clock.Now()
	s.mu.Lock()
	r := s.recordLocked(provider)
	r.FailStreak = 0
	r.LastCheckAt = now
	r.LastSuccessAt = now
	r.Checks++
	if r.AvgLatency == 0 {
		r.AvgLatency = latency
	} else {
		r.AvgLatency = (r.AvgLatency + latency) / 2
	}
	ev := s.setStatusLocked(r, StatusHealthy, now)
	s.mu.Unlock()

	s.emit(ev)
}

// ReportFailure records a failed call.
func (s *Service) ReportFailure(provider domain.ProviderID, err error) {
	now := s.clock.Now()
	s.mu.Lock()
	r := s.recordLocked(provider)
	r.FailStreak++
	r.LastCheckAt = now
	r.Checks++
	if err != nil {
		r.LastError = err.Error()
	}
	var ev *domain.HealthChanged
	switch {
	case r.FailStreak >= s.cfg.DownAfter:
		ev = s.setStatusLocked(r, StatusDown, now)
	case r.FailStreak >= s.cfg.DegradedAfter:
		ev = s.setStatusLocked(r, StatusDegraded, now)
	}
	s.mu.Unlock()

	s.emit(ev)
}

// ProviderHealth returns the record of provider.
func (s *Service) ProviderHealth(provider domain.ProviderID) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[provider]; ok {
		return *r
	}
	return Record{Provider: provider, Status: StatusUnknown}
}

// AllHealth returns every record ordered by provider.
func (s *Service) AllHealth() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// GetBestProvider returns the nominal primary of capability. It does not
// skip unhealthy providers; it only warns when the primary is down.
func (s *Service) GetBestProvider(capability domain.Capability) (domain.ProviderID, error) {
	s.mu.Lock()
	ranking := s.rankings[capability]
	if len(ranking) == 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("op=health.GetBestProvider capability=%s: %w", capability, domain.ErrNotFound)
	}
	primary := ranking[0]
	status := s.recordLocked(primary).Status
	s.mu.Unlock()

	if status == StatusDown {
		slog.Warn("primary provider is down",
			slog.String("capability", string(capability)),
			slog.String("provider", string(primary)))
	}
	return primary, nil
}

// ShouldUseFallback reports whether provider is degraded or down.
func (s *Service) ShouldUseFallback(provider domain.ProviderID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[provider]
	if !ok {
		return false
	}
	return r.Status == StatusDegraded || r.Status == StatusDown
}

// IsDown reports whether provider is currently down.
func (s *Service) IsDown(provider domain.ProviderID) bool {
	return s.ProviderHealth(provider).Status == StatusDown
}

// CheckAll probes every provider with a registered probe concurrently and
// returns how many probes ran.
func (s *Service) CheckAll(ctx context.Context) int {
	s.mu.Lock()
	probers := make(map[domain.ProviderID]domain.Prober, len(s.probers))
	for id, p := range s.probers {
		probers[id] = p
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, p := range probers {
		wg.Add(1)
		go func(id domain.ProviderID, p domain.Prober) {
			defer wg.Done()
			s.probe(ctx, id, p)
		}(id, p)
	}
	wg.Wait()
	return len(probers)
}

func (s *Service) probe(ctx context.Context, id domain.ProviderID, p domain.Prober) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	start := s.clock.Now()
	err := p(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		slog.Debug("provider probe failed", slog.String("provider", string(id)), slog.Any("error", err))
		s.ReportFailure(id, err)
		return
	}
	s.ReportSuccess(id, s.clock.Now().Sub(start))
}

// Snapshot serializes every record for the store.
func (s *Service) Snapshot() ([]byte, error) {
	return json.Marshal(s.AllHealth())
}

// Restore loads records from a snapshot over the registered ones.
func (s *Service) Restore(data []byte) error {
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range recs {
		r := recs[i]
		s.records[r.Provider] = &r
	}
	return nil
}
