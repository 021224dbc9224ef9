// Package quality picks an output quality tier from client network, device
// and observed latency signals.
package quality

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// StoreKey is the persistence namespace of adaptive quality.
const StoreKey = "quality"

// Audio fidelity levels.
const (
	AudioHigh     = "high"
	AudioStandard = "standard"
	AudioLow      = "low"
)

// Profile is the settings bundle of a tier.
type Profile struct {
	Tier             domain.QualityTier `json:"tier"`
	UseVideo         bool               `json:"use_video"`
	AudioTier        string             `json:"audio_tier"`
	MaxLatencyBudget time.Duration      `json:"max_latency_budget"`
}

var profiles = map[domain.QualityTier]Profile{
	domain.QualityHigh:   {Tier: domain.QualityHigh, UseVideo: true, AudioTier: AudioHigh, MaxLatencyBudget: 30 * time.Second},
	domain.QualityMedium: {Tier: domain.QualityMedium, UseVideo: true, AudioTier: AudioStandard, MaxLatencyBudget: 15 * time.Second},
	domain.QualityLow:    {Tier: domain.QualityLow, UseVideo: false, AudioTier: AudioLow, MaxLatencyBudget: 8 * time.Second},
}

// ProfileFor returns the settings of tier.
func ProfileFor(tier domain.QualityTier) (Profile, bool) {
	p, ok := profiles[tier]
	return p, ok
}

func rank(t domain.QualityTier) int {
	switch t {
	case domain.QualityLow:
		return 0
	case domain.QualityMedium:
		return 1
	default:
		return 2
	}
}

func lower(t domain.QualityTier) domain.QualityTier {
	switch t {
	case domain.QualityHigh:
		return domain.QualityMedium
	default:
		return domain.QualityLow
	}
}

func higher(t domain.QualityTier) domain.QualityTier {
	switch t {
	case domain.QualityLow:
		return domain.QualityMedium
	default:
		return domain.QualityHigh
	}
}

// Signals are the client conditions reported by the caller.
type Signals struct {
	NetworkClass   string        `json:"network_class"`
	RTT            time.Duration `json:"rtt"`
	DownlinkMbps   float64       `json:"downlink_mbps"`
	SaveData       bool          `json:"save_data"`
	DeviceMemoryGB float64       `json:"device_memory_gb"`
	CPUCores       int           `json:"cpu_cores"`
}

// Recommendation is the selected profile with the rule that chose it.
type Recommendation struct {
	Profile Profile `json:"profile"`
	Reason  string  `json:"reason"`
	Manual  bool    `json:"manual"`
}

// Config tunes the latency window. Zero values fall back to defaults.
type Config struct {
	WindowSize     int
	MinSamples     int
	DowngradeAbove time.Duration
	UpgradeBelow   time.Duration
	SlowRTT        time.Duration
	SlowDownlink   float64
	LowEndMemoryGB float64
	LowEndCPUCores int
	VideoCapable   []domain.ProviderID
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		WindowSize:     10,
		MinSamples:     5,
		DowngradeAbove: 3 * time.Second,
		UpgradeBelow:   time.Second,
		SlowRTT:        400 * time.Millisecond,
		SlowDownlink:   1.5,
		LowEndMemoryGB: 2,
		LowEndCPUCores: 2,
		VideoCapable:   []domain.ProviderID{domain.ProviderVideoAvatarA, domain.ProviderVideoAvatarB},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinSamples <= 0 || c.MinSamples > c.WindowSize {
		c.MinSamples = min(d.MinSamples, c.WindowSize)
	}
	if c.DowngradeAbove <= 0 {
		c.DowngradeAbove = d.DowngradeAbove
	}
	if c.UpgradeBelow <= 0 {
		c.UpgradeBelow = d.UpgradeBelow
	}
	if c.SlowRTT <= 0 {
		c.SlowRTT = d.SlowRTT
	}
	if c.SlowDownlink <= 0 {
		c.SlowDownlink = d.SlowDownlink
	}
	if c.LowEndMemoryGB <= 0 {
		c.LowEndMemoryGB = d.LowEndMemoryGB
	}
	if c.LowEndCPUCores <= 0 {
		c.LowEndCPUCores = d.LowEndCPUCores
	}
	if c.VideoCapable == nil {
		c.VideoCapable = d.VideoCapable
	}
	return c
}

type persisted struct {
	Manual      domain.QualityTier `json:"manual,omitempty"`
	LatencyTier domain.QualityTier `json:"latency_tier"`
	Latencies   []time.Duration    `json:"latencies"`
	Signals     Signals            `json:"signals"`
}

// Service is the adaptive quality selector.
type Service struct {
	mu          sync.Mutex
	cfg         Config
	video       map[domain.ProviderID]struct{}
	manual      domain.QualityTier
	signals     Signals
	latencies   []time.Duration
	latencyTier domain.QualityTier
}

// New builds a selector starting at the high tier.
func New(cfg Config) *Service {
	cfg = cfg.withDefaults()
	video := make(map[domain.ProviderID]struct{}, len(cfg.VideoCapable))
	for _, p := range cfg.VideoCapable {
		video[p] = struct{}{}
	}
	return &Service{cfg: cfg, video: video, latencyTier: domain.QualityHigh}
}

// UpdateSignals replaces the client conditions.
func (s *Service) UpdateSignals(sig Signals) {
	sig.NetworkClass = strings.ToLower(strings.TrimSpace(sig.NetworkClass))
	s.mu.Lock()
	s.signals = sig
	s.mu.Unlock()
}

// RecordLatency adds an observed call latency to the window. The latency tier
// drops one step as soon as the average of at least MinSamples exceeds
// DowngradeAbove, and rises one step only once a full window stays below
// UpgradeBelow. The window restarts after every change.
func (s *Service) RecordLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, d)
	if len(s.latencies) > s.cfg.WindowSize {
		s.latencies = s.latencies[len(s.latencies)-s.cfg.WindowSize:]
	}
	if len(s.latencies) < s.cfg.MinSamples {
		return
	}

	var sum, peak time.Duration
	for _, v := range s.latencies {
		sum += v
		peak = max(peak, v)
	}
	avg := sum / time.Duration(len(s.latencies))

	from := s.latencyTier
	switch {
	case avg > s.cfg.DowngradeAbove && from != domain.QualityLow:
		s.latencyTier = lower(from)
	case len(s.latencies) == s.cfg.WindowSize && peak < s.cfg.UpgradeBelow && from != domain.QualityHigh:
		s.latencyTier = higher(from)
	default:
		return
	}
	s.latencies = nil
	slog.Info("quality tier adjusted from latency",
		slog.String("from", string(from)),
		slog.String("to", string(s.latencyTier)),
		slog.Duration("avg_latency", avg))
}

// SetManualQuality pins the tier until EnableAutoAdjust is called.
func (s *Service) SetManualQuality(tier domain.QualityTier) error {
	if _, ok := profiles[tier]; !ok {
		return fmt.Errorf("op=quality.SetManualQuality tier=%q: %w", tier, domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	s.manual = tier
	s.mu.Unlock()
	return nil
}

// EnableAutoAdjust drops the manual override.
func (s *Service) EnableAutoAdjust() {
	s.mu.Lock()
	s.manual = ""
	s.mu.Unlock()
}

// GetRecommendation applies the selection rules in precedence order.
func (s *Service) GetRecommendation() Recommendation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recommendLocked()
}

func (s *Service) recommendLocked() Recommendation {
	rec := func(t domain.QualityTier, reason string) Recommendation {
		return Recommendation{Profile: profiles[t], Reason: reason}
	}
	if s.manual != "" {
		r := rec(s.manual, "manual override")
		r.Manual = true
		return r
	}
	sig := s.signals
	if sig.SaveData {
		return rec(domain.QualityLow, "data saver enabled")
	}
	switch sig.NetworkClass {
	case "slow-2g", "2g":
		return rec(domain.QualityLow, "very slow network")
	case "3g":
		return rec(domain.QualityMedium, "moderate network")
	}
	if sig.RTT > s.cfg.SlowRTT {
		return rec(domain.QualityMedium, "high round-trip time")
	}
	if sig.DownlinkMbps > 0 && sig.DownlinkMbps < s.cfg.SlowDownlink {
		return rec(domain.QualityMedium, "low bandwidth")
	}
	lowEnd := (sig.DeviceMemoryGB > 0 && sig.DeviceMemoryGB <= s.cfg.LowEndMemoryGB) ||
		(sig.CPUCores > 0 && sig.CPUCores <= s.cfg.LowEndCPUCores)
	if lowEnd && rank(s.latencyTier) > rank(domain.QualityMedium) {
		return rec(domain.QualityMedium, "low-end device")
	}
	if s.latencyTier == domain.QualityHigh {
		return rec(s.latencyTier, "default")
	}
	return rec(s.latencyTier, "observed latency")
}

// EligibleProviders drops video-capable providers from candidates when tier
// does not use video. An unknown tier keeps every candidate.
func (s *Service) EligibleProviders(tier domain.QualityTier, candidates []domain.ProviderID) []domain.ProviderID {
	if p, ok := ProfileFor(tier); !ok || p.UseVideo {
		return append([]domain.ProviderID(nil), candidates...)
	}
	out := make([]domain.ProviderID, 0, len(candidates))
	for _, p := range candidates {
		if _, ok := s.video[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot serializes the selector state for the store.
func (s *Service) Snapshot() ([]byte, error) {
	s.mu.Lock()
	p := persisted{
		Manual:      s.manual,
		LatencyTier: s.latencyTier,
		Latencies:   append([]time.Duration(nil), s.latencies...),
		Signals:     s.signals,
	}
	s.mu.Unlock()
	return json.Marshal(p)
}

// Restore replaces the selector state with a snapshot.
func (s *Service) Restore(data []byte) error {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := profiles[p.Manual]; ok {
		s.manual = p.Manual
	}
	if _, ok := profiles[p.LatencyTier]; ok {
		s.latencyTier = p.LatencyTier
	}
	s.latencies = p.Latencies
	if len(s.latencies) > s.cfg.WindowSize {
		s.latencies = s.latencies[len(s.latencies)-s.cfg.WindowSize:]
	}
	s.signals = p.Signals
	return nil
}
