// Package abuse scores caller behavior over a rolling window and throttles
// identities whose activity looks automated or hostile.
package abuse

import (
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// StoreKey is the persistence namespace of the detector.
const StoreKey = "abuse"

// Signal weights.
const (
	weightHighRate         = 0.3
	weightMultipleOrigins  = 0.2
	weightBotTiming        = 0.3
	weightFailureStreak    = 0.2
	weightSuspiciousClient = 0.2
)

// Signal names used in assessments.
const (
	SignalHighRate         = "high_rate"
	SignalMultipleOrigins  = "multiple_origins"
	SignalBotTiming        = "bot_timing"
	SignalFailureStreak    = "failure_streak"
	SignalSuspiciousClient = "suspicious_client"
)

var defaultSuspiciousSignatures = []string{
	"bot", "crawler", "spider", "scrapy", "curl", "wget", "python-requests",
	"headless", "phantomjs", "selenium", "puppeteer",
}

// Config tunes the detector. Zero values fall back to defaults.
type Config struct {
	Window              time.Duration
	ThrottleDuration    time.Duration
	SuspicionThreshold  float64
	MaxReports          int
	MaxIntervalSamples  int
	MinIntervalSamples  int
	MaxActionsPerMinute float64
	MaxOrigins          int
	FailureStreak       int
	SuspiciousClients   []string
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Window:              time.Hour,
		ThrottleDuration:    5 * time.Minute,
		SuspicionThreshold:  0.7,
		MaxReports:          100,
		MaxIntervalSamples:  20,
		MinIntervalSamples:  5,
		MaxActionsPerMinute: 30,
		MaxOrigins:          3,
		FailureStreak:       5,
		SuspiciousClients:   defaultSuspiciousSignatures,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.ThrottleDuration <= 0 {
		c.ThrottleDuration = d.ThrottleDuration
	}
	if c.SuspicionThreshold <= 0 {
		c.SuspicionThreshold = d.SuspicionThreshold
	}
	if c.MaxReports <= 0 {
		c.MaxReports = d.MaxReports
	}
	if c.MaxIntervalSamples <= 0 {
		c.MaxIntervalSamples = d.MaxIntervalSamples
	}
	if c.MinIntervalSamples <= 0 {
		c.MinIntervalSamples = d.MinIntervalSamples
	}
	if c.MaxActionsPerMinute <= 0 {
		c.MaxActionsPerMinute = d.MaxActionsPerMinute
	}
	if c.MaxOrigins <= 0 {
		c.MaxOrigins = d.MaxOrigins
	}
	if c.FailureStreak <= 0 {
		c.FailureStreak = d.FailureStreak
	}
	if len(c.SuspiciousClients) == 0 {
		c.SuspiciousClients = d.SuspiciousClients
	}
	return c
}

// Action is one unit of work performed by an identity.
type Action struct {
	Kind            string
	Origin          string
	ClientSignature string
	Failed          bool
}

type actionRecord struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Origin string    `json:"origin,omitempty"`
	Failed bool      `json:"failed,omitempty"`
}

type profile struct {
	Identity        string         `json:"identity"`
	Actions         []actionRecord `json:"actions"`
	ClientSignature string         `json:"client_signature,omitempty"`
	SuspicionScore  float64        `json:"suspicion_score"`
	ThrottledUntil  time.Time      `json:"throttled_until"`
	LastSeen        time.Time      `json:"last_seen"`
}

// Assessment is the anomaly score of one identity.
type Assessment struct {
	Identity      string             `json:"identity"`
	Score         float64            `json:"score"`
	BotLikelihood float64            `json:"bot_likelihood"`
	Signals       map[string]float64 `json:"signals"`
	Reasons       []string           `json:"reasons"`
}

// Report is filed every time an identity gets throttled.
type Report struct {
	ID             string             `json:"id"`
	Identity       string             `json:"identity"`
	Score          float64            `json:"score"`
	Signals        map[string]float64 `json:"signals"`
	Reasons        []string           `json:"reasons"`
	At             time.Time          `json:"at"`
	ThrottledUntil time.Time          `json:"throttled_until"`
}

// UserStatus is the derived behavior profile of one identity.
type UserStatus struct {
	Identity            string    `json:"identity"`
	ActionCount         int       `json:"action_count"`
	ActionsPerMinute    float64   `json:"actions_per_minute"`
	UniqueOrigins       int       `json:"unique_origins"`
	IntervalSamples     int       `json:"interval_samples"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuspicionScore      float64   `json:"suspicion_score"`
	Throttled           bool      `json:"throttled"`
	ThrottledUntil      time.Time `json:"throttled_until"`
	LastSeen            time.Time `json:"last_seen"`
}

// Stats summarizes every tracked identity.
type Stats struct {
	TrackedUsers   int     `json:"tracked_users"`
	ThrottledUsers int     `json:"throttled_users"`
	HighRiskUsers  int     `json:"high_risk_users"`
	AverageScore   float64 `json:"average_score"`
	TotalReports   int     `json:"total_reports"`
}

type persisted struct {
	Profiles []profile `json:"profiles"`
	Reports  []Report  `json:"reports"`
}

// Detector tracks identities and throttles suspicious ones.
type Detector struct {
	mu       sync.Mutex
	cfg      Config
	clock    domain.Clock
	sink     domain.EventSink
	profiles map[string]*profile
	reports  []Report
	entropy  *ulid.MonotonicEntropy
}

// New builds a detector. sink may be nil.
func New(cfg Config, clk domain.Clock, sink domain.EventSink) *Detector {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Detector{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		sink:     sink,
		profiles: make(map[string]*profile),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(clk.Now().UnixNano())), 0), //nolint:gosec // Weak random is sufficient for ULID entropy.
	}
}

func normalizeIdentity(identity string) string {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return domain.AnonymousIdentity
	}
	return identity
}

func (d *Detector) profileLocked(identity string) *profile {
	p, ok := d.profiles[identity]
	if !ok {
		p = &profile{Identity: identity}
		d.profiles[identity] = p
	}
	return p
}

func (d *Detector) trimLocked(p *profile, now time.Time) int {
	cut := 0
	for cut < len(p.Actions) && now.Sub(p.Actions[cut].At) > d.cfg.Window {
		cut++
	}
	if cut > 0 {
		p.Actions = append(p.Actions[:0:0], p.Actions[cut:]...)
	}
	return cut
}

// RecordAction appends an action for identity, rescoring it and throttling
// when the score crosses the suspicion threshold.
func (d *Detector) RecordAction(identity string, a Action) Assessment {
	identity = normalizeIdentity(identity)
	now := d.clock.Now()

	d.mu.Lock()
	p := d.profileLocked(identity)
	p.Actions = append(p.Actions, actionRecord{At: now, Kind: a.Kind, Origin: a.Origin, Failed: a.Failed})
	if a.ClientSignature != "" {
		p.ClientSignature = a.ClientSignature
	}
	p.LastSeen = now
	d.trimLocked(p, now)

	as := d.assessLocked(p, now)
	p.SuspicionScore = as.Score

	var report *Report
	if as.Score > d.cfg.SuspicionThreshold && !now.Before(p.ThrottledUntil) {
		p.ThrottledUntil = now.Add(d.cfg.ThrottleDuration)
		r := Report{
			ID:             d.newReportIDLocked(now),
			Identity:       identity,
			Score:          as.Score,
			Signals:        as.Signals,
			Reasons:        as.Reasons,
			At:             now,
			ThrottledUntil: p.ThrottledUntil,
		}
		d.reports = append(d.reports, r)
		if len(d.reports) > d.cfg.MaxReports {
			d.reports = d.reports[len(d.reports)-d.cfg.MaxReports:]
		}
		report = &r
	}
	d.mu.Unlock()

	if report != nil {
		slog.Warn("abuse detector throttled identity",
			slog.String("identity", identity),
			slog.Float64("score", report.Score),
			slog.Any("reasons", report.Reasons),
			slog.Time("throttled_until", report.ThrottledUntil))
		d.sink.Publish(domain.AnomalyDetected{
			ReportID:       report.ID,
			Identity:       identity,
			Score:          report.Score,
			Reasons:        report.Reasons,
			ThrottledUntil: report.ThrottledUntil,
			At:             now,
		})
	}
	return as
}

func (d *Detector) newReportIDLocked(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), d.entropy)
	if err != nil {
		return now.UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// CanPerformAction is the single gate every component consults before
// spending a unit of work on behalf of identity.
func (d *Detector) CanPerformAction(identity string) bool {
	identity = normalizeIdentity(identity)
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[identity]
	if !ok {
		return true
	}
	return !now.Before(p.ThrottledUntil)
}

// DetectAnomaly scores identity without recording anything.
func (d *Detector) DetectAnomaly(identity string) Assessment {
	identity = normalizeIdentity(identity)
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[identity]
	if !ok {
		return Assessment{Identity: identity, Signals: map[string]float64{}, Reasons: []string{}}
	}
	return d.assessLocked(p, now)
}

type derived struct {
	apm          float64
	origins      int
	intervals    []float64
	failStreak   int
	inWindow     int
	suspiciousUA bool
}

func (d *Detector) deriveLocked(p *profile, now time.Time) derived {
	var out derived
	origins := make(map[string]struct{})
	var lastMinute int
	for _, a := range p.Actions {
		if now.Sub(a.At) > d.cfg.Window {
			continue
		}
		out.inWindow++
		if now.Sub(a.At) <= time.Minute {
			lastMinute++
		}
		if a.Origin != "" {
			origins[a.Origin] = struct{}{}
		}
	}
	out.apm = float64(lastMinute)
	out.origins = len(origins)

	for i := len(p.Actions) - 1; i >= 0 && p.Actions[i].Failed; i-- {
		out.failStreak++
	}

	start := len(p.Actions) - d.cfg.MaxIntervalSamples - 1
	if start < 0 {
		start = 0
	}
	for i := start + 1; i < len(p.Actions); i++ {
		out.intervals = append(out.intervals, float64(p.Actions[i].At.Sub(p.Actions[i-1].At).Milliseconds()))
	}

	sig := strings.ToLower(p.ClientSignature)
	for _, pat := range d.cfg.SuspiciousClients {
		if pat != "" && strings.Contains(sig, strings.ToLower(pat)) {
			out.suspiciousUA = true
			break
		}
	}
	return out
}

func (d *Detector) assessLocked(p *profile, now time.Time) Assessment {
	dv := d.deriveLocked(p, now)
	as := Assessment{Identity: p.Identity, Signals: map[string]float64{}, Reasons: []string{}}

	if dv.apm > d.cfg.MaxActionsPerMinute {
		as.Signals[SignalHighRate] = weightHighRate
		as.Reasons = append(as.Reasons, "high action rate")
	}
	if dv.origins > d.cfg.MaxOrigins {
		as.Signals[SignalMultipleOrigins] = weightMultipleOrigins
		as.Reasons = append(as.Reasons, "multiple network origins")
	}
	as.BotLikelihood = BotLikelihood(dv.intervals, d.cfg.MinIntervalSamples)
	if as.BotLikelihood > 0 {
		as.Signals[SignalBotTiming] = weightBotTiming * as.BotLikelihood
		as.Reasons = append(as.Reasons, "regular request timing")
	}
	if dv.failStreak >= d.cfg.FailureStreak {
		as.Signals[SignalFailureStreak] = weightFailureStreak
		as.Reasons = append(as.Reasons, "repeated failures")
	}
	if dv.suspiciousUA {
		as.Signals[SignalSuspiciousClient] = weightSuspiciousClient
		as.Reasons = append(as.Reasons, "suspicious client signature")
	}
	for _, v := range as.Signals {
		as.Score += v
	}
	as.Score = math.Min(as.Score, 1.0)
	return as
}

// BotLikelihood maps the coefficient of variation of intervals onto [0, 1]:
// CV <= 0.2 is 1, CV >= 1 is 0, linear in between. Fewer than minSamples
// intervals yield 0.
func BotLikelihood(intervals []float64, minSamples int) float64 {
	if len(intervals) < minSamples || len(intervals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return 1
	}
	var sq float64
	for _, v := range intervals {
		sq += (v - mean) * (v - mean)
	}
	cv := math.Sqrt(sq/float64(len(intervals))) / mean
	switch {
	case cv <= 0.2:
		return 1
	case cv >= 1:
		return 0
	default:
		return (1 - cv) / 0.8
	}
}

// UserStatus returns the derived profile of identity.
func (d *Detector) UserStatus(identity string) UserStatus {
	identity = normalizeIdentity(identity)
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[identity]
	if !ok {
		return UserStatus{Identity: identity}
	}
	dv := d.deriveLocked(p, now)
	return UserStatus{
		Identity:            identity,
		ActionCount:         dv.inWindow,
		ActionsPerMinute:    dv.apm,
		UniqueOrigins:       dv.origins,
		IntervalSamples:     len(dv.intervals),
		ConsecutiveFailures: dv.failStreak,
		SuspicionScore:      p.SuspicionScore,
		Throttled:           now.Before(p.ThrottledUntil),
		ThrottledUntil:      p.ThrottledUntil,
		LastSeen:            p.LastSeen,
	}
}

// Statistics summarizes every tracked identity.
func (d *Detector) Statistics() Stats {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Stats{TrackedUsers: len(d.profiles), TotalReports: len(d.reports)}
	var sum float64
	for _, p := range d.profiles {
		sum += p.SuspicionScore
		if now.Before(p.ThrottledUntil) {
			st.ThrottledUsers++
		}
		if p.SuspicionScore > 0.5 {
			st.HighRiskUsers++
		}
	}
	if len(d.profiles) > 0 {
		st.AverageScore = sum / float64(len(d.profiles))
	}
	return st
}

// Reports returns the retained anomaly reports, oldest first.
func (d *Detector) Reports() []Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Report(nil), d.reports...)
}

// Cleanup trims actions older than the window from every profile and returns
// how many were dropped. Profiles themselves are kept.
func (d *Detector) Cleanup() int {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for _, p := range d.profiles {
		removed += d.trimLocked(p, now)
	}
	if removed > 0 {
		slog.Debug("abuse detector trimmed stale actions", slog.Int("removed", removed))
	}
	return removed
}

// Snapshot serializes profiles and reports for the store.
func (d *Detector) Snapshot() ([]byte, error) {
	d.mu.Lock()
	p := persisted{Profiles: make([]profile, 0, len(d.profiles)), Reports: append([]Report(nil), d.reports...)}
	for _, pr := range d.profiles {
		cp := *pr
		cp.Actions = append([]actionRecord(nil), pr.Actions...)
		p.Profiles = append(p.Profiles, cp)
	}
	d.mu.Unlock()
	sort.Slice(p.Profiles, func(i, j int) bool { return p.Profiles[i].Identity < p.Profiles[j].Identity })
	return json.Marshal(p)
}

// Restore replaces profiles and reports with a snapshot.
func (d *Detector) Restore(data []byte) error {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles = make(map[string]*profile, len(p.Profiles))
	for i := range p.Profiles {
		pr := p.Profiles[i]
		d.profiles[pr.Identity] = &pr
	}
	d.reports = p.Reports
	if len(d.reports) > d.cfg.MaxReports {
		d.reports = d.reports[len(d.reports)-d.cfg.MaxReports:]
	}
	return nil
}
