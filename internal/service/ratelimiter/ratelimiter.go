// Package ratelimiter enforces per-provider quotas with a sliding window and a
// nested burst window for the active plan tier.
package ratelimiter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// StoreKey is the persistence namespace of the limiter.
const StoreKey = "ratelimits"

// ApproachingRatio is the share of the coarse window after which an advisory
// approaching-limit event is emitted.
const ApproachingRatio = 0.8

// Limits is the quota for one (provider, plan) pair.
type Limits struct {
	MaxRequests   int           `json:"max_requests" yaml:"max_requests" validate:"gt=0"`
	Window        time.Duration `json:"window" yaml:"window" validate:"gt=0"`
	BurstRequests int           `json:"burst_requests" yaml:"burst_requests" validate:"gte=0"`
	BurstWindow   time.Duration `json:"burst_window" yaml:"burst_window" validate:"gte=0"`
}

func (l Limits) hasBurst() bool { return l.BurstRequests > 0 && l.BurstWindow > 0 }

// Table maps providers to their per-plan limits. Providers missing from the
// table are not limited.
type Table map[domain.ProviderID]map[domain.PlanTier]Limits

// Gate is the abuse check consulted before any quota.
type Gate interface {
	CanPerformAction(identity string) bool
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed     bool          `json:"allowed"`
	Reason      error         `json:"-"`
	Used        int           `json:"used"`
	Limit       int           `json:"limit"`
	BurstUsed   int           `json:"burst_used"`
	BurstLimit  int           `json:"burst_limit"`
	RetryAfter  time.Duration `json:"retry_after"`
	Approaching bool          `json:"approaching"`
}

// Err returns nil for allowed decisions and the wrapped rejection otherwise.
func (d Decision) Err(provider domain.ProviderID) error {
	if d.Allowed || d.Reason == nil {
		return nil
	}
	return fmt.Errorf("op=ratelimiter.CanMakeRequest provider=%s: %w", provider, d.Reason)
}

// Status is the current usage of one provider under the active plan.
type Status struct {
	Provider    domain.ProviderID `json:"provider"`
	Plan        domain.PlanTier   `json:"plan"`
	Limited     bool              `json:"limited"`
	Used        int               `json:"used"`
	Limit       int               `json:"limit"`
	Remaining   int               `json:"remaining"`
	BurstUsed   int               `json:"burst_used"`
	BurstLimit  int               `json:"burst_limit"`
	Window      time.Duration     `json:"window"`
	BurstWindow time.Duration     `json:"burst_window"`
	ResetAt     time.Time         `json:"reset_at"`
}

type windowKey struct {
	provider domain.ProviderID
	plan     domain.PlanTier
}

type persistedWindow struct {
	Provider   domain.ProviderID `json:"provider"`
	Plan       domain.PlanTier   `json:"plan"`
	Timestamps []time.Time       `json:"timestamps"`
}

type persisted struct {
	Plan    domain.PlanTier   `json:"plan"`
	Windows []persistedWindow `json:"windows"`
}

// Limiter is the per-provider rate limiter. Timestamps are kept oldest first.
type Limiter struct {
	mu      sync.Mutex
	clock   domain.Clock
	sink    domain.EventSink
	gate    Gate
	limits  Table
	plan    domain.PlanTier
	windows map[windowKey][]time.Time
}

// New builds a limiter on the free plan. gate and sink may be nil.
func New(limits Table, clk domain.Clock, gate Gate, sink domain.EventSink) *Limiter {
	if sink == nil {
		sink = domain.NopSink{}
	}
	if limits == nil {
		limits = Table{}
	}
	return &Limiter{
		clock:   clk,
		sink:    sink,
		gate:    gate,
		limits:  limits,
		plan:    domain.PlanFree,
		windows: make(map[windowKey][]time.Time),
	}
}

// SetPlan switches the active plan for every provider.
func (l *Limiter) SetPlan(plan domain.PlanTier) error {
	if plan != domain.PlanFree && plan != domain.PlanPremium {
		return fmt.Errorf("op=ratelimiter.SetPlan plan=%q: %w", plan, domain.ErrInvalidArgument)
	}
	l.mu.Lock()
	prev := l.plan
	l.plan = plan
	l.mu.Unlock()
	if prev != plan {
		slog.Info("rate limit plan changed", slog.String("from", string(prev)), slog.String("to", string(plan)))
	}
	return nil
}

// Plan returns the active plan.
func (l *Limiter) Plan() domain.PlanTier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.plan
}

func (l *Limiter) limitsLocked(provider domain.ProviderID) (Limits, bool) {
	byPlan, ok := l.limits[provider]
	if !ok {
		return Limits{}, false
	}
	lim, ok := byPlan[l.plan]
	return lim, ok
}

// pruneLocked drops timestamps older than the window and returns the rest.
func (l *Limiter) pruneLocked(k windowKey, lim Limits, now time.Time) []time.Time {
	ts := l.windows[k]
	cut := 0
	for cut < len(ts) && now.Sub(ts[cut]) >= lim.Window {
		cut++
	}
	if cut > 0 {
		ts = append(ts[:0:0], ts[cut:]...)
		if len(ts) == 0 {
			delete(l.windows, k)
		} else {
			l.windows[k] = ts
		}
	}
	return ts
}

func burstCount(ts []time.Time, lim Limits, now time.Time) int {
	if !lim.hasBurst() {
		return 0
	}
	n := 0
	for i := len(ts) - 1; i >= 0 && now.Sub(ts[i]) < lim.BurstWindow; i-- {
		n++
	}
	return n
}

// CanMakeRequest checks the abuse gate and both windows without recording.
func (l *Limiter) CanMakeRequest(provider domain.ProviderID, identity string) Decision {
	return l.decide(provider, identity, false)
}

// TryRequest checks and, when allowed, records the request atomically.
func (l *Limiter) TryRequest(provider domain.ProviderID, identity string) Decision {
	return l.decide(provider, identity, true)
}

// RecordRequest appends a request timestamp for provider.
func (l *Limiter) RecordRequest(provider domain.ProviderID) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limitsLocked(provider)
	if !ok {
		return
	}
	l.recordLocked(windowKey{provider, l.plan}, lim, now)
}

func (l *Limiter) recordLocked(k windowKey, lim Limits, now time.Time) {
	ts := append(l.pruneLocked(k, lim, now), now)
	if len(ts) > lim.MaxRequests {
		ts = ts[len(ts)-lim.MaxRequests:]
	}
	l.windows[k] = ts
}

func (l *Limiter) decide(provider domain.ProviderID, identity string, record bool) Decision {
	if identity == "" {
		identity = domain.AnonymousIdentity
	}
	now := l.clock.Now()

	if l.gate != nil && !l.gate.CanPerformAction(identity) {
		plan := l.Plan()
		l.sink.Publish(domain.RateLimitDecision{
			Provider: provider,
			Plan:     plan,
			Identity: identity,
			Rejected: true,
			Reason:   domain.ErrThrottled.Error(),
			At:       now,
		})
		return Decision{Allowed: false, Reason: domain.ErrThrottled}
	}

	l.mu.Lock()
	plan := l.plan
	lim, ok := l.limitsLocked(provider)
	if !ok {
		l.mu.Unlock()
		return Decision{Allowed: true}
	}
	k := windowKey{provider, plan}
	ts := l.pruneLocked(k, lim, now)
	d := Decision{
		Used:       len(ts),
		Limit:      lim.MaxRequests,
		BurstUsed:  burstCount(ts, lim, now),
		BurstLimit: lim.BurstRequests,
	}
	switch {
	case d.Used >= lim.MaxRequests:
		d.Reason = domain.ErrRateLimited
		d.RetryAfter = ts[0].Add(lim.Window).Sub(now)
	case lim.hasBurst() && d.BurstUsed >= lim.BurstRequests:
		d.Reason = domain.ErrRateLimited
		d.RetryAfter = ts[len(ts)-d.BurstUsed].Add(lim.BurstWindow).Sub(now)
	default:
		d.Allowed = true
		if record {
			l.recordLocked(k, lim, now)
			d.Used++
			if lim.hasBurst() {
				d.BurstUsed++
			}
		}
	}
	d.Approaching = float64(d.Used) >= ApproachingRatio*float64(lim.MaxRequests)
	l.mu.Unlock()

	if !d.Allowed || d.Approaching {
		reason := ""
		if d.Reason != nil {
			reason = d.Reason.Error()
		}
		l.sink.Publish(domain.RateLimitDecision{
			Provider:    provider,
			Plan:        plan,
			Identity:    identity,
			Rejected:    !d.Allowed,
			Reason:      reason,
			Used:        d.Used,
			Limit:       d.Limit,
			Approaching: d.Approaching,
			At:          now,
		})
	}
	if !d.Allowed {
		slog.Debug("rate limit rejected request",
			slog.String("provider", string(provider)),
			slog.String("plan", string(plan)),
			slog.Int("used", d.Used),
			slog.Int("burst_used", d.BurstUsed),
			slog.Duration("retry_after", d.RetryAfter))
	}
	return d
}

// Status reports the usage of provider under the active plan.
func (l *Limiter) Status(provider domain.ProviderID) Status {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{Provider: provider, Plan: l.plan}
	lim, ok := l.limitsLocked(provider)
	if !ok {
		return st
	}
	ts := l.pruneLocked(windowKey{provider, l.plan}, lim, now)
	st.Limited = true
	st.Used = len(ts)
	st.Limit = lim.MaxRequests
	st.Remaining = max(lim.MaxRequests-len(ts), 0)
	st.BurstUsed = burstCount(ts, lim, now)
	st.BurstLimit = lim.BurstRequests
	st.Window = lim.Window
	st.BurstWindow = lim.BurstWindow
	if len(ts) > 0 {
		st.ResetAt = ts[0].Add(lim.Window)
	}
	return st
}

// Prune drops stale timestamps from every window and returns how many were
// removed.
func (l *Limiter) Prune() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, ts := range l.windows {
		lim, ok := l.limits[k.provider][k.plan]
		if !ok {
			removed += len(ts)
			delete(l.windows, k)
			continue
		}
		removed += len(ts) - len(l.pruneLocked(k, lim, now))
	}
	return removed
}

// Snapshot serializes the plan and every window for the store.
func (l *Limiter) Snapshot() ([]byte, error) {
	l.mu.Lock()
	p := persisted{Plan: l.plan, Windows: make([]persistedWindow, 0, len(l.windows))}
	for k, ts := range l.windows {
		p.Windows = append(p.Windows, persistedWindow{
			Provider:   k.provider,
			Plan:       k.plan,
			Timestamps: append([]time.Time(nil), ts...),
		})
	}
	l.mu.Unlock()
	sort.Slice(p.Windows, func(i, j int) bool {
		if p.Windows[i].Provider != p.Windows[j].Provider {
			return p.Windows[i].Provider < p.Windows[j].Provider
		}
		return p.Windows[i].Plan < p.Windows[j].Plan
	})
	return json.Marshal(p)
}

// Restore replaces the plan and windows with a snapshot. Stale timestamps are
// dropped on the next check.
func (l *Limiter) Restore(data []byte) error {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Plan == domain.PlanFree || p.Plan == domain.PlanPremium {
		l.plan = p.Plan
	}
	l.windows = make(map[windowKey][]time.Time, len(p.Windows))
	for _, w := range p.Windows {
		ts := append([]time.Time(nil), w.Timestamps...)
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
		if len(ts) > 0 {
			l.windows[windowKey{w.Provider, w.Plan}] = ts
		}
	}
	return nil
}
