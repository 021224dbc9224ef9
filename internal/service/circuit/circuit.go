// Package circuit implements a per-provider circuit breaker that stops calling
// a provider after repeated failures and probes it again after a cooldown.
package circuit

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

// StoreKey is the persistence namespace of the breaker.
const StoreKey = "circuits"

// State represents the state of a provider circuit.
type State int

const (
	// StateClosed allows calls.
	StateClosed State = iota
	// StateOpen blocks calls until the cooldown has elapsed.
	StateOpen
	// StateHalfOpen allows trial calls to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("op=circuit.State.UnmarshalText state=%q: %w", string(b), domain.ErrInvalidArgument)
	}
	return nil
}

// Config tunes the breaker. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int
	MonitoringPeriod time.Duration
	Timeout          time.Duration
	SuccessThreshold int
	// StaleFactor multiplies Timeout to get the age after which Sweep force
	// closes a circuit that nobody probed.
	StaleFactor float64
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		MonitoringPeriod: 120 * time.Second,
		Timeout:          60 * time.Second,
		SuccessThreshold: 2,
		StaleFactor:      2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.StaleFactor <= 0 {
		c.StaleFactor = d.StaleFactor
	}
	return c
}

// Status is the record kept for one provider.
type Status struct {
	Provider             domain.ProviderID `json:"provider"`
	State                State             `json:"state"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	ConsecutiveSuccesses int               `json:"consecutive_successes"`
	LastFailureAt        time.Time         `json:"last_failure_at"`
	NextAttemptAt        time.Time         `json:"next_attempt_at"`
	OpenedAt             time.Time         `json:"opened_at"`

	TotalRequests  int64 `json:"total_requests"`
	TotalFailures  int64 `json:"total_failures"`
	TotalSuccesses int64 `json:"total_successes"`
	StateChanges   int64 `json:"state_changes"`
}

func (s *Status) pristine() bool {
	return s.State == StateClosed && s.ConsecutiveFailures == 0 && s.ConsecutiveSuccesses == 0
}

type persisted struct {
	Circuits     []Status `json:"circuits"`
	ForcedResets int64    `json:"forced_resets"`
}

// Breaker holds one circuit per provider.
type Breaker struct {
	mu           sync.Mutex
	cfg          Config
	clock        domain.Clock
	sink         domain.EventSink
	circuits     map[domain.ProviderID]*Status
	forcedResets int64
}

// New builds a breaker. sink may be nil.
func New(cfg Config, clk domain.Clock, sink domain.EventSink) *Breaker {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Breaker{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		sink:     sink,
		circuits: make(map[domain.ProviderID]*Status),
	}
}

// Register creates closed circuits for providers so they show up in
// AllStatuses before their first call.
func (b *Breaker) Register(providers ...domain.ProviderID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range providers {
		b.circuitLocked(p)
	}
}

func (b *Breaker) circuitLocked(p domain.ProviderID) *Status {
	c, ok := b.circuits[p]
	if !ok {
		c = &Status{Provider: p, State: StateClosed}
		b.circuits[p] = c
	}
	return c
}

func (b *Breaker) transitionLocked(c *Status, to State, reason string, now time.Time) domain.Event {
	from := c.State
	c.State = to
	c.StateChanges++
	switch to {
	case StateOpen:
		c.OpenedAt = now
		c.NextAttemptAt = now.Add(b.cfg.Timeout)
		c.ConsecutiveSuccesses = 0
	case StateHalfOpen:
		c.ConsecutiveSuccesses = 0
	case StateClosed:
		c.ConsecutiveFailures = 0
		c.ConsecutiveSuccesses = 0
		c.OpenedAt = time.Time{}
		c.NextAttemptAt = time.Time{}
	}
	return domain.CircuitTransition{
		Provider: c.Provider,
		From:     from.String(),
		To:       to.String(),
		Reason:   reason,
		At:       now,
	}
}

func (b *Breaker) publish(events []domain.Event) {
	for _, ev := range events {
		b.sink.Publish(ev)
	}
}

// CanExecute reports whether a call to provider may proceed. An open circuit
// whose cooldown has elapsed moves to half-open here.
func (b *Breaker) CanExecute(provider domain.ProviderID) bool {
	now := b.clock.Now()
	b.mu.Lock()
	c := b.circuitLocked(provider)
	var events []domain.Event
	allowed := true
	switch c.State {
	case StateOpen:
		if now.Before(c.NextAttemptAt) {
			allowed = false
			events = append(events, domain.CircuitRejected{Provider: provider, At: now})
			break
		}
		events = append(events, b.transitionLocked(c, StateHalfOpen, "cooldown elapsed", now))
		slog.Info("circuit breaker transitioning to half-open",
			slog.String("provider", string(provider)),
			slog.Duration("timeout", b.cfg.Timeout),
			slog.Time("last_failure", c.LastFailureAt))
	}
	b.mu.Unlock()

	b.publish(events)
	return allowed
}

// Allows is the side-effect free form of CanExecute.
func (b *Breaker) Allows(provider domain.ProviderID) bool {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[provider]
	return !ok || c.State != StateOpen || !now.Before(c.NextAttemptAt)
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess(provider domain.ProviderID) {
	now := b.clock.Now()
	b.mu.Lock()
	c := b.circuitLocked(provider)
	c.TotalRequests++
	c.TotalSuccesses++
	var events []domain.Event
	switch c.State {
	case StateClosed:
		c.ConsecutiveFailures = 0
	case StateHalfOpen:
		c.ConsecutiveSuccesses++
		if c.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			n := c.ConsecutiveSuccesses
			events = append(events, b.transitionLocked(c, StateClosed, "success threshold reached", now))
			slog.Info("circuit breaker closed due to success threshold",
				slog.String("provider", string(provider)),
				slog.Int("success_count", n),
				slog.Int("success_threshold", b.cfg.SuccessThreshold))
		}
	}
	events = append(events, domain.CircuitOutcome{Provider: provider, Success: true, State: c.State.String(), At: now})
	b.mu.Unlock()

	b.publish(events)
}

// RecordFailure records a failed call. A failure arriving after the
// monitoring period restarts the streak.
func (b *Breaker) RecordFailure(provider domain.ProviderID) {
	now := b.clock.Now()
	b.mu.Lock()
	c := b.circuitLocked(provider)
	c.TotalRequests++
	c.TotalFailures++
	if !c.LastFailureAt.IsZero() && now.Sub(c.LastFailureAt) > b.cfg.MonitoringPeriod {
		c.ConsecutiveFailures = 0
	}
	c.ConsecutiveFailures++
	c.LastFailureAt = now

	var events []domain.Event
	switch c.State {
	case StateClosed:
		if c.ConsecutiveFailures >= b.cfg.FailureThreshold {
			n := c.ConsecutiveFailures
			events = append(events, b.transitionLocked(c, StateOpen, "failure threshold reached", now))
			c.ConsecutiveFailures = n
			slog.Warn("circuit breaker opened due to failure threshold",
				slog.String("provider", string(provider)),
				slog.Int("failure_count", n),
				slog.Int("max_failures", b.cfg.FailureThreshold))
		}
	case StateHalfOpen:
		events = append(events, b.transitionLocked(c, StateOpen, "failure while half-open", now))
		slog.Warn("circuit breaker opened due to failure in half-open state",
			slog.String("provider", string(provider)),
			slog.Int("failure_count", c.ConsecutiveFailures))
	}
	events = append(events, domain.CircuitOutcome{Provider: provider, Success: false, State: c.State.String(), At: now})
	b.mu.Unlock()

	b.publish(events)
}

// Execute runs fn through the circuit of provider. When the circuit rejects
// the call or fn fails, fallback (if any) is invoked with the cause.
func (b *Breaker) Execute(
	ctx context.Context,
	provider domain.ProviderID,
	fn func(context.Context) (any, error),
	fallback func(context.Context, error) (any, error),
) (any, error) {
	if !b.CanExecute(provider) {
		err := fmt.Errorf("op=circuit.Execute provider=%s: %w", provider, domain.ErrCircuitOpen)
		if fallback != nil {
			return fallback(ctx, err)
		}
		return nil, err
	}
	out, err := fn(ctx)
	if err != nil {
		b.RecordFailure(provider)
		perr := &domain.ProviderError{Provider: provider, Err: err}
		if fallback != nil {
			return fallback(ctx, perr)
		}
		return nil, perr
	}
	b.RecordSuccess(provider)
	return out, nil
}

// Status returns the circuit of provider.
func (b *Breaker) Status(provider domain.ProviderID) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[provider]; ok {
		return *c
	}
	return Status{Provider: provider, State: StateClosed}
}

// AllStatuses returns every known circuit ordered by provider.
func (b *Breaker) AllStatuses() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Status, 0, len(b.circuits))
	for _, c := range b.circuits {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Reset closes the circuit of provider and clears its streaks. It reports
// whether anything changed; resetting a pristine circuit is a no-op.
func (b *Breaker) Reset(provider domain.ProviderID) bool {
	now := b.clock.Now()
	b.mu.Lock()
	c, ok := b.circuits[provider]
	if !ok || c.pristine() {
		b.mu.Unlock()
		return false
	}
	var events []domain.Event
	if c.State != StateClosed {
		events = append(events, b.transitionLocked(c, StateClosed, "manual reset", now))
	} else {
		c.ConsecutiveFailures = 0
		c.ConsecutiveSuccesses = 0
	}
	b.mu.Unlock()

	slog.Info("circuit breaker reset to closed state", slog.String("provider", string(provider)))
	b.publish(events)
	return true
}

// Sweep force-closes circuits that have stayed open for longer than
// StaleFactor x Timeout and returns how many it closed.
func (b *Breaker) Sweep() int {
	now := b.clock.Now()
	limit := time.Duration(float64(b.cfg.Timeout) * b.cfg.StaleFactor)
	b.mu.Lock()
	var events []domain.Event
	for _, c := range b.circuits {
		if c.State != StateOpen || now.Sub(c.OpenedAt) <= limit {
			continue
		}
		openFor := now.Sub(c.OpenedAt)
		events = append(events, b.transitionLocked(c, StateClosed, "stale open circuit", now))
		b.forcedResets++
		slog.Warn("circuit breaker force-closed after staying open",
			slog.String("provider", string(c.Provider)),
			slog.Duration("open_for", openFor),
			slog.Duration("limit", limit))
	}
	b.mu.Unlock()

	b.publish(events)
	return len(events)
}

// ForcedResets is the number of circuits Sweep has closed.
func (b *Breaker) ForcedResets() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forcedResets
}

// Snapshot serializes every circuit for the store.
func (b *Breaker) Snapshot() ([]byte, error) {
	b.mu.Lock()
	p := persisted{Circuits: make([]Status, 0, len(b.circuits)), ForcedResets: b.forcedResets}
	for _, c := range b.circuits {
		p.Circuits = append(p.Circuits, *c)
	}
	b.mu.Unlock()
	sort.Slice(p.Circuits, func(i, j int) bool { return p.Circuits[i].Provider < p.Circuits[j].Provider })
	return json.Marshal(p)
}

// Restore replaces every circuit with a snapshot.
func (b *Breaker) Restore(data []byte) error {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits = make(map[domain.ProviderID]*Status, len(p.Circuits))
	for i := range p.Circuits {
		c := p.Circuits[i]
		b.circuits[c.Provider] = &c
	}
	b.forcedResets = p.ForcedResets
	return nil
}
