package domain

import "time"

// Event is the closed set of notifications components publish. Consumers
// switch on the concrete type.
type Event interface {
	EventKind() string
	isEvent()
}

// EventSink receives events. Implementations must not block the publisher for
// long; slow sinks buffer or drop.
type EventSink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev Event)

// Publish calls f(ev).
func (f SinkFunc) Publish(ev Event) { f(ev) }

// MultiSink fans an event out to every non-nil sink.
type MultiSink []EventSink

// Publish forwards ev to every sink in order.
func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// NopSink discards events.
type NopSink struct{}

// Publish does nothing.
func (NopSink) Publish(Event) {}

// CallOutcome is one executor attempt made by the fallback strategy.
type CallOutcome struct {
	Capability Capability    `json:"capability"`
	Provider   ProviderID    `json:"provider"`
	Success    bool          `json:"success"`
	TimedOut   bool          `json:"timed_out"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}

// CircuitTransition is a state change of a provider circuit.
type CircuitTransition struct {
	Provider ProviderID `json:"provider"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Reason   string     `json:"reason"`
	At       time.Time  `json:"at"`
}

// CircuitOutcome is an outcome recorded against a provider circuit.
type CircuitOutcome struct {
	Provider ProviderID `json:"provider"`
	Success  bool       `json:"success"`
	State    string     `json:"state"`
	At       time.Time  `json:"at"`
}

// CircuitRejected is an admission refused by an open circuit.
type CircuitRejected struct {
	Provider ProviderID `json:"provider"`
	At       time.Time  `json:"at"`
}

// RateLimitDecision is a rejected request or an approaching-limit warning.
type RateLimitDecision struct {
	Provider    ProviderID `json:"provider"`
	Plan        PlanTier   `json:"plan"`
	Identity    string     `json:"identity"`
	Rejected    bool       `json:"rejected"`
	Reason      string     `json:"reason"`
	Used        int        `json:"used"`
	Limit       int        `json:"limit"`
	Approaching bool       `json:"approaching"`
	At          time.Time  `json:"at"`
}

// AnomalyDetected is filed when an identity crosses the suspicion threshold.
type AnomalyDetected struct {
	ReportID       string    `json:"report_id"`
	Identity       string    `json:"identity"`
	Score          float64   `json:"score"`
	Reasons        []string  `json:"reasons"`
	ThrottledUntil time.Time `json:"throttled_until"`
	At             time.Time `json:"at"`
}

// CacheLookup is a cache hit or miss.
type CacheLookup struct {
	Hit bool      `json:"hit"`
	At  time.Time `json:"at"`
}

// QueueEventKind enumerates task lifecycle steps.
type QueueEventKind string

const (
	QueueEnqueued  QueueEventKind = "enqueued"
	QueueStarted   QueueEventKind = "started"
	QueueCompleted QueueEventKind = "completed"
	QueueRetried   QueueEventKind = "retried"
	QueueFailed    QueueEventKind = "failed"
	QueueExpired   QueueEventKind = "expired"
	QueueCleared   QueueEventKind = "cleared"
)

// QueueTaskEvent is a lifecycle step of a queued task.
type QueueTaskEvent struct {
	TaskID     string         `json:"task_id"`
	Capability Capability     `json:"capability"`
	Priority   Priority       `json:"priority"`
	Kind       QueueEventKind `json:"kind"`
	Wait       time.Duration  `json:"wait"`
	At         time.Time      `json:"at"`
}

// HealthChanged is a provider health status change.
type HealthChanged struct {
	Provider ProviderID `json:"provider"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	At       time.Time  `json:"at"`
}

func (CallOutcome) EventKind() string       { return "call_outcome" }
func (CircuitTransition) EventKind() string { return "circuit_transition" }
func (CircuitOutcome) EventKind() string    { return "circuit_outcome" }
func (CircuitRejected) EventKind() string   { return "circuit_rejected" }
func (RateLimitDecision) EventKind() string { return "rate_limit" }
func (AnomalyDetected) EventKind() string   { return "anomaly" }
func (CacheLookup) EventKind() string       { return "cache_lookup" }
func (QueueTaskEvent) EventKind() string    { return "queue_task" }
func (HealthChanged) EventKind() string     { return "health_changed" }

func (CallOutcome) isEvent()       {}
func (CircuitTransition) isEvent() {}
func (CircuitOutcome) isEvent()    {}
func (CircuitRejected) isEvent()   {}
func (RateLimitDecision) isEvent() {}
func (AnomalyDetected) isEvent()   {}
func (CacheLookup) isEvent()       {}
func (QueueTaskEvent) isEvent()    {}
func (HealthChanged) isEvent()     {}
