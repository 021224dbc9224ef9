// Package scheduler runs periodic maintenance tasks (queue draining, sweeps,
// probes, state flushes) from a single clock.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// TaskFunc is one run of a periodic task.
type TaskFunc func(ctx context.Context)

type task struct {
	name     string
	interval time.Duration
	next     time.Time
	fn       TaskFunc
	traced   bool
}

// Scheduler keeps a set of periodic tasks keyed by name. Tasks are executed
// synchronously by RunPending, which both the background loop and tests call.
type Scheduler struct {
	mu    sync.Mutex
	clock domain.Clock
	tasks map[string]*task
	wake  chan struct{}
}

// New returns a scheduler driven by clk.
func New(clk domain.Clock) *Scheduler {
	return &Scheduler{
		clock: clk,
		tasks: make(map[string]*task),
		wake:  make(chan struct{}, 1),
	}
}

// Every subscribes fn to run every interval, first run one interval from now.
// Re-registering a name replaces the previous task.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) {
	if interval <= 0 || fn == nil {
		return
	}
	s.mu.Lock()
	s.tasks[name] = &task{
		name:     name,
		interval: interval,
		next:     s.clock.Now().Add(interval),
		fn:       fn,
		// sub-second ticks would flood the tracer
		traced: interval >= time.Second,
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Remove unsubscribes a task.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	delete(s.tasks, name)
	s.mu.Unlock()
}

// Tasks returns the registered task names in order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunPending runs every task whose next run is due and returns how many ran.
// A task that missed several intervals runs once and is rescheduled from now.
func (s *Scheduler) RunPending(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	due := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.next.After(now) {
			due = append(due, t)
			t.next = now.Add(t.interval)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].name < due[j].name })
	for _, t := range due {
		s.run(ctx, t)
	}
	return len(due)
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("scheduled task panicked", slog.String("task", t.name), slog.Any("recover", rec))
		}
	}()
	if !t.traced {
		t.fn(ctx)
		return
	}
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler."+t.name)
	span.SetAttributes(attribute.Float64("task.interval_seconds", t.interval.Seconds()))
	defer span.End()
	t.fn(ctx)
}

// nextDue returns the wait until the earliest task is due.
func (s *Scheduler) nextDue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return time.Second
	}
	now := s.clock.Now()
	var earliest time.Time
	for _, t := range s.tasks {
		if earliest.IsZero() || t.next.Before(earliest) {
			earliest = t.next
		}
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Run drives the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler starting", slog.Any("tasks", s.Tasks()))
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping")
			return
		case <-s.clock.After(s.nextDue()):
			s.RunPending(ctx)
		case <-s.wake:
		}
	}
}
