// Package queue is the admission control point for capability work: a stable
// priority queue bounded by a concurrency limit, with optional per-capability
// batching and bounded retries.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// BatchConfig enables batching for a capability.
type BatchConfig struct {
	MaxBatchSize int           `json:"max_batch_size" yaml:"max_batch_size" validate:"gt=0"`
	MaxWait      time.Duration `json:"max_wait" yaml:"max_wait" validate:"gt=0"`
}

// Config tunes the queue. Zero values fall back to defaults.
type Config struct {
	MaxConcurrent  int
	TickInterval   time.Duration
	DefaultTimeout time.Duration
	// DefaultMaxRetries applies to requests without their own cap. A
	// negative value disables retries.
	DefaultMaxRetries int
	Batching          map[domain.Capability]BatchConfig
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     5,
		TickInterval:      100 * time.Millisecond,
		DefaultTimeout:    60 * time.Second,
		DefaultMaxRetries: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	switch {
	case c.DefaultMaxRetries == 0:
		c.DefaultMaxRetries = d.DefaultMaxRetries
	case c.DefaultMaxRetries < 0:
		c.DefaultMaxRetries = 0
	}
	return c
}

// Request describes one unit of queued work.
type Request struct {
	Capability domain.Capability
	Priority   domain.Priority
	Payload    any
	// Timeout bounds the age of the task at dequeue time. Zero uses the
	// queue default.
	Timeout time.Duration
	// MaxRetries caps re-executions after a failure. Zero uses the queue
	// default; a negative value disables retries.
	MaxRetries int
}

// TaskFunc executes a task.
type TaskFunc func(ctx context.Context, payload any) (any, error)

// Handle tracks a queued task until it completes.
type Handle struct {
	ID string

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newHandle(id string) *Handle {
	return &Handle{ID: id, done: make(chan struct{})}
}

func (h *Handle) resolve(v any, err error) {
	h.once.Do(func() {
		h.value, h.err = v, err
		close(h.done)
	})
}

// Done is closed once the task has completed, failed or been rejected.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type task struct {
	id         string
	ctx        context.Context
	req        Request
	fn         TaskFunc
	handle     *Handle
	enqueuedAt time.Time
	seq        uint64
	retries    int
	maxRetries int
	timeout    time.Duration
	index      int
}

// taskHeap orders by priority desc, then insertion sequence asc.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	QueueSize      int                       `json:"queue_size"`
	Processing     int                       `json:"processing"`
	ByPriority     map[string]int            `json:"by_priority"`
	ByCapability   map[domain.Capability]int `json:"by_capability"`
	PendingBatches map[domain.Capability]int `json:"pending_batches"`
	Completed      int64                     `json:"completed"`
	Failed         int64                     `json:"failed"`
	Retried        int64                     `json:"retried"`
	Expired        int64                     `json:"expired"`
}

// Queue is the request queue.
type Queue struct {
	mu         sync.Mutex
	cfg        Config
	clock      domain.Clock
	sink       domain.EventSink
	pending    taskHeap
	batches    map[domain.Capability][]*task
	processing int
	seq        uint64
	idle       chan struct{}

	completed, failed, retried, expired int64
}

// New builds a queue. sink may be nil.
func New(cfg Config, clk domain.Clock, sink domain.EventSink) *Queue {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Queue{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		sink:    sink,
		batches: make(map[domain.Capability][]*task),
	}
}

// TickInterval is the configured admission tick.
func (q *Queue) TickInterval() time.Duration { return q.cfg.TickInterval }

type pendingEvent struct {
	ev      domain.QueueTaskEvent
	resolve *task
	value   any
	err     error
}

func (q *Queue) event(t *task, kind domain.QueueEventKind, now time.Time) pendingEvent {
	return pendingEvent{ev: domain.QueueTaskEvent{
		TaskID:     t.id,
		Capability: t.req.Capability,
		Priority:   t.req.Priority,
		Kind:       kind,
		Wait:       now.Sub(t.enqueuedAt),
		At:         now,
	}}
}

func (q *Queue) finish(out []pendingEvent) {
	for _, p := range out {
		q.sink.Publish(p.ev)
		if p.resolve != nil {
			p.resolve.handle.resolve(p.value, p.err)
		}
	}
}

// Enqueue adds a task and admits it right away when a slot is free.
func (q *Queue) Enqueue(ctx context.Context, req Request, fn TaskFunc) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	now := q.clock.Now()
	t := &task{
		id:         uuid.NewString(),
		ctx:        ctx,
		req:        req,
		fn:         fn,
		enqueuedAt: now,
		timeout:    req.Timeout,
		maxRetries: req.MaxRetries,
	}
	if t.timeout <= 0 {
		t.timeout = q.cfg.DefaultTimeout
	}
	switch {
	case t.maxRetries == 0:
		t.maxRetries = q.cfg.DefaultMaxRetries
	case t.maxRetries < 0:
		t.maxRetries = 0
	}
	t.handle = newHandle(t.id)

	q.mu.Lock()
	out := []pendingEvent{q.event(t, domain.QueueEnqueued, now)}
	if bc, ok := q.cfg.Batching[req.Capability]; ok && bc.MaxBatchSize > 0 {
		q.batches[req.Capability] = append(q.batches[req.Capability], t)
		if len(q.batches[req.Capability]) >= bc.MaxBatchSize {
			q.flushBatchLocked(req.Capability)
		}
	} else {
		q.pushLocked(t)
	}
	out = append(out, q.dispatchLocked(now)...)
	q.mu.Unlock()

	q.finish(out)
	return t.handle
}

func (q *Queue) pushLocked(t *task) {
	q.seq++
	t.seq = q.seq
	heap.Push(&q.pending, t)
}

func (q *Queue) flushBatchLocked(c domain.Capability) {
	buf := q.batches[c]
	delete(q.batches, c)
	for _, t := range buf {
		q.pushLocked(t)
	}
	if len(buf) > 0 {
		slog.Debug("queue flushed batch", slog.String("capability", string(c)), slog.Int("size", len(buf)))
	}
}

// dispatchLocked admits tasks while a slot is free. Tasks older than their
// timeout are rejected without running.
func (q *Queue) dispatchLocked(now time.Time) []pendingEvent {
	var out []pendingEvent
	for q.processing < q.cfg.MaxConcurrent && q.pending.Len() > 0 {
		t := heap.Pop(&q.pending).(*task)
		if now.Sub(t.enqueuedAt) > t.timeout {
			q.expired++
			p := q.event(t, domain.QueueExpired, now)
			p.resolve = t
			p.err = fmt.Errorf("op=queue.dispatch task=%s waited %s: %w", t.id, now.Sub(t.enqueuedAt), domain.ErrTimeout)
			out = append(out, p)
			continue
		}
		q.processing++
		out = append(out, q.event(t, domain.QueueStarted, now))
		go q.run(t)
	}
	return out
}

func (q *Queue) run(t *task) {
	v, err := q.execute(t)
	now := q.clock.Now()

	q.mu.Lock()
	q.processing--
	var out []pendingEvent
	switch {
	case err == nil:
		q.completed++
		p := q.event(t, domain.QueueCompleted, now)
		p.resolve, p.value = t, v
		out = append(out, p)
	case t.retries < t.maxRetries && t.ctx.Err() == nil:
		t.retries++
		q.retried++
		q.pushLocked(t)
		out = append(out, q.event(t, domain.QueueRetried, now))
		slog.Debug("queue retrying task",
			slog.String("task_id", t.id),
			slog.Int("retry", t.retries),
			slog.Any("error", err))
	default:
		q.failed++
		p := q.event(t, domain.QueueFailed, now)
		p.resolve, p.err = t, err
		out = append(out, p)
	}
	out = append(out, q.dispatchLocked(now)...)
	if q.processing == 0 && q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
	q.mu.Unlock()

	q.finish(out)
}

func (q *Queue) execute(t *task) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("queued task panicked", slog.String("task_id", t.id), slog.Any("recover", rec))
			err = fmt.Errorf("op=queue.run task=%s: panic: %v", t.id, rec)
		}
	}()
	return t.fn(t.ctx, t.req.Payload)
}

// Tick flushes batches whose oldest task has waited MaxWait and admits
// pending tasks into free slots.
func (q *Queue) Tick() {
	now := q.clock.Now()
	q.mu.Lock()
	for c, buf := range q.batches {
		bc := q.cfg.Batching[c]
		if len(buf) > 0 && now.Sub(buf[0].enqueuedAt) >= bc.MaxWait {
			q.flushBatchLocked(c)
		}
	}
	out := q.dispatchLocked(now)
	q.mu.Unlock()

	q.finish(out)
}

// Clear rejects every queued and batched task with ErrQueueCleared and
// returns how many were rejected. Running tasks are not affected.
func (q *Queue) Clear() int {
	now := q.clock.Now()
	q.mu.Lock()
	var out []pendingEvent
	reject := func(t *task) {
		p := q.event(t, domain.QueueCleared, now)
		p.resolve = t
		p.err = fmt.Errorf("op=queue.Clear task=%s: %w", t.id, domain.ErrQueueCleared)
		out = append(out, p)
	}
	for _, t := range q.pending {
		reject(t)
	}
	q.pending = nil
	for c, buf := range q.batches {
		for _, t := range buf {
			reject(t)
		}
		delete(q.batches, c)
	}
	q.mu.Unlock()

	if len(out) > 0 {
		slog.Info("queue cleared", slog.Int("rejected", len(out)))
	}
	q.finish(out)
	return len(out)
}

// Stats returns the current queue view.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{
		QueueSize:      q.pending.Len(),
		Processing:     q.processing,
		ByPriority:     map[string]int{},
		ByCapability:   map[domain.Capability]int{},
		PendingBatches: map[domain.Capability]int{},
		Completed:      q.completed,
		Failed:         q.failed,
		Retried:        q.retried,
		Expired:        q.expired,
	}
	for _, t := range q.pending {
		st.ByPriority[t.req.Priority.String()]++
		st.ByCapability[t.req.Capability]++
	}
	for c, buf := range q.batches {
		st.PendingBatches[c] = len(buf)
	}
	return st
}

// Drain blocks until no task is running or ctx is done. Queued tasks are
// left in place.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.processing == 0 {
		q.mu.Unlock()
		return nil
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=queue.Drain: %w", ctx.Err())
	}
}
