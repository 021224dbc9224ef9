package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/capability-orchestrator/internal/clock"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/queue"
)

func newQueue(cfg queue.Config) (*queue.Queue, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	return queue.New(cfg, clk, nil), clk
}

func waitTimeout(t *testing.T, h *queue.Handle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func TestQueue_BoundsConcurrency(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(queue.Config{MaxConcurrent: 2})
	release := make(chan struct{})
	blocking := func(ctx context.Context, _ any) (any, error) {
		<-release
		return "done", nil
	}

	handles := make([]*queue.Handle, 5)
	for i := range handles {
		handles[i] = q.Enqueue(context.Background(), queue.Request{Capability: domain.CapabilityTTS}, blocking)
	}

	st := q.Stats()
	assert.Equal(t, 2, st.Processing)
	assert.Equal(t, 3, st.QueueSize)
	assert.Equal(t, 3, st.ByCapability[domain.CapabilityTTS])

	close(release)
	for _, h := range handles {
		v, err := waitTimeout(t, h)
		require.NoError(t, err)
		assert.Equal(t, "done", v)
	}
	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, int64(5), q.Stats().Completed)
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(queue.Config{MaxConcurrent: 1})
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	job := func(name string) queue.TaskFunc {
		return func(context.Context, any) (any, error) {
			if name == "first" {
				<-gate
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	hs := []*queue.Handle{
		q.Enqueue(context.Background(), queue.Request{Priority: domain.PriorityLow}, job("first")),
		q.Enqueue(context.Background(), queue.Request{Priority: domain.PriorityLow}, job("low-1")),
		q.Enqueue(context.Background(), queue.Request{Priority: domain.PriorityMedium}, job("medium")),
		q.Enqueue(context.Background(), queue.Request{Priority: domain.PriorityHigh}, job("high")),
		q.Enqueue(context.Background(), queue.Request{Priority: domain.PriorityLow}, job("low-2")),
	}
	assert.Equal(t, 1, q.Stats().ByPriority["medium"])
	close(gate)
	for _, h := range hs {
		_, err := waitTimeout(t, h)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "high", "medium", "low-1", "low-2"}, order)
}

func TestQueue_RetriesThenFails(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(queue.Config{})
	boom := errors.New("boom")
	var calls atomic.Int32

	h := q.Enqueue(context.Background(), queue.Request{}, func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, boom
	})
	_, err := waitTimeout(t, h)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load(), "one run plus two retries")

	st := q.Stats()
	assert.Equal(t, int64(2), st.Retried)
	assert.Equal(t, int64(1), st.Failed)
}

func TestQueue_RetrySucceeds(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(queue.Config{})
	var calls atomic.Int32
	h := q.Enqueue(context.Background(), queue.Request{}, func(context.Context, any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("flaky")
		}
		return 42, nil
	})
	v, err := waitTimeout(t, h)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestQueue_NegativeMaxRetriesDisablesRetry(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(queue.Config{})
	var calls atomic.Int32
	h := q.Enqueue(context.Background(), queue.Request{MaxRetries: -1}, func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, errors.New("nope")
	})
	_, err := waitTimeout(t, h)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_NegativeDefaultMaxRetriesDisablesRetry(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(queue.Config{DefaultMaxRetries: -1})
	var calls atomic.Int32
	h := q.Enqueue(context.Background(), queue.Request{}, func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, errors.New("nope")
	})
	_, err := waitTimeout(t, h)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_ExpiresStaleTasksAtDequeue(t *testing.T) {
	t.Parallel()
	q, clk := newQueue(queue.Config{MaxConcurrent: 1})
	release := make(chan struct{})
	first := q.Enqueue(context.Background(), queue.Request{}, func(context.Context, any) (any, error) {
		<-release
		return nil, nil
	})
	var ran atomic.Bool
	stale := q.Enqueue(context.Background(), queue.Request{Timeout: time.Second}, func(context.Context, any) (any, error) {
		ran.Store(true)
		return nil, nil
	})

	clk.Advance(2 * time.Second)
	close(release)

	_, err := waitTimeout(t, first)
	require.NoError(t, err)
	_, err = waitTimeout(t, stale)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.False(t, ran.Load())
	assert.Equal(t, int64(1), q.Stats().Expired)
}

func TestQueue_BatchingFlushesOnSizeAndWait(t *testing.T) {
	t.Parallel()
	q, clk := newQueue(queue.Config{
		Batching: map[domain.Capability]queue.BatchConfig{
			domain.CapabilitySTT: {MaxBatchSize: 3, MaxWait: 500 * time.Millisecond},
		},
	})
	noop := func(context.Context, any) (any, error) { return "ok", nil }

	a := q.Enqueue(context.Background(), queue.Request{Capability: domain.CapabilitySTT}, noop)
	b := q.Enqueue(context.Background(), queue.Request{Capability: domain.CapabilitySTT}, noop)
	assert.Equal(t, 2, q.Stats().PendingBatches[domain.CapabilitySTT])
	select {
	case <-a.Done():
		t.Fatal("batched task ran before flush")
	default:
	}

	c := q.Enqueue(context.Background(), queue.Request{Capability: domain.CapabilitySTT}, noop)
	for _, h := range []*queue.Handle{a, b, c} {
		_, err := waitTimeout(t, h)
		require.NoError(t, err)
	}

	d := q.Enqueue(context.Background(), queue.Request{Capability: domain.CapabilitySTT}, noop)
	q.Tick()
	assert.Equal(t, 1, q.Stats().PendingBatches[domain.CapabilitySTT])
	clk.Advance(500 * time.Millisecond)
	q.Tick()
	_, err := waitTimeout(t, d)
	require.NoError(t, err)
}

func TestQueue_ClearRejectsQueuedTasks(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(queue.Config{
		MaxConcurrent: 1,
		Batching:      map[domain.Capability]queue.BatchConfig{domain.CapabilitySTT: {MaxBatchSize: 10, MaxWait: time.Minute}},
	})
	release := make(chan struct{})
	running := q.Enqueue(context.Background(), queue.Request{}, func(context.Context, any) (any, error) {
		<-release
		return "kept", nil
	})
	queued := q.Enqueue(context.Background(), queue.Request{}, func(context.Context, any) (any, error) { return nil, nil })
	batched := q.Enqueue(context.Background(), queue.Request{Capability: domain.CapabilitySTT}, func(context.Context, any) (any, error) { return nil, nil })

	assert.Equal(t, 2, q.Clear())
	_, err := waitTimeout(t, queued)
	assert.ErrorIs(t, err, domain.ErrQueueCleared)
	_, err = waitTimeout(t, batched)
	assert.ErrorIs(t, err, domain.ErrQueueCleared)

	close(release)
	v, err := waitTimeout(t, running)
	require.NoError(t, err)
	assert.Equal(t, "kept", v)
}

func TestQueue_PanicBecomesError(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(queue.Config{})
	h := q.Enqueue(context.Background(), queue.Request{MaxRetries: -1}, func(context.Context, any) (any, error) {
		panic("kaboom")
	})
	_, err := waitTimeout(t, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestHandle_WaitHonorsContext(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(queue.Config{})
	block := make(chan struct{})
	defer close(block)
	h := q.Enqueue(context.Background(), queue.Request{}, func(context.Context, any) (any, error) {
		<-block
		return nil, nil
	})
	assert.NotEmpty(t, h.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
