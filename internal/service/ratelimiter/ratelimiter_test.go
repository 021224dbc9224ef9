package ratelimiter_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/capability-orchestrator/internal/clock"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/ratelimiter"
)

type gateFunc func(string) bool

func (f gateFunc) CanPerformAction(identity string) bool { return f(identity) }

type recorder struct {
	mu     sync.Mutex
	events []domain.RateLimitDecision
}

func (r *recorder) Publish(ev domain.Event) {
	if d, ok := ev.(domain.RateLimitDecision); ok {
		r.mu.Lock()
		r.events = append(r.events, d)
		r.mu.Unlock()
	}
}

func table() ratelimiter.Table {
	return ratelimiter.Table{
		domain.ProviderTTSA: {
			domain.PlanFree:    {MaxRequests: 3, Window: time.Second},
			domain.PlanPremium: {MaxRequests: 10, Window: time.Second},
		},
		domain.ProviderVideoAvatarA: {
			domain.PlanFree: {MaxRequests: 10, Window: time.Minute, BurstRequests: 2, BurstWindow: 5 * time.Second},
		},
	}
}

func newLimiter(gate ratelimiter.Gate) (*ratelimiter.Limiter, *clock.Fake, *recorder) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorder{}
	return ratelimiter.New(table(), clk, gate, rec), clk, rec
}

func TestLimiter_RejectsOverLimitAndRecoversAfterWindow(t *testing.T) {
	t.Parallel()
	l, clk, _ := newLimiter(nil)

	for i := 0; i < 3; i++ {
		d := l.TryRequest(domain.ProviderTTSA, "u1")
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d := l.TryRequest(domain.ProviderTTSA, "u1")
	assert.False(t, d.Allowed)
	assert.True(t, errors.Is(d.Reason, domain.ErrRateLimited))
	assert.ErrorIs(t, d.Err(domain.ProviderTTSA), domain.ErrRateLimited)
	assert.Equal(t, time.Second, d.RetryAfter)

	clk.Advance(time.Second)
	assert.True(t, l.TryRequest(domain.ProviderTTSA, "u1").Allowed)
}

func TestLimiter_CanMakeRequestDoesNotRecord(t *testing.T) {
	t.Parallel()
	l, _, _ := newLimiter(nil)

	for i := 0; i < 5; i++ {
		assert.True(t, l.CanMakeRequest(domain.ProviderTTSA, "").Allowed)
	}
	assert.Zero(t, l.Status(domain.ProviderTTSA).Used)

	l.RecordRequest(domain.ProviderTTSA)
	l.RecordRequest(domain.ProviderTTSA)
	l.RecordRequest(domain.ProviderTTSA)
	assert.False(t, l.CanMakeRequest(domain.ProviderTTSA, "").Allowed)
}

func TestLimiter_BurstWindow(t *testing.T) {
	t.Parallel()
	l, clk, _ := newLimiter(nil)
	p := domain.ProviderVideoAvatarA

	require.True(t, l.TryRequest(p, "u").Allowed)
	require.True(t, l.TryRequest(p, "u").Allowed)

	d := l.TryRequest(p, "u")
	assert.False(t, d.Allowed, "burst exhausted while coarse window has room")
	assert.Equal(t, 2, d.BurstUsed)
	assert.Equal(t, 5*time.Second, d.RetryAfter)

	clk.Advance(5 * time.Second)
	assert.True(t, l.TryRequest(p, "u").Allowed)
	assert.Equal(t, 3, l.Status(p).Used)
}

func TestLimiter_ConsultsAbuseGateFirst(t *testing.T) {
	t.Parallel()
	l, _, rec := newLimiter(gateFunc(func(id string) bool { return id != "bad" }))

	d := l.TryRequest(domain.ProviderTTSA, "bad")
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, d.Reason, domain.ErrThrottled)
	assert.Zero(t, l.Status(domain.ProviderTTSA).Used)

	// unlimited providers are still gated
	d = l.TryRequest(domain.ProviderLocalFallback, "bad")
	assert.False(t, d.Allowed)

	require.Len(t, rec.events, 2)
	assert.Equal(t, domain.ErrThrottled.Error(), rec.events[0].Reason)
}

func TestLimiter_ApproachingEvent(t *testing.T) {
	t.Parallel()
	l, _, rec := newLimiter(nil)
	require.NoError(t, l.SetPlan(domain.PlanPremium))

	for i := 0; i < 7; i++ {
		l.TryRequest(domain.ProviderTTSA, "u")
	}
	assert.Empty(t, rec.events)

	d := l.TryRequest(domain.ProviderTTSA, "u")
	require.True(t, d.Allowed)
	assert.True(t, d.Approaching)
	require.Len(t, rec.events, 1)
	assert.True(t, rec.events[0].Approaching)
	assert.False(t, rec.events[0].Rejected)
	assert.Equal(t, domain.PlanPremium, rec.events[0].Plan)
}

func TestLimiter_UnknownProviderIsUnlimited(t *testing.T) {
	t.Parallel()
	l, _, _ := newLimiter(nil)
	for i := 0; i < 50; i++ {
		require.True(t, l.TryRequest(domain.ProviderLocalFallback, "u").Allowed)
	}
	assert.False(t, l.Status(domain.ProviderLocalFallback).Limited)
}

func TestLimiter_SetPlan(t *testing.T) {
	t.Parallel()
	l, _, _ := newLimiter(nil)
	assert.Equal(t, domain.PlanFree, l.Plan())

	err := l.SetPlan("gold")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	for i := 0; i < 3; i++ {
		l.TryRequest(domain.ProviderTTSA, "u")
	}
	require.NoError(t, l.SetPlan(domain.PlanPremium))
	st := l.Status(domain.ProviderTTSA)
	assert.Equal(t, 10, st.Limit)
	assert.Zero(t, st.Used, "windows are tracked per plan")
}

func TestLimiter_PruneAndStatus(t *testing.T) {
	t.Parallel()
	l, clk, _ := newLimiter(nil)
	l.TryRequest(domain.ProviderTTSA, "u")
	clk.Advance(500 * time.Millisecond)
	l.TryRequest(domain.ProviderTTSA, "u")

	st := l.Status(domain.ProviderTTSA)
	assert.Equal(t, 2, st.Used)
	assert.Equal(t, 1, st.Remaining)
	assert.Equal(t, clk.Now().Add(500*time.Millisecond), st.ResetAt)

	clk.Advance(600 * time.Millisecond)
	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 1, l.Status(domain.ProviderTTSA).Used)
}

func TestLimiter_SnapshotRestore(t *testing.T) {
	t.Parallel()
	l, clk, _ := newLimiter(nil)
	require.NoError(t, l.SetPlan(domain.PlanPremium))
	l.TryRequest(domain.ProviderTTSA, "u")
	l.TryRequest(domain.ProviderTTSA, "u")

	data, err := l.Snapshot()
	require.NoError(t, err)

	restored := ratelimiter.New(table(), clk, nil, nil)
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, domain.PlanPremium, restored.Plan())
	assert.Equal(t, 2, restored.Status(domain.ProviderTTSA).Used)
}
