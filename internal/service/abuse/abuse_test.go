package abuse_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/capability-orchestrator/internal/clock"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/abuse"
)

func newDetector() (*abuse.Detector, *clock.Fake, *[]domain.AnomalyDetected) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	var got []domain.AnomalyDetected
	sink := domain.SinkFunc(func(ev domain.Event) {
		if a, ok := ev.(domain.AnomalyDetected); ok {
			got = append(got, a)
		}
	})
	return abuse.New(abuse.Config{}, clk, sink), clk, &got
}

func TestBotLikelihood(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		intervals []float64
		want      float64
	}{
		{"equal intervals", []float64{1000, 1000, 1000, 1000, 1000}, 1},
		{"too few samples", []float64{1000, 1000, 1000, 1000}, 0},
		{"human-like spread", []float64{0, 0, 0, 0, 10000}, 0},
		{"zero mean", []float64{0, 0, 0, 0, 0}, 1},
		{"mid range", []float64{400, 1600, 400, 1600, 400, 1600}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, abuse.BotLikelihood(tt.intervals, 5), 1e-9)
		})
	}
}

func TestDetector_RegularTimingScoresBotSignal(t *testing.T) {
	t.Parallel()
	d, clk, _ := newDetector()

	for i := 0; i < 6; i++ {
		d.RecordAction("u1", abuse.Action{Kind: "tts"})
		clk.Advance(2 * time.Second)
	}
	as := d.DetectAnomaly("u1")
	assert.InDelta(t, 1.0, as.BotLikelihood, 1e-9)
	assert.InDelta(t, 0.3, as.Signals[abuse.SignalBotTiming], 1e-9)
	assert.InDelta(t, 0.3, as.Score, 1e-9)
	assert.True(t, d.CanPerformAction("u1"))
}

func TestDetector_ThrottlesAboveThreshold(t *testing.T) {
	t.Parallel()
	d, clk, got := newDetector()
	act := abuse.Action{Kind: "video", ClientSignature: "curl/8.4.0"}

	for i := 0; i < 31; i++ {
		d.RecordAction("u2", act)
		if i < 30 {
			require.True(t, d.CanPerformAction("u2"), "action %d", i+1)
			clk.Advance(time.Second)
		}
	}

	assert.False(t, d.CanPerformAction("u2"))
	as := d.DetectAnomaly("u2")
	assert.InDelta(t, 0.8, as.Score, 1e-9)
	assert.Contains(t, as.Reasons, "high action rate")
	assert.Contains(t, as.Reasons, "suspicious client signature")

	reports := d.Reports()
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].ID, 26)
	require.Len(t, *got, 1)
	assert.Equal(t, reports[0].ID, (*got)[0].ReportID)

	// still throttled: no second report
	d.RecordAction("u2", act)
	assert.Len(t, d.Reports(), 1)

	clk.Advance(5 * time.Minute)
	assert.True(t, d.CanPerformAction("u2"))
}

func TestDetector_MultipleOriginsAndFailureStreak(t *testing.T) {
	t.Parallel()
	d, clk, _ := newDetector()
	gaps := []time.Duration{time.Second, 40 * time.Second, 3 * time.Second, 90 * time.Second, 7 * time.Second}
	for i, g := range gaps {
		d.RecordAction("", abuse.Action{Kind: "stt", Origin: fmt.Sprintf("10.0.0.%d", i), Failed: true})
		clk.Advance(g)
	}

	st := d.UserStatus(domain.AnonymousIdentity)
	assert.Equal(t, 5, st.UniqueOrigins)
	assert.Equal(t, 5, st.ConsecutiveFailures)

	as := d.DetectAnomaly("")
	assert.InDelta(t, 0.2, as.Signals[abuse.SignalMultipleOrigins], 1e-9)
	assert.InDelta(t, 0.2, as.Signals[abuse.SignalFailureStreak], 1e-9)
	assert.NotContains(t, as.Signals, abuse.SignalBotTiming)

	d.RecordAction("", abuse.Action{Kind: "stt", Origin: "10.0.0.1"})
	assert.Zero(t, d.UserStatus("").ConsecutiveFailures)
}

func TestDetector_CleanupTrimsButKeepsProfiles(t *testing.T) {
	t.Parallel()
	d, clk, _ := newDetector()
	d.RecordAction("u3", abuse.Action{Kind: "tts"})
	d.RecordAction("u3", abuse.Action{Kind: "tts"})
	clk.Advance(time.Hour + time.Minute)

	assert.Equal(t, 2, d.Cleanup())
	st := d.UserStatus("u3")
	assert.Zero(t, st.ActionCount)
	assert.Equal(t, 1, d.Statistics().TrackedUsers)
}

func TestDetector_ReportsAreCapped(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	d := abuse.New(abuse.Config{MaxReports: 2, SuspicionThreshold: 0.1}, clk, nil)

	for i := 0; i < 3; i++ {
		d.RecordAction(fmt.Sprintf("bot-%d", i), abuse.Action{ClientSignature: "python-requests/2.31"})
	}
	reports := d.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "bot-1", reports[0].Identity)
	assert.Equal(t, "bot-2", reports[1].Identity)
	assert.Equal(t, 3, d.Statistics().ThrottledUsers)
}

func TestDetector_SnapshotRestore(t *testing.T) {
	t.Parallel()
	d, clk, _ := newDetector()
	for i := 0; i < 31; i++ {
		d.RecordAction("u4", abuse.Action{ClientSignature: "HeadlessChrome"})
		clk.Advance(time.Second)
	}
	require.False(t, d.CanPerformAction("u4"))

	data, err := d.Snapshot()
	require.NoError(t, err)

	restored := abuse.New(abuse.Config{}, clk, nil)
	require.NoError(t, restored.Restore(data))
	assert.False(t, restored.CanPerformAction("u4"))
	assert.Len(t, restored.Reports(), 1)
}
