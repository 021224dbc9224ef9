package config

import (
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/orchestrator"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/abuse"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/cache"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/circuit"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/health"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/quality"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/queue"
)

// Orchestrator merges the environment tunables with cat into the settings of
// the orchestration context.
func (c Config) Orchestrator(cat Catalog) orchestrator.Config {
	cc := cache.DefaultConfig()
	cc.TTL = c.CacheTTL
	cc.Capacity = c.CacheCapacity

	cb := circuit.DefaultConfig()
	cb.FailureThreshold = c.CircuitFailureThreshold
	cb.Timeout = c.CircuitTimeout
	cb.MonitoringPeriod = c.CircuitMonitoringPeriod
	cb.SuccessThreshold = c.CircuitSuccessThreshold

	ab := abuse.DefaultConfig()
	ab.ThrottleDuration = c.AbuseThrottleDuration
	ab.SuspicionThreshold = c.AbuseSuspicionThreshold

	hc := health.DefaultConfig()
	hc.ProbeInterval = c.HealthProbeInterval
	hc.ProbeTimeout = c.HealthProbeTimeout

	qc := quality.DefaultConfig()
	if len(cat.VideoCapable) > 0 {
		qc.VideoCapable = append([]domain.ProviderID(nil), cat.VideoCapable...)
	}

	qu := queue.DefaultConfig()
	qu.MaxConcurrent = c.QueueMaxConcurrent
	qu.TickInterval = c.QueueTick
	qu.DefaultMaxRetries = c.QueueMaxRetries
	if c.QueueMaxRetries == 0 {
		qu.DefaultMaxRetries = -1
	}
	qu.Batching = cat.Batching

	iv := orchestrator.DefaultIntervals()
	iv.QueueTick = c.QueueTick
	iv.HealthProbe = c.HealthProbeInterval
	iv.Persist = c.PersistInterval

	return orchestrator.Config{
		Cache:         cc,
		Circuit:       cb,
		Abuse:         ab,
		Health:        hc,
		Quality:       qc,
		Queue:         qu,
		Limits:        cat.Limits,
		Rankings:      cat.Rankings,
		Intervals:     iv,
		SampleWindow:  c.SampleWindow,
		LocalFallback: cat.LocalFallback,
	}
}
