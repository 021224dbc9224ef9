package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StoreFile, cfg.StoreDriver)
	assert.Equal(t, 5, cfg.QueueMaxConcurrent)
	assert.Equal(t, 100*time.Millisecond, cfg.QueueTick)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.False(t, cfg.EventsEnabled())
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("STORE_DRIVER", "redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("QUEUE_MAX_CONCURRENT", "2")
	t.Setenv("CIRCUIT_TIMEOUT", "5s")
	t.Setenv("ABUSE_SUSPICION_THRESHOLD", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, StoreRedis, cfg.StoreDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.EventsEnabled())
	assert.Equal(t, 2, cfg.QueueMaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.CircuitTimeout)
	assert.InDelta(t, 0.5, cfg.AbuseSuspicionThreshold, 1e-9)
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":     {"QUEUE_TICK", "soon"},
		"unknown driver":   {"STORE_DRIVER", "etcd"},
		"zero concurrency": {"QUEUE_MAX_CONCURRENT", "0"},
		"threshold range":  {"ABUSE_SUSPICION_THRESHOLD", "1.5"},
		"negative retries": {"QUEUE_MAX_RETRIES", "-1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestConfig_Orchestrator(t *testing.T) {
	t.Setenv("CACHE_CAPACITY", "10")
	t.Setenv("PERSIST_INTERVAL", "1m")
	cfg, err := Load()
	require.NoError(t, err)
	cat, err := DefaultCatalog()
	require.NoError(t, err)

	oc := cfg.Orchestrator(cat)
	assert.Equal(t, 10, oc.Cache.Capacity)
	assert.Equal(t, time.Minute, oc.Intervals.Persist)
	assert.Equal(t, domain.ProviderLocalFallback, oc.LocalFallback)
	assert.Equal(t, cat.Rankings, oc.Rankings)
	assert.Equal(t, 5, oc.Queue.Batching[domain.CapabilityTTS].MaxBatchSize)
	assert.Equal(t, []domain.ProviderID{domain.ProviderVideoAvatarA, domain.ProviderVideoAvatarB}, oc.Quality.VideoCapable)
}

func TestConfig_OrchestratorZeroRetries(t *testing.T) {
	t.Setenv("QUEUE_MAX_RETRIES", "0")
	cfg, err := Load()
	require.NoError(t, err)
	cat, err := DefaultCatalog()
	require.NoError(t, err)

	oc := cfg.Orchestrator(cat)
	assert.Equal(t, -1, oc.Queue.DefaultMaxRetries, "zero retries survives the queue defaults")
}

func TestConfig_CheckCatalog(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cat, err := DefaultCatalog()
	require.NoError(t, err)
	assert.NoError(t, cfg.CheckCatalog(cat))
	assert.Equal(t, 51*time.Second, cat.ChainTimeout(domain.CapabilityVideo))

	t.Setenv("REQUEST_TIMEOUT", "30s")
	cfg, err = Load()
	require.NoError(t, err)
	err = cfg.CheckCatalog(cat)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video chain")
}
