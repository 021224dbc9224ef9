package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/executor"
	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/store/memstore"
	"github.com/fairyhunter13/capability-orchestrator/internal/app"
	"github.com/fairyhunter13/capability-orchestrator/internal/clock"
	"github.com/fairyhunter13/capability-orchestrator/internal/config"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/orchestrator"
)

func TestOpenStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, err := app.OpenStore(ctx, config.Config{StoreDriver: config.StoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, b.Store)
	assert.NoError(t, b.Ping(ctx))
	assert.NoError(t, b.Close())

	dir := filepath.Join(t.TempDir(), "state")
	b, err = app.OpenStore(ctx, config.Config{StoreDriver: config.StoreFile, StorePath: dir})
	require.NoError(t, err)
	require.NoError(t, b.Store.Save(ctx, "circuits", []byte(`{}`)))
	assert.NoError(t, b.Ping(ctx))
	assert.NoError(t, b.Close())
	_, err = os.Stat(filepath.Join(dir, "circuits.json"))
	assert.NoError(t, err)

	_, err = app.OpenStore(ctx, config.Config{StoreDriver: "etcd"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRegisterProviders_DefaultCatalog(t *testing.T) {
	t.Parallel()
	cat, err := config.DefaultCatalog()
	require.NoError(t, err)
	o, err := orchestrator.New(orchestrator.Config{Rankings: cat.Rankings, LocalFallback: cat.LocalFallback}, orchestrator.Deps{
		Clock: clock.NewFake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)),
		Store: memstore.New(),
	})
	require.NoError(t, err)

	var asked []string
	n := app.RegisterProviders(o, cat, executor.NewClient(nil, executor.RetryPolicy{}), func(k string) string {
		asked = append(asked, k)
		return "k-" + k
	})
	assert.Equal(t, 11, n)
	assert.Contains(t, asked, "VIDEO_AVATAR_A_API_KEY")
	assert.Contains(t, asked, "TTS_A_API_KEY")
}

func TestNew_WiresMemoryBackend(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	cfg, err := config.Load()
	require.NoError(t, err)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, clock.NewFake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.NotEmpty(t, a.Scheduler.Tasks())

	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ratelimits/tts-a", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.Close(ctx))
}

func TestNew_RejectsMissingCatalog(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("PROVIDERS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := config.Load()
	require.NoError(t, err)
	_, err = app.New(context.Background(), cfg, clock.NewFake(time.Now()))
	assert.Error(t, err)
}
