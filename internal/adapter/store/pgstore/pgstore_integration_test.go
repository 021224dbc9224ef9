//go:build integration

package pgstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/store/pgstore"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

func TestStore_Postgres(t *testing.T) {
	ctx := context.Background()
	port := nat.Port("5432/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "app"},
		ExposedPorts: []string{string(port)},
		WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + host + ":" + mapped.Port() + "/app?sslmode=disable"

	pool, err := pgstore.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.Eventually(t, func() bool { return pool.Ping(ctx) == nil }, 30*time.Second, time.Second)

	s := pgstore.New(pool)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	_, err = s.Load(ctx, "circuits")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Save(ctx, "circuits", []byte(`{"v":1}`)))
	require.NoError(t, s.Save(ctx, "circuits", []byte(`{"v":2}`)))
	got, err := s.Load(ctx, "circuits")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))
}
