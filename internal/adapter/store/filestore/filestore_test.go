package filestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/store/filestore"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

func TestStore_SaveLoad(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "state")
	ctx := context.Background()
	s, err := filestore.Open(ctx, dir, filestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Load(ctx, "cache")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Save(ctx, "cache", []byte(`{"entries":[]}`)))
	require.NoError(t, s.Save(ctx, "cache", []byte(`{"entries":[1]}`)))
	got, err := s.Load(ctx, "cache")
	require.NoError(t, err)
	assert.Equal(t, `{"entries":[1]}`, string(got))

	_, err = os.Stat(filepath.Join(dir, "cache.json"))
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
}

func TestStore_RejectsUnsafeKeys(t *testing.T) {
	t.Parallel()
	s, err := filestore.Open(context.Background(), t.TempDir(), filestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for _, key := range []string{"../escape", "a/b", "", "UPPER"} {
		assert.ErrorIs(t, s.Save(context.Background(), key, nil), domain.ErrInvalidArgument, key)
	}
}

func TestOpen_SecondInstanceIsLockedOut(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first, err := filestore.Open(context.Background(), dir, filestore.Options{})
	require.NoError(t, err)

	_, err = filestore.Open(context.Background(), dir, filestore.Options{
		LockTimeout: 50 * time.Millisecond,
		LockRetry:   10 * time.Millisecond,
	})
	require.Error(t, err)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	assert.Error(t, first.Ping(context.Background()))

	second, err := filestore.Open(context.Background(), dir, filestore.Options{})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
