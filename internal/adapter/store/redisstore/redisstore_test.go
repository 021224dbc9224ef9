package redisstore_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

func newStore(t *testing.T, opts redisstore.Options) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisstore.New(rdb, opts), mr
}

func TestStore_SaveLoad(t *testing.T) {
	t.Parallel()
	s, mr := newStore(t, redisstore.Options{})
	ctx := context.Background()

	_, err := s.Load(ctx, "circuits")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Save(ctx, "circuits", []byte(`{"circuits":[]}`)))
	got, err := s.Load(ctx, "circuits")
	require.NoError(t, err)
	assert.JSONEq(t, `{"circuits":[]}`, string(got))
	assert.True(t, mr.Exists(redisstore.DefaultPrefix+"circuits"))
	require.NoError(t, s.Ping(ctx))
}

func TestStore_TTL(t *testing.T) {
	t.Parallel()
	s, mr := newStore(t, redisstore.Options{Prefix: "t:", TTL: time.Minute})
	require.NoError(t, s.Save(context.Background(), "abuse", []byte("{}")))
	assert.Equal(t, time.Minute, mr.TTL("t:abuse"))

	mr.FastForward(2 * time.Minute)
	_, err := s.Load(context.Background(), "abuse")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_SaveFailsWhenServerIsGone(t *testing.T) {
	t.Parallel()
	s, mr := newStore(t, redisstore.Options{MaxElapsedTime: 100 * time.Millisecond, InitialBackoff: 10 * time.Millisecond})
	mr.Close()

	err := s.Save(context.Background(), "quality", []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=redisstore.Save key=quality")
	assert.Error(t, s.Ping(context.Background()))
}

func TestDial_BadURL(t *testing.T) {
	t.Parallel()
	_, err := redisstore.Dial(context.Background(), "://nope", redisstore.Options{})
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	s, err := redisstore.Dial(context.Background(), "redis://"+mr.Addr(), redisstore.Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Save(context.Background(), "cache", []byte("x")))
}
