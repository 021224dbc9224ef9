// Package redisstore persists state namespaces as Redis string keys.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "orchestrator:state:"

// Options tune key naming and write retries.
type Options struct {
	Prefix string
	// TTL expires records that stop being flushed. Zero keeps them forever.
	TTL            time.Duration
	MaxElapsedTime time.Duration
	InitialBackoff time.Duration
}

// Store wraps a go-redis client.
type Store struct {
	rdb  redis.UniversalClient
	opts Options
}

// New returns a store over rdb.
func New(rdb redis.UniversalClient, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.MaxElapsedTime <= 0 {
		opts.MaxElapsedTime = 2 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	return &Store{rdb: rdb, opts: opts}
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, url string, opts Options) (*Store, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.Dial: %w", err)
	}
	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=redisstore.Dial addr=%s: %w", ro.Addr, err)
	}
	return New(rdb, opts), nil
}

func (s *Store) key(k string) string { return s.opts.Prefix + k }

// Load returns the record of key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=redisstore.Load key=%s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.Load key=%s: %w", key, err)
	}
	return data, nil
}

// Save writes the record of key, retrying transient failures with
// exponential backoff.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.opts.InitialBackoff
	expo.MaxElapsedTime = s.opts.MaxElapsedTime

	attempts := 0
	op := func() error {
		attempts++
		err := s.rdb.Set(ctx, s.key(key), data, s.opts.TTL).Err()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		slog.Warn("redis state write failed",
			slog.String("key", key),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		return fmt.Errorf("op=redisstore.Save key=%s: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redisstore.Ping: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error { return s.rdb.Close() }
