// Package pgstore persists state namespaces in a PostgreSQL table.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS orchestrator_state (
	namespace  TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Querier is the subset of pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// NewPool creates a traced pgx pool from dsn.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=pgstore.NewPool: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=pgstore.NewPool: %w", err)
	}
	return pool, nil
}

// Store reads and writes rows of orchestrator_state.
type Store struct {
	q Querier
}

// New returns a store over q. Call Migrate once before first use.
func New(q Querier) *Store { return &Store{q: q} }

// Migrate creates the state table if it is missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=pgstore.Migrate: %w", err)
	}
	return nil
}

// Load returns the record of key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.q.QueryRow(ctx, `SELECT data FROM orchestrator_state WHERE namespace = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("op=pgstore.Load key=%s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=pgstore.Load key=%s: %w", key, err)
	}
	return data, nil
}

// Save upserts the record of key.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	_, err := s.q.Exec(ctx, `
INSERT INTO orchestrator_state (namespace, data, updated_at) VALUES ($1, $2, now())
ON CONFLICT (namespace) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, key, data)
	if err != nil {
		return fmt.Errorf("op=pgstore.Save key=%s: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.q.Ping(ctx); err != nil {
		return fmt.Errorf("op=pgstore.Ping: %w", err)
	}
	return nil
}
