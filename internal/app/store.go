package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/store/filestore"
	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/store/memstore"
	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/store/pgstore"
	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/capability-orchestrator/internal/config"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// Pinger is anything that can report whether its backend answers.
type Pinger interface{ Ping(ctx context.Context) error }

// Backend is the opened state store plus its lifecycle hooks.
type Backend struct {
	Store  domain.Store
	Driver string

	pinger  Pinger
	closeFn func() error
}

// Ping checks the backend. Drivers without a remote end always succeed.
func (b *Backend) Ping(ctx context.Context) error {
	if b.pinger == nil {
		return nil
	}
	return b.pinger.Ping(ctx)
}

// Close releases the backend.
func (b *Backend) Close() error {
	if b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}

// OpenStore opens the state store selected by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg config.Config) (*Backend, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return &Backend{Store: memstore.New(), Driver: cfg.StoreDriver}, nil

	case config.StoreFile:
		fs, err := filestore.Open(ctx, cfg.StorePath, filestore.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("op=app.OpenStore: %w", err)
		}
		return &Backend{Store: fs, Driver: cfg.StoreDriver, pinger: fs, closeFn: fs.Close}, nil

	case config.StoreRedis:
		rs, err := redisstore.Dial(ctx, cfg.RedisURL, redisstore.Options{TTL: cfg.StateTTL})
		if err != nil {
			return nil, fmt.Errorf("op=app.OpenStore: %w", err)
		}
		return &Backend{Store: rs, Driver: cfg.StoreDriver, pinger: rs, closeFn: rs.Close}, nil

	case config.StorePostgres:
		pool, err := pgstore.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.OpenStore: %w", err)
		}
		ps := pgstore.New(pool)
		if err := ps.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("op=app.OpenStore: %w", err)
		}
		return &Backend{Store: ps, Driver: cfg.StoreDriver, pinger: ps, closeFn: func() error {
			pool.Close()
			return nil
		}}, nil
	}
	slog.Error("unknown store driver", slog.String("driver", cfg.StoreDriver))
	return nil, fmt.Errorf("op=app.OpenStore: unknown driver %q: %w", cfg.StoreDriver, domain.ErrInvalidArgument)
}
