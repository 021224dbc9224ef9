// Package app assembles the orchestrator, its state store, the event export
// and the HTTP surface from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/events"
	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/executor"
	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/capability-orchestrator/internal/config"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/orchestrator"
	"github.com/fairyhunter13/capability-orchestrator/internal/scheduler"
)

// App owns the orchestrator and the infrastructure around it.
type App struct {
	Orchestrator *orchestrator.Orchestrator
	Handler      http.Handler
	Scheduler    *scheduler.Scheduler

	backend *Backend
	sink    *events.Sink
}

// New loads the provider catalog, opens the store, connects the event sink
// when brokers are configured, restores persisted state and builds the router.
func New(ctx context.Context, cfg config.Config, clk domain.Clock) (*App, error) {
	cat, err := config.LoadCatalog(cfg.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("op=app.New: %w", err)
	}
	if err := cfg.CheckCatalog(cat); err != nil {
		return nil, fmt.Errorf("op=app.New: %w", err)
	}

	backend, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=app.New: %w", err)
	}

	a := &App{backend: backend}
	sinks := domain.MultiSink{observability.PromSink{}}
	var eventsPinger Pinger
	if cfg.EventsEnabled() {
		a.sink, err = events.Dial(ctx, events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.EventsTopic})
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("op=app.New: %w", err)
		}
		sinks = append(sinks, a.sink)
		eventsPinger = a.sink
	}

	o, err := orchestrator.New(cfg.Orchestrator(cat), orchestrator.Deps{Clock: clk, Store: backend.Store, Sink: sinks})
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("op=app.New: %w", err)
	}
	a.Orchestrator = o

	client := executor.NewClient(nil, executor.RetryPolicy{MaxElapsedTime: cfg.ExecutorRetryMaxElapsed})
	RegisterProviders(o, cat, client, os.Getenv)

	if err := o.LoadState(ctx); err != nil {
		slog.Warn("persisted state partially restored", slog.Any("error", err))
	}

	a.Scheduler = scheduler.New(clk)
	o.RegisterPeriodic(a.Scheduler)

	srv := httpserver.NewServer(o, BuildReadinessChecks(backend, eventsPinger)...)
	a.Handler = BuildRouter(cfg, srv)

	slog.Info("orchestrator ready",
		slog.String("store", backend.Driver),
		slog.Bool("events", a.sink != nil),
		slog.Int("capabilities", len(cat.Rankings)))
	return a, nil
}

// Run drives the periodic maintenance until ctx is cancelled.
func (a *App) Run(ctx context.Context) { a.Scheduler.Run(ctx) }

// Close drains the queue, flushes state, then releases the event sink and the
// store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Orchestrator != nil {
		errs = append(errs, a.Orchestrator.Shutdown(ctx))
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close(ctx))
	}
	errs = append(errs, a.backend.Close())
	return errors.Join(errs...)
}
