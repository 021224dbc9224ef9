// Command server starts the capability orchestrator HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/capability-orchestrator/internal/app"
	"github.com/fairyhunter13/capability-orchestrator/internal/clock"
	"github.com/fairyhunter13/capability-orchestrator/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	a, err := app.New(ctx, cfg, clock.Real{})
	if err != nil {
		slog.Error("orchestrator init failed", slog.Any("error", err))
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		a.Run(runCtx)
		close(schedDone)
	}()

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           a.Handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", slog.Any("error", err))
	}
	cancelRun()
	<-schedDone
	if err := a.Close(shutdownCtx); err != nil {
		slog.Error("orchestrator shutdown incomplete", slog.Any("error", err))
	}
	slog.Info("server stopped")
}
