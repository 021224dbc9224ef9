package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/capability-orchestrator/internal/config"
)

// SetupLogger configures a JSON slog logger on stdout with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	return NewLogger(cfg, os.Stdout)
}

// NewLogger is SetupLogger writing to w.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
