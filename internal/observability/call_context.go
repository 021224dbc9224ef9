package observability

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// Call identifies the capability request a context serves. Queued tasks and
// provider executors read it to tag their logs and outbound calls.
type Call struct {
	RequestID  string
	Identity   string
	Capability domain.Capability
}

type callKey struct{}

type loggerKey struct{}

// WithCall stores c in ctx. Empty fields keep the value of the enclosing call.
func WithCall(ctx context.Context, c Call) context.Context {
	prev := CallFrom(ctx)
	if c.RequestID == "" {
		c.RequestID = prev.RequestID
	}
	if c.Identity == "" {
		c.Identity = prev.Identity
	}
	if c.Capability == "" {
		c.Capability = prev.Capability
	}
	if c == prev {
		return ctx
	}
	return context.WithValue(ctx, callKey{}, c)
}

// CallFrom returns the call stored in ctx, or the zero Call.
func CallFrom(ctx context.Context) Call {
	if ctx == nil {
		return Call{}
	}
	c, _ := ctx.Value(callKey{}).(Call)
	return c
}

// WithLogger stores lg in ctx. A nil logger leaves ctx unchanged.
func WithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, lg)
}

// Logger returns the logger stored in ctx, or slog.Default, tagged with the
// capability and identity of the call.
func Logger(ctx context.Context) *slog.Logger {
	lg := slog.Default()
	if ctx == nil {
		return lg
	}
	if v, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && v != nil {
		lg = v
	}
	c := CallFrom(ctx)
	if c.Capability != "" {
		lg = lg.With(slog.String("capability", string(c.Capability)))
	}
	if c.Identity != "" {
		lg = lg.With(slog.String("identity", c.Identity))
	}
	return lg
}
