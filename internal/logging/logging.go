package logging

import (
	"context"
	"os"

	charmlog "github.com/charmbracelet/log"
)

type ctxKey struct{}

// Logger aliases the charmbracelet logger so callers do not import it
// directly.
type Logger = charmlog.Logger

// New builds the process-wide structured logger. Output is JSON so the
// gateway can sit behind a log shipper without extra parsing.
func New(level string) *charmlog.Logger {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		lvl = charmlog.InfoLevel
	}
	return charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           lvl,
		Formatter:       charmlog.JSONFormatter,
		ReportTimestamp: true,
	})
}

// WithContext attaches the logger to a context.
func WithContext(ctx context.Context, l *charmlog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or a default logger when
// none is present so callers never need a nil check.
func FromContext(ctx context.Context) *charmlog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*charmlog.Logger); ok && l != nil {
		return l
	}
	return charmlog.Default()
}
