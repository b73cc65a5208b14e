package blockcache

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
)

// Logger wraps slog.Logger with cache specific helpers.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
}

// LogUpdate logs the outcome of an Update.
func (l *Logger) LogUpdate(ctx context.Context, newItems, cacheSize int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "cache update failed",
			"cache_size", cacheSize,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "cache update completed",
		"new_items", newItems,
		"cache_size", cacheSize,
	)
}

// LogGrowth logs a completed capacity increase.
func (l *Logger) LogGrowth(ctx context.Context, from, to, newItems, available int) {
	l.InfoContext(ctx, "cache grown",
		"from", from,
		"to", to,
		"new_items", newItems,
		"available", available,
	)
}

// LogGrowthFailed logs a growth the cache had to refuse.
func (l *Logger) LogGrowthFailed(ctx context.Context, err *GrowthError) {
	l.WarnContext(ctx, "cache growth failed",
		"from", err.From,
		"requested", err.Requested,
		"limit", err.Limit,
		"error", err.cause,
	)
}

// LogReset logs a reset.
func (l *Logger) LogReset(ctx context.Context, cacheSize int) {
	l.DebugContext(ctx, "cache reset", "cache_size", cacheSize)
}
