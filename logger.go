package fractal

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// Logger wraps slog.Logger with fractal-specific helpers.
// This provides structured logging with consistent field names.
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
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithContainer adds a container field to the logger.
func (l *Logger) WithContainer(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("container", name),
	}
}

// LogOpen logs the opening of an environment.
func (l *Logger) LogOpen(ctx context.Context, dir string, cacheSize int64, lastCheckpoint uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"dir", dir,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "environment opened",
		"dir", dir,
		"cache", humanize.IBytes(uint64(max(cacheSize, 0))),
		"last_checkpoint_lsn", lastCheckpoint,
	)
}

// LogCheckpoint logs a checkpoint requested through Env.Checkpoint.
func (l *Logger) LogCheckpoint(ctx context.Context, duration time.Duration, dirty int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"duration", duration,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "checkpoint completed",
		"duration", duration,
		"dirty_nodes", dirty,
	)
}

// LogEviction logs bytes released by the evictor.
func (l *Logger) LogEviction(ctx context.Context, bytes int64, partial bool) {
	l.DebugContext(ctx, "evicted",
		"bytes", humanize.IBytes(uint64(max(bytes, 0))),
		"partial", partial,
	)
}

// LogClose logs the final cache statistics of an environment.
func (l *Logger) LogClose(ctx context.Context, stats Stats, err error) {
	if err != nil {
		l.ErrorContext(ctx, "close failed",
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "environment closed",
		"cache", humanize.IBytes(uint64(max(stats.CacheSize, 0))),
		"hits", humanize.Comma(stats.Hits),
		"misses", humanize.Comma(stats.Misses),
		"evictions", humanize.Comma(stats.Evictions),
		"checkpoints", stats.Checkpoints,
	)
}

// LogContainer logs a container lifecycle event.
func (l *Logger) LogContainer(ctx context.Context, event, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "container "+event+" failed",
			"container", name,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "container "+event,
		"container", name,
	)
}
