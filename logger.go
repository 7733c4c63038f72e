package vectorlite

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with vectorlite-specific context.
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
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// LogAdd logs an add operation.
func (l *Logger) LogAdd(ctx context.Context, id string, dimension int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add failed",
			"id", id,
			"dimension", dimension,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "add completed",
			"id", id,
			"dimension", dimension,
		)
	}
}

// LogBatchAdd logs a batch add operation.
func (l *Logger) LogBatchAdd(ctx context.Context, count, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "batch add completed with failures",
			"total", count,
			"failed", failed,
			"success", count-failed,
		)
	} else {
		l.InfoContext(ctx, "batch add completed",
			"count", count,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogDelete logs a soft-delete operation.
func (l *Logger) LogDelete(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id,
		)
	}
}

// LogRebuild logs an index rebuild.
func (l *Logger) LogRebuild(ctx context.Context, indexed int, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index rebuild failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index rebuild completed",
			"indexed", indexed,
			"took", took,
		)
	}
}

// LogImport logs a JSON import.
func (l *Logger) LogImport(ctx context.Context, path string, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "import failed",
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "import completed",
			"path", path,
			"entries", count,
		)
	}
}

// LogExport logs a JSON export.
func (l *Logger) LogExport(ctx context.Context, path string, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "export failed",
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "export completed",
			"path", path,
			"entries", count,
		)
	}
}

// LogSnapshot logs an index snapshot save or load. op is "save" or "load".
func (l *Logger) LogSnapshot(ctx context.Context, op, path string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"op", op,
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot completed",
			"op", op,
			"path", path,
		)
	}
}
