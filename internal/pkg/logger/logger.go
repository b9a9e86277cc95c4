// Package logger provides structured logging utilities.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	appctx "github.com/ricesearch/rice-eval/internal/pkg/context"
)

// Logger wraps slog.Logger with additional context.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the specified level and format.
func New(level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithContext returns a logger tagged with the request and task ids found
// in ctx. Without either it returns l.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	if id := appctx.RequestID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if id := appctx.TaskID(ctx); id != "" {
		attrs = append(attrs, "task_id", id)
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{Logger: l.With(attrs...)}
}

// WithTask returns a logger tagged with a task id and its run id.
func (l *Logger) WithTask(taskID, runID string) *Logger {
	return &Logger{
		Logger: l.With("task_id", taskID, "run_id", runID),
	}
}

// WithParams returns a logger tagged with a parameter set id.
func (l *Logger) WithParams(paramSetID string) *Logger {
	return &Logger{
		Logger: l.With("params", paramSetID),
	}
}

// WithError returns a logger with error context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.With("error", err.Error()),
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the default logger.
func Default() *Logger {
	return New("info", "text")
}

// OrDefault returns l, or the default logger when l is nil.
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return Default()
	}
	return l
}
