package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// InitSlog initializes the slog-based logger.
// If jsonOutput is true, records are formatted as JSON.
// An empty logDir logs to stdout only.
func InitSlog(logDir string, jsonOutput bool) error {
	var writer io.Writer = os.Stdout
	if logDir != "" {
		f, err := openLogFile(logDir)
		if err != nil {
			return err
		}
		logFile = f
		writer = io.MultiWriter(os.Stdout, f)
	}

	slogger = slog.New(newHandler(writer, jsonOutput))
	slog.SetDefault(slogger)
	return nil
}

func newHandler(w io.Writer, jsonOutput bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if jsonOutput {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// CloseSlog closes the slog log file
func CloseSlog() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRequestID  contextKey = "request_id"
	ContextKeyExecutor   contextKey = "executor"
	ContextKeyObjectHash contextKey = "object_hash"
)

// With returns ctx carrying a logging field under key.
func With(ctx context.Context, key contextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// Value returns the logging field stored under key, or "".
func Value(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()
	for _, key := range []contextKey{ContextKeyRequestID, ContextKeyExecutor, ContextKeyObjectHash} {
		if v := ctx.Value(key); v != nil {
			logger = logger.With(string(key), v)
		}
	}
	return logger
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
