// Package obs sets up the process-wide structured logger.
package obs

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Configure builds the process-wide slog.Logger from MARTIN_LOG and
// MARTIN_LOG_FORMAT, mirroring the shape of RUST_LOG / RUST_LOG_FORMAT.
// Format is one of {json, text}; unknown values fall back to text.
func Configure() *slog.Logger {
	level := parseLevel(getEnv("MARTIN_LOG", "info"))
	format := strings.ToLower(getEnv("MARTIN_LOG_FORMAT", "text"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type traceIDKey struct{}

// WithTraceID returns a context carrying a trace id for correlating one
// failed request's log line back to its response, per the Internal error
// policy in the error-handling design.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey{}).(string)
	return v
}
