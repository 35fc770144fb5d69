// Package observability provides structured logging helpers for Kizuna.
//
// It wraps log/slog with trace and session propagation so that every log line
// emitted during a chat turn can be correlated.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bdobrica/Kizuna/common/redact"
	"github.com/bdobrica/Kizuna/common/trace"
)

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger builds a logger writing to w. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures the global slog logger according to the provided level and
// format strings (e.g. level="info", format="json"). Logs go to stderr so that
// the interactive chat command keeps stdout for the conversation.
func Setup(level, format string) *slog.Logger {
	logger := NewLogger(os.Stderr, level, format)
	slog.SetDefault(logger)
	return logger
}

// WithTrace returns a child of base that carries the trace_id and session_id
// found in ctx. A nil base means slog.Default().
func WithTrace(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	var attrs []any
	if id := trace.FromContext(ctx); id != "" {
		attrs = append(attrs, "trace_id", id)
	}
	if id := trace.SessionFromContext(ctx); id != "" {
		attrs = append(attrs, "session_id", id)
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}

// RedactSecrets replaces known-sensitive values in a log message with "[REDACTED]".
func RedactSecrets(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}
