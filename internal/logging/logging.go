// Package logging provides structured logging for adbridge.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a logger writing to stderr.
// Levels: debug, info, warn, error. Formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns logger, or a discarding logger when it is nil.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger
}

// Component returns a child logger tagged with the component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return OrNop(logger).With(KeyComponent, name)
}

// Hex32 formats a 32-bit protocol value as 0x%08x.
func Hex32(key string, v uint32) slog.Attr {
	return slog.String(key, fmt.Sprintf("0x%08x", v))
}

// Common attribute keys.
const (
	KeyComponent   = "component"
	KeyCommand     = "command"
	KeyStreamID    = "stream_id"
	KeyRemoteID    = "remote_id"
	KeyDestination = "destination"
	KeyArg0        = "arg0"
	KeyArg1        = "arg1"
	KeyLength      = "length"
	KeyAddress     = "address"
	KeyTransport   = "transport"
	KeyVersion     = "version"
	KeyEnvironment = "environment"
	KeyAttempt     = "attempt"
	KeyError       = "error"
	KeyDuration    = "duration"
	KeyCount       = "count"
)
