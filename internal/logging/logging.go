// Package logging holds the process-wide slog handle. Components log
// through L(); sessions derive per-connection loggers from it with With.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(New("text", "info", nil))
}

// L returns the current process logger.
func L() *slog.Logger { return current.Load() }

// Set swaps the process logger. Nil is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		current.Store(l)
	}
}

// ParseLevel maps a configuration string to a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch s {
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

// New builds a logger writing to w, or stderr when w is nil. Format
// "json" selects the JSON handler; anything else gets text.
func New(format, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
