// Package logging provides structured logging using slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/opensha/aafs/internal/fault"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup installs the default slog logger. A nil writer means stderr.
func Setup(cfg Config, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
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

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}

// Failure logs err as one "kind: detail" line with a dump of the record
// that caused it.
func Failure(l *slog.Logger, msg string, err error, dump any) {
	kind := fault.KindOf(err)
	l.Error(msg,
		"failure", kind.String()+": "+fault.Detail(err),
		"kind", kind.String(),
		"detail", fault.Detail(err),
		"dump", dump,
	)
}
