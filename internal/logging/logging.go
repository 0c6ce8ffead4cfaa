// Package logging builds the slog loggers used across farmsync.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the level and output format of a logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Debug  bool   // forces debug level and adds source locations
}

// New creates a logger writing to stderr. Stdout is reserved for command
// output such as job tables and YAML.
func New(opts Options) *slog.Logger {
	return NewWithWriter(opts, os.Stderr)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(opts Options, w io.Writer) *slog.Logger {
	level := ParseLevel(opts.Level)
	if opts.Debug {
		level = slog.LevelDebug
	}
	return NewLoggerWithWriter(level, opts.Format, w, opts.Debug)
}

// NewLoggerWithWriter creates a logger at level in the given format
// ("text" or "json").
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer, addSource bool) *slog.Logger {
	ho := &slog.HandlerOptions{Level: level, AddSource: addSource}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, ho)
	default:
		handler = slog.NewTextHandler(w, ho)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
