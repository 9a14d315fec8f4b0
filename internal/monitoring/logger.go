// Package monitoring owns logger configuration for all binaries. Components
// take a zerolog.Logger value; nothing here is mandatory state, so tests can
// build their own silent logger with NewTestLogger.
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup configures the root logger for a binary. With jsonOut set the output
// is JSON lines for collectors; otherwise the human console format. Unknown
// level strings fall back to info rather than failing startup.
func Setup(level string, jsonOut bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stderr
	if !jsonOut {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// NewTestLogger returns a logger that discards everything. Tests that want to
// inspect output pass their own writer to NewLogger instead.
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// NewLogger builds a JSON logger writing to w at the given level. Used by
// tests and by tools that log to a file.
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
