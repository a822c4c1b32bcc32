// Package logging wires up structured logging for the agent: tint for
// colorized TTY output, gated on isatty, falling back to a plain handler
// when stderr isn't a terminal (a container's stdout/stderr capture, or a
// redirected log file).
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// SetupLogger builds the process-wide logger. level is one of
// debug|info|warn|error (default info on anything else).
func SetupLogger(level string) *slog.Logger {
	lvl := parseLevel(level)

	if isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("NO_COLOR") == "" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		}))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
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
