// Package logging builds the single *slog.Logger every long-lived
// component shares, constructed once at startup from a level name and a
// JSON toggle (the CLI passes its --log-level/--json-logs flags) and never
// replaced.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits one notch below slog.LevelDebug for the config's "trace"
// level, which the standard four slog levels have no name for.
const LevelTrace = slog.Level(-8)

// New builds a logger writing to stderr at the given level, as text or as
// JSON.
func New(level string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace
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
