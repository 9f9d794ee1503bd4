// Package logging builds the structured logger every ambient component of
// the engine writes through: one JSON handler, one set of base attributes,
// no per-package ad hoc formatting.
package logging

import (
	"log/slog"
	"os"
)

// Config selects the logger's identity attributes and verbosity.
type Config struct {
	AppName     string
	Environment string
	Level       string
}

// New builds a slog.Logger writing JSON lines to stdout, tagged with app and
// environment attributes so every log line from a multi-process demo can be
// told apart.
func New(cfg Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(
		slog.String("app", cfg.AppName),
		slog.String("env", cfg.Environment),
	)
}
