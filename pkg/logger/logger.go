// Package logger builds the structured zerolog logger used across the
// orchestrator daemon, CLI, and HTTP server.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the root logger is constructed.
type Config struct {
	Level  string // debug, info, warn, error (default info)
	Pretty bool   // human-readable console writer instead of JSON
}

// New builds a root zerolog.Logger from Config. An unrecognized Level falls
// back to info rather than failing startup over a logging preference.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()

	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Logger()
	}

	return logger
}
