// Package logger builds the root zerolog logger for the engine.
// Services derive component-tagged children from it via
// log.With().Str("component", ...).
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the root logger's threshold and output format.
type Config struct {
	Level  string // zerolog level name; unknown or empty means info
	Pretty bool   // human-readable console output for dev runs
}

// New creates the root logger and applies its level globally, so
// component loggers derived from it share the same threshold.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).With().Timestamp().Logger()
}

// SetGlobalLogger routes zerolog's package-level logger through l, so
// code logging via zerolog/log shares the engine's output and level.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
