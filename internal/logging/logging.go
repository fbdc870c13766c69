// Package logging builds the process-wide structured logger, matching the
// original MozLogger's human/JSON toggle on top of zerolog instead of slog.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger. When human is true it uses zerolog's
// ConsoleWriter for colorized, readable output (development); otherwise
// it emits structured JSON lines suitable for a log pipeline.
func New(human bool, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var logger zerolog.Logger
	if human {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(writer)
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Logger()
}
