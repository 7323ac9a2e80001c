// Package logging builds the process-wide zerolog root logger. Components
// derive their own loggers from it via With().Str("component", ...).
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger at the given level. Unknown levels fall back
// to info.
func New(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	return zerolog.New(os.Stderr).
		Level(parsed).
		With().
		Timestamp().
		Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
