// Package logging builds the process-wide zerolog.Logger used by every
// component. No other package reads environment variables or touches
// zerolog's global state directly; everything flows through Config and New.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the root logger is constructed.
type Config struct {
	// Level is one of debug/info/warn/error; unknown or empty defaults to info.
	Level string
	// Pretty switches to a human-readable console writer instead of JSON lines.
	Pretty bool
}

// New builds a root logger and sets zerolog's global level/time format as a
// side effect, mirroring the single call site the rest of the system expects
// at startup.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var out zerolog.Logger
	if cfg.Pretty {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		out = zerolog.New(writer).With().Timestamp().Logger()
	} else {
		out = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	if level == zerolog.DebugLevel {
		out = out.With().Caller().Logger()
	}

	return out
}

// SetGlobalLogger installs l as zerolog.DefaultContextLogger, the logger
// zerolog.Ctx returns for a context that carries none, used by the handful of call sites (signal handlers, panics) that run
// before a component-scoped logger exists.
func SetGlobalLogger(l zerolog.Logger) {
	zerolog.DefaultContextLogger = &l
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
