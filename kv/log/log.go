/*
Package log provides the kernel's structured logger.

Background tasks (eviction sweeps, timeout timers, retry loops) log
through this logger instead of failing silently, per spec.md §7's
propagation policy for background work.
*/
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-level logger every component derives from.
var Logger zerolog.Logger

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the package-level Logger. Call once at process
// startup before any component logs.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	Init(Config{Level: InfoLevel})
}

// WithComponent returns a child logger tagged with a component name,
// e.g. log.WithComponent("coordinator") or log.WithComponent("sqlkv").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithBackend returns a child logger tagged with a provider/backend name.
func WithBackend(name string) zerolog.Logger {
	return Logger.With().Str("backend", name).Logger()
}
