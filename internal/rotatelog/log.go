// Package rotatelog is the engine's structured logger: a JSON-vs-console
// zerolog setup shared by every component. Callers attach only named,
// non-secret fields (event, slot, run_id, ...); nothing in this package
// logs a password or full secret body.
package rotatelog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger instance, configured once by Init.
var Logger zerolog.Logger

func init() {
	// Safe default so packages used from tests without calling Init still
	// produce output instead of panicking on a zero-value logger.
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Config controls how Init configures the global Logger.
type Config struct {
	JSON   bool      // true => one JSON object per line; false => human console output
	Output io.Writer // defaults to os.Stdout
}

// Init configures the global Logger. Call once, from the CLI entrypoint,
// before any component logs.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}

	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagging every record with the given
// component name, e.g. "secretstore", "dbadmin", "rotator".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRun returns a child logger tagging every record with a rotation run's
// correlation ID, so every log line for one invocation can be grepped
// together.
func WithRun(runID string) zerolog.Logger {
	return Logger.With().Str("run_id", runID).Logger()
}

