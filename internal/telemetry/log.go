// Package telemetry wires the ambient logging and metrics stack used by
// every component in this repo: structured logging via zerolog's global
// logger, and prometheus counters/histograms for the handful of outcomes
// worth watching from the outside (cache hits/misses, sync outcomes,
// evictions, loader stage durations).
package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig tunes the process-wide logger. Zero value is valid and yields
// info-level JSON logs to stderr.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to info
	// on an empty or unrecognized value.
	Level string

	// Pretty switches to zerolog's human-readable console writer, for
	// interactive CLI use (cmd/vidcached serve --pretty).
	Pretty bool
}

// InitLogging configures the global zerolog logger (github.com/rs/zerolog/log)
// that every component's package-level log calls resolve against. Call once
// at process startup before any component does work.
func InitLogging(cfg LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stderr
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// Component returns a sub-logger tagged with a component field, for call
// sites that want to attribute log lines to a specific subsystem without
// threading a *zerolog.Logger through every function signature.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
