// Package logger configures the hub's structured logging, grounded on
// the streamspace API's internal/logger package: a package-level
// zerolog.Logger configured once at startup, plus component-scoped
// child loggers built with .With().Str("component", ...).
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, ready to use with sane defaults
// even before Initialize is called (useful in tests).
var Log zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Initialize configures the global logger. level is a zerolog level
// name ("debug", "info", "warn", "error"); pretty selects a
// human-readable console writer for local development instead of the
// default JSON-lines output used in production.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "lorohub").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Hub returns a logger scoped to the document registry/document
// component.
func Hub() *zerolog.Logger {
	l := Log.With().Str("component", "hub").Logger()
	return &l
}

// Transport returns a logger scoped to the WebSocket connection layer.
func Transport() *zerolog.Logger {
	l := Log.With().Str("component", "transport").Logger()
	return &l
}

// Sync returns a logger scoped to the version-vector sync engine.
func Sync() *zerolog.Logger {
	l := Log.With().Str("component", "sync").Logger()
	return &l
}

// Ephemeral returns a logger scoped to the ephemeral-state relay.
func Ephemeral() *zerolog.Logger {
	l := Log.With().Str("component", "ephemeral").Logger()
	return &l
}

// Persistence returns a logger scoped to the load/store hooks.
func Persistence() *zerolog.Logger {
	l := Log.With().Str("component", "persistence").Logger()
	return &l
}

// Client returns a logger scoped to the client-side Provider.
func Client() *zerolog.Logger {
	l := Log.With().Str("component", "client").Logger()
	return &l
}
