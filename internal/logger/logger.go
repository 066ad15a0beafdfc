// Package logger configures the zerolog logger shared by all chat-service
// components. Development environments get pretty console output; everything
// else emits JSON for log aggregation.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

func init() {
	// Usable default before Init is called (tests, tools).
	root = zerolog.New(os.Stdout).With().Timestamp().Str("service", "chat-service").Logger()
}

// Init initializes the global logger for the given environment.
func Init(env string) {
	var w io.Writer

	if env == "development" || env == "dev" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	} else {
		w = os.Stdout
	}

	root = zerolog.New(w).With().
		Timestamp().
		Str("service", "chat-service").
		Logger()

	zerolog.TimeFieldFormat = time.RFC3339
}

// Get returns the global logger.
func Get() *zerolog.Logger {
	return &root
}

// Component returns a logger tagged with a component name, e.g. "ws" or
// "broadcast".
func Component(name string) *zerolog.Logger {
	l := root.With().Str("component", name).Logger()
	return &l
}
