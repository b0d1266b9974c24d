// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logging builds the zerolog logger used by the CLI and the engine
// it wires up.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Init builds a console zerolog logger and returns it; the package-level
// zerolog logger is left as it is (only zerolog.TimeFieldFormat is set).
// level is one of "debug", "info", "warn", "error"; anything else falls
// back to "info".
func Init(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02 15:04:05",
	}

	logger := zerolog.New(console).With().Timestamp().Logger()

	switch strings.ToLower(level) {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}

	return logger
}

// Component returns a child logger tagged with a component field, so a
// single process-wide logger can be handed to several subsystems while
// keeping their lines distinguishable.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
