// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level string
	JSON  bool
}

// New creates the root structured logger for the service.
func New(serviceName, version string, config Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer = os.Stdout
	if !config.JSON {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(parseLogLevel(config.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Logger()
}

// parseLogLevel converts a string log level to zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithDeviceContext adds device context to the logger.
func WithDeviceContext(logger zerolog.Logger, deviceID string) zerolog.Logger {
	return logger.With().Str("device_id", deviceID).Logger()
}
