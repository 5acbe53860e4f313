// Package logger provides the process-wide zerolog setup for the ingestion
// core and named child loggers for each subsystem.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "ingestd").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// IngestQueue creates a logger for the queue consumer.
func IngestQueue() *zerolog.Logger {
	l := Log.With().Str("component", "ingestqueue").Logger()
	return &l
}

// WorkerPool creates a logger for the worker pool.
func WorkerPool() *zerolog.Logger {
	l := Log.With().Str("component", "workerpool").Logger()
	return &l
}

// PluginHost creates a logger for the plugin lifecycle manager.
func PluginHost() *zerolog.Logger {
	l := Log.With().Str("component", "pluginhost").Logger()
	return &l
}

// Identity creates a logger for person/alias resolution.
func Identity() *zerolog.Logger {
	l := Log.With().Str("component", "identity").Logger()
	return &l
}

// Ingest creates a logger for the event processor.
func Ingest() *zerolog.Logger {
	l := Log.With().Str("component", "ingest").Logger()
	return &l
}

// Scheduler creates a logger for the scheduler & lock coordinator.
func Scheduler() *zerolog.Logger {
	l := Log.With().Str("component", "scheduler").Logger()
	return &l
}

// EventBus creates a logger for the outbound publisher.
func EventBus() *zerolog.Logger {
	l := Log.With().Str("component", "eventbus").Logger()
	return &l
}

// Database creates a logger for database events
func Database() *zerolog.Logger {
	l := Log.With().Str("component", "database").Logger()
	return &l
}
