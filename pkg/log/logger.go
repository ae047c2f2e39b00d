// Package log provides structured logging utilities for poolwatch.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool returns a logger with pool endpoint fields
func (l *Logger) WithPool(host string, port int) *Logger {
	return l.WithFields("pool_host", host, "pool_port", port)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs connection lifecycle events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStateChange logs session state machine transitions
func (l *Logger) LogStateChange(from, to string) {
	l.Info("session state change",
		"from", from,
		"to", to,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Telemetry logging helpers

// LogWorkNotification logs an accepted mining.notify record
func (l *Logger) LogWorkNotification(jobID string, cleanJobs bool, branches int) {
	l.Info("work notification",
		"job_id", jobID,
		"clean_jobs", cleanJobs,
		"merkle_branches", branches,
	)
}

// LogDecodedWork logs the interpretable fields pulled from a coinbase
func (l *Logger) LogDecodedWork(jobID string, blockHeight int64, outputs int, tag string) {
	l.Info("decoded coinbase",
		"job_id", jobID,
		"block_height", blockHeight,
		"outputs", outputs,
		"script_tag", tag,
	)
}

// LogDecodeFailure logs a staged coinbase decode failure
func (l *Logger) LogDecodeFailure(jobID, stage string, err error) {
	l.Warn("coinbase decode failed",
		"job_id", jobID,
		"stage", stage,
		"error", err.Error(),
	)
}
