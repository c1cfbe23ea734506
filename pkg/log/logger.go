// Package log provides structured logging utilities for the gominer client.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

// RoundIDKey is the context key under which the coordinator stores the round id.
const RoundIDKey contextKey = "round_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
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

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "dev", "error", "text")
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a logger carrying the round id stored in ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if roundID := ctx.Value(RoundIDKey); roundID != nil {
		return l.WithFields("round_id", roundID)
	}
	return l
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

// WithTemplate returns a logger with template-specific fields
func (l *Logger) WithTemplate(templateID string, height int64) *Logger {
	return l.WithFields("template_id", templateID, "height", height)
}

// WithWorker returns a logger with the worker index
func (l *Logger) WithWorker(id int) *Logger {
	return l.WithFields("worker", id)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Mining-specific logging helpers

// LogRound logs the end of one coordinator round
func (l *Logger) LogRound(outcome string, hashes uint64, duration time.Duration) {
	l.Info("round finished",
		"outcome", outcome,
		"hashes", hashes,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogCandidateFound logs a hash that met the template target
func (l *Logger) LogCandidateFound(templateID string, nonce uint64, hash string) {
	l.Info("candidate found",
		"template_id", templateID,
		"nonce", nonce,
		"hash", hash,
	)
}

// LogSubmission logs the node's answer to a submitted block
func (l *Logger) LogSubmission(templateID, blockHash, outcome, reason string) {
	l.Info("block submission",
		"template_id", templateID,
		"block_hash", blockHash,
		"outcome", outcome,
		"reason", reason,
	)
}

// LogHashrate logs the aggregate search speed
func (l *Logger) LogHashrate(hashesPerSecond float64, threads int) {
	l.Info("hashrate",
		"hashes_per_sec", hashesPerSecond,
		"threads", threads,
	)
}
