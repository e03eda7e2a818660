// Package logging provides the StructuredLogger every RWOS component takes
// as a constructor dependency, generalized from the teacher's
// work.StructuredLogger (referenced as wp.logger / w.logger throughout
// worker.go and worker_pool.go).
package logging

import (
	"context"
	"log/slog"
	"os"
)

// StructuredLogger is the interface components hold instead of a concrete
// *slog.Logger, so tests can swap in Noop.
type StructuredLogger interface {
	Debug(msg string, attrs ...slog.Attr)
	Info(msg string, attrs ...slog.Attr)
	Warn(msg string, attrs ...slog.Attr)
	Error(msg string, attrs ...slog.Attr)
}

type slogLogger struct {
	l *slog.Logger
}

// New builds a StructuredLogger backed by slog, writing JSON to stderr at
// the given level. Level strings follow slog's names (debug/info/warn/error).
func New(level string) StructuredLogger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return &slogLogger{l: slog.New(h)}
}

var bg = context.Background()

func (s *slogLogger) Debug(msg string, attrs ...slog.Attr) { s.l.LogAttrs(bg, slog.LevelDebug, msg, attrs...) }
func (s *slogLogger) Info(msg string, attrs ...slog.Attr)  { s.l.LogAttrs(bg, slog.LevelInfo, msg, attrs...) }
func (s *slogLogger) Warn(msg string, attrs ...slog.Attr)  { s.l.LogAttrs(bg, slog.LevelWarn, msg, attrs...) }
func (s *slogLogger) Error(msg string, attrs ...slog.Attr) { s.l.LogAttrs(bg, slog.LevelError, msg, attrs...) }

type noopLogger struct{}

// Noop is the teacher's noopLogger, used as the zero-value default so
// components never need a nil check before logging.
var Noop StructuredLogger = noopLogger{}

func (noopLogger) Debug(string, ...slog.Attr) {}
func (noopLogger) Info(string, ...slog.Attr)  {}
func (noopLogger) Warn(string, ...slog.Attr)  {}
func (noopLogger) Error(string, ...slog.Attr) {}

// ErrAttr mirrors the teacher's errAttr helper (referenced in worker.go as
// errAttr(err)) for attaching an error to a log line under a stable key.
func ErrAttr(err error) slog.Attr {
	return slog.Any("error", err)
}
