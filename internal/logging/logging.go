// Package logging provides the pluggable structured-logging interface
// used throughout feedercabinet. The shape follows this codebase's
// device-pairing ancestor (a small leveled interface with a
// package-level default and a setter); Logger itself has
// Debug/Info/Warn/Error plus With. It is backed by the standard
// library's log/slog rather than a vendored no-op, since every
// subsystem here always wants its transitions on the record.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// Logger is the interface every subsystem logs through. Fields are
// passed as alternating key/value pairs, consistent with slog's
// convention, so call sites read `log.Info("handshake ok", "attempt", n)`.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// slogLogger adapts *slog.Logger to Logger.
type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

// New builds a Logger that writes leveled, structured text to w at the
// given level ("debug", "info", "warn", "error"; anything else falls
// back to "info").
func New(w *os.File, level string) Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &slogLogger{l: slog.New(h)}
}

func parseLevel(level string) slog.Level {
	switch level {
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

var (
	mu      sync.Mutex
	current Logger = &slogLogger{l: slog.New(slog.NewTextHandler(os.Stderr, nil))}
)

// Set installs the process-wide default logger. Subsystems constructed
// without an explicit Logger fall back to Get(); main() calls Set once
// at startup after parsing configuration, matching the "process-wide
// state constructed in main, passed by reference" design note.
func Set(l Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Get returns the current process-wide default logger.
func Get() Logger {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// FromContext extracts a Logger previously stored with NewContext, or
// falls back to the process-wide default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return Get()
}

type ctxKey struct{}

// NewContext returns a child context carrying l as its Logger.
func NewContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Fields is a small helper for building the subsystem/kind/context
// triple expected on every structured log line.
func Fields(subsystem, kind string, extra ...any) []any {
	base := []any{"subsystem", subsystem, "kind", kind}
	return append(base, extra...)
}
