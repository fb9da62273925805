package polos

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog with level control and child composition. Every runtime
// component takes one; a nil-safe nop logger is the default so library users
// who do not care about logging never see output.
type Logger struct {
	s *slog.Logger
}

// NewLogger builds a Logger writing through h at the given level. A nil
// handler writes text to stderr.
func NewLogger(h slog.Handler, level slog.Level) *Logger {
	if h == nil {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return &Logger{s: slog.New(&levelHandler{min: level, next: h})}
}

// NewLoggerFromEnv builds a stderr text Logger at the level named by
// POLOS_LOG_LEVEL (debug, info, warn, error; default info).
func NewLoggerFromEnv() *Logger {
	level := ParseLogLevel(os.Getenv("POLOS_LOG_LEVEL"))
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}), level)
}

// NopLogger returns a Logger that discards every record.
func NopLogger() *Logger {
	return &Logger{s: nopSlog}
}

// ParseLogLevel maps a level name to its slog level. Unknown names fall
// back to info.
func ParseLogLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Child returns a Logger that prepends the given attributes to every record,
// composing with any attributes already attached.
func (l *Logger) Child(args ...any) *Logger {
	return &Logger{s: l.slog().With(args...)}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog().Debug(msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.slog().Info(msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog().Warn(msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.slog().Error(msg, args...) }

// Slog exposes the underlying slog.Logger for code that composes with the
// standard library directly.
func (l *Logger) Slog() *slog.Logger { return l.slog() }

func (l *Logger) slog() *slog.Logger {
	if l == nil || l.s == nil {
		return nopSlog
	}
	return l.s
}

// levelHandler gates records below min before they reach the sink, so a
// Logger built around a permissive handler still honours its level.
type levelHandler struct {
	min  slog.Level
	next slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min && h.next.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{min: h.min, next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{min: h.min, next: h.next.WithGroup(name)}
}

var nopSlog = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
