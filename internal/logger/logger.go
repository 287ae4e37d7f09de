// Package logger wraps log/slog with the handful of helpers the server,
// the hub and the client library share.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to stdout.  env "dev" (or empty) selects the
// text handler, anything else JSON.  The level comes from LOG_LEVEL.
func New(env string) *Logger {
	return NewWithWriter(os.Stdout, env, os.Getenv("LOG_LEVEL"))
}

// NewWithWriter is New with an explicit destination and level string.
func NewWithWriter(w io.Writer, env, level string) *Logger {
	lvl := getLogLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if env == "" || env == "dev" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops everything.  Used by tests and as the
// fallback when a component is built without a logger.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// getLogLevel converts string to slog.Level.
func getLogLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a logger tagged with a component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", component))}
}

// WithShowtime adds the showtime ID to every record.
func (l *Logger) WithShowtime(showtimeID uint64) *Logger {
	return &Logger{Logger: l.Logger.With(slog.Uint64("showtime_id", showtimeID))}
}

// WithError adds error to logger context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("error", err.Error()))}
}
