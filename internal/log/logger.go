package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger. format is "json" (default) or
// "console". Extra sinks, such as the audit journal, always receive JSON.
// Only the first call has any effect.
func Setup(level, format string, sinks ...io.Writer) {
	once.Do(func() {
		logger = build(os.Stdout, level, format, sinks...)
		slog.SetDefault(logger)
	})
}

func build(out io.Writer, level, format string, sinks ...io.Writer) *slog.Logger {
	l := ParseLevel(level)

	var primary slog.Handler
	switch strings.ToLower(format) {
	case "console", "text":
		primary = tint.NewHandler(out, &tint.Options{
			Level:      l,
			TimeFormat: time.TimeOnly,
		})
	default:
		primary = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: l})
	}

	if len(sinks) == 0 {
		return slog.New(primary)
	}
	handlers := []slog.Handler{primary}
	for _, w := range sinks {
		if w == nil {
			continue
		}
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
	}
	return slog.New(teeHandler(handlers))
}

// ParseLevel maps a level name to slog.Level, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithJob returns a logger carrying the job's row id and uuid.
func WithJob(id int64, uuid string) *slog.Logger {
	return Get().With(slog.Int64("job_id", id), slog.String("job_uuid", uuid))
}

// WithNetwork returns a logger with the network field set.
func WithNetwork(slug string) *slog.Logger {
	return Get().With(slog.String("network", slug))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
