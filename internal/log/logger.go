package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// SetupWithWriter initializes the global logger with an explicit format and
// destination. Stdout is reserved for the result report, so callers normally
// pass os.Stderr or a log file. Only the first call has an effect.
func SetupWithWriter(level, format string, w io.Writer) {
	once.Do(func() {
		logger = New(level, format, w)
		slog.SetDefault(logger)
	})
}

// New builds a logger without touching the global one.
func New(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a case-insensitive level name to a slog.Level.
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

// Get returns the configured logger. Before SetupWithWriter it locks in an
// INFO JSON logger on stderr.
func Get() *slog.Logger {
	SetupWithWriter("info", "json", os.Stderr)
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}
