package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Config configures the process-wide log backend.
type Config struct {
	Level  string    // debug, info, warn, error
	Format string    // json, text
	Output io.Writer // defaults to stderr; stdout is reserved for the protocol stream
}

var backend atomic.Pointer[slog.Logger]

func init() {
	backend.Store(newBackend(Config{}))
}

// Configure replaces the backend used by every component logger, including
// loggers created before the call.
func Configure(config Config) {
	backend.Store(newBackend(config))
}

func newBackend(config Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(config.Level)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler)
}

type slogLogger struct {
	component string
	attrs     []any
}

func newSlogLogger(component string) *slogLogger {
	return &slogLogger{component: component}
}

func (l *slogLogger) with(args ...any) *slogLogger {
	attrs := make([]any, 0, len(l.attrs)+len(args))
	attrs = append(attrs, l.attrs...)
	attrs = append(attrs, args...)
	return &slogLogger{component: l.component, attrs: attrs}
}

// WithLogID tags every line with the given log id.
func (l *slogLogger) WithLogID(logID string) Logger {
	if logID == "" {
		return l
	}
	return l.with("log_id", logID)
}

func (l *slogLogger) emit(level slog.Level, format string, args ...any) {
	logger := backend.Load()
	if l.component != "" {
		logger = logger.With("component", l.component)
	}
	if len(l.attrs) > 0 {
		logger = logger.With(l.attrs...)
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	logger.Log(context.Background(), level, msg)
}

func (l *slogLogger) Debug(format string, args ...any) {
	l.emit(slog.LevelDebug, format, args...)
}

func (l *slogLogger) Info(format string, args ...any) {
	l.emit(slog.LevelInfo, format, args...)
}

func (l *slogLogger) Warn(format string, args ...any) {
	l.emit(slog.LevelWarn, format, args...)
}

func (l *slogLogger) Error(format string, args ...any) {
	l.emit(slog.LevelError, format, args...)
}
