package logging

import (
	"context"

	"ollamaacp/internal/utils/id"
)

type logIDCapable interface {
	WithLogID(string) Logger
}

// WithLogID returns a logger that tags log lines with a log id.
func WithLogID(logger Logger, logID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if logID == "" {
		return logger
	}
	if capable, ok := logger.(logIDCapable); ok {
		return capable.WithLogID(logID)
	}
	return &logIDLogger{logger: logger, logID: logID}
}

// FromContext returns a logger tagged with the identifiers found in context.
// Session and run ids are folded into the prefix so interleaved prompt runs
// stay distinguishable in a single stderr stream.
func FromContext(ctx context.Context, logger Logger) Logger {
	ids := id.IDsFromContext(ctx)
	tag := ids.LogID
	if ids.SessionID != "" {
		tag = joinTag(tag, "session="+ids.SessionID)
	}
	if ids.RunID != "" {
		tag = joinTag(tag, "run="+ids.RunID)
	}
	return WithLogID(logger, tag)
}

func joinTag(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + " " + next
}

type logIDLogger struct {
	logger Logger
	logID  string
}

func (l *logIDLogger) Debug(format string, args ...any) {
	l.logger.Debug(prefixLogID(l.logID, format), args...)
}

func (l *logIDLogger) Info(format string, args ...any) {
	l.logger.Info(prefixLogID(l.logID, format), args...)
}

func (l *logIDLogger) Warn(format string, args ...any) {
	l.logger.Warn(prefixLogID(l.logID, format), args...)
}

func (l *logIDLogger) Error(format string, args ...any) {
	l.logger.Error(prefixLogID(l.logID, format), args...)
}

func prefixLogID(logID, format string) string {
	if logID == "" {
		return format
	}
	return "logid=" + logID + " " + format
}
