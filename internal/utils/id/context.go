package id

import "context"

type contextKey string

const (
	sessionKey contextKey = "acp_session_id"
	runKey     contextKey = "acp_run_id"
	logKey     contextKey = "acp_log_id"
)

// IDs captures the identifiers propagated across prompt execution boundaries.
type IDs struct {
	SessionID string
	RunID     string
	LogID     string
}

// WithSessionID stores the provided session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithRunID stores the current run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// WithLogID stores the provided log identifier on the context.
func WithLogID(ctx context.Context, logID string) context.Context {
	if logID == "" {
		return ctx
	}
	return context.WithValue(ctx, logKey, logID)
}

// WithIDs stores any provided identifiers on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	ctx = WithSessionID(ctx, ids.SessionID)
	ctx = WithRunID(ctx, ids.RunID)
	ctx = WithLogID(ctx, ids.LogID)
	return ctx
}

// SessionIDFromContext extracts the session identifier from context.
func SessionIDFromContext(ctx context.Context) string {
	return stringValue(ctx, sessionKey)
}

// RunIDFromContext extracts the run identifier from context.
func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runKey)
}

// LogIDFromContext extracts the log identifier from context.
func LogIDFromContext(ctx context.Context) string {
	return stringValue(ctx, logKey)
}

// IDsFromContext collects all known identifiers from the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		SessionID: SessionIDFromContext(ctx),
		RunID:     RunIDFromContext(ctx),
		LogID:     LogIDFromContext(ctx),
	}
}

// EnsureLogID guarantees a log identifier is present on the context.
// It returns the updated context and the resulting identifier.
func EnsureLogID(ctx context.Context, generator func() string) (context.Context, string) {
	if existing := LogIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	next := ""
	if generator != nil {
		next = generator()
	}
	if next == "" {
		return ctx, ""
	}
	return WithLogID(ctx, next), next
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
