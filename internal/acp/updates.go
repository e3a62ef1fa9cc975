package acp

import (
	"context"

	"ollamaacp/internal/session"
)

const methodSessionUpdate = "session/update"

// Notifier sends JSON-RPC notifications.
type Notifier interface {
	Notify(method string, params map[string]any) error
}

// SessionUpdater streams agent text to the client as session/update
// notifications for one session.
type SessionUpdater struct {
	notifier  Notifier
	sessionID string
}

var _ session.UpdateSink = (*SessionUpdater)(nil)

func NewSessionUpdater(notifier Notifier, sessionID string) *SessionUpdater {
	return &SessionUpdater{notifier: notifier, sessionID: sessionID}
}

// Deliver sends text as an agent_message_chunk.
func (u *SessionUpdater) Deliver(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return u.notifier.Notify(methodSessionUpdate, map[string]any{
		"sessionId": u.sessionID,
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content": map[string]any{
				"type": "text",
				"text": text,
			},
		},
	})
}
