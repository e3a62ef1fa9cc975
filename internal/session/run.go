package session

import (
	"context"
	"time"

	"ollamaacp/internal/utils/id"
)

// Outcome is how a turn ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota + 1
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Run is one in-flight prompt execution. Its done channel closes after the
// run has committed (or declined to commit) its history changes.
type Run struct {
	ID        string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newRun(parent context.Context) (*Run, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Run{
		ID:        id.NewRunID(),
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}, ctx
}

// Cancel signals the run to stop. Safe to call repeatedly.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed once the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) finish() {
	r.cancel()
	close(r.done)
}
