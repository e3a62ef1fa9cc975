package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ollamaacp/internal/content"
	"ollamaacp/internal/conversation"
	agenterrors "ollamaacp/internal/errors"
	"ollamaacp/internal/logging"
	"ollamaacp/internal/observability"
	"ollamaacp/internal/utils/id"
)

// StopReason tells the client why a prompt turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopCancelled StopReason = "cancelled"
)

// State is the executor's coarse lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// RunError is returned by Submit when the backend failed. The client has
// already received a notice through the sink.
type RunError struct {
	SessionID string
	RunID     string
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("session %s run %s failed: %v", e.SessionID, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Options tune an Executor.
type Options struct {
	// KeepCancelledPrompts keeps the user message of a cancelled run in the
	// history. By default it is discarded.
	KeepCancelledPrompts bool
	Logger               logging.Logger
	Metrics              *observability.Metrics
	Tracer               trace.Tracer
}

// Executor owns one session: its conversation and its at most one live Run.
type Executor struct {
	id      string
	driver  Streamer
	store   *conversation.Store
	opts    Options
	logger  logging.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	current *Run
	// after is closed once a predecessor executor under the same id has
	// drained. Only the first turn waits on it.
	after  <-chan struct{}
	active atomic.Int32
}

func NewExecutor(sessionID string, driver Streamer, opts Options) *Executor {
	return &Executor{
		id:      sessionID,
		driver:  driver,
		store:   conversation.NewStore(),
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}
}

// ID returns the session identifier.
func (e *Executor) ID() string {
	return e.id
}

// History returns a copy of the committed conversation. The user message of
// a turn still running is not part of it until the turn commits.
func (e *Executor) History() []conversation.Message {
	return e.store.Messages()
}

// State reports whether a run is live.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return StateRunning
	}
	return StateIdle
}

// Cancel signals the live run, if any, and returns without waiting.
func (e *Executor) Cancel() {
	e.mu.Lock()
	run := e.current
	e.mu.Unlock()
	if run != nil {
		e.logger.Debug("session %s: cancelling run %s", e.id, run.ID)
		run.Cancel()
	}
}

// drained returns a channel closed once the live run, if any, has finished.
func (e *Executor) drained() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	return e.current.Done()
}

// Turn is a prompt that holds its session's slot but has not run yet.
type Turn struct {
	exec   *Executor
	run    *Run
	ctx    context.Context
	waitOn <-chan struct{}
}

// Begin claims the session for a new run and cancels the one in flight, if
// any, without blocking. Callers that need wire order to decide which prompt
// supersedes which call Begin in that order. The returned Turn must be Run
// exactly once.
func (e *Executor) Begin(ctx context.Context) *Turn {
	run, runCtx := newRun(ctx)
	runCtx = id.WithIDs(runCtx, id.IDs{SessionID: e.id, RunID: run.ID})

	e.mu.Lock()
	prev := e.current
	e.current = run
	waitOn := e.after
	e.after = nil
	e.mu.Unlock()

	if prev != nil {
		logging.FromContext(runCtx, e.logger).Debug("superseding run %s", prev.ID)
		prev.Cancel()
		waitOn = prev.Done()
	}
	return &Turn{exec: e, run: run, ctx: runCtx, waitOn: waitOn}
}

// RunID identifies the turn's run.
func (t *Turn) RunID() string {
	return t.run.ID
}

// Submit runs one prompt turn. A run already in flight is cancelled and
// awaited before this one reads or writes history, so replies never
// interleave. Cancellation yields StopCancelled with a nil error; a backend
// failure yields a *RunError after one notice has been sent to sink.
func (e *Executor) Submit(ctx context.Context, blocks []content.Block, sink UpdateSink) (StopReason, error) {
	return e.Begin(ctx).Run(blocks, sink)
}

// Run waits for the superseded run to finish and then executes the turn.
func (t *Turn) Run(blocks []content.Block, sink UpdateSink) (StopReason, error) {
	e, run, runCtx := t.exec, t.run, t.ctx
	logger := logging.FromContext(runCtx, e.logger)

	outcome := OutcomeCancelled
	var runErr error
	defer func() {
		e.mu.Lock()
		if e.current == run {
			e.current = nil
		}
		e.mu.Unlock()
		run.finish()
	}()

	if t.waitOn != nil {
		<-t.waitOn
	}
	if runCtx.Err() != nil {
		e.metrics.RecordPrompt(observability.OutcomeCancelled, time.Since(run.StartedAt))
		return StopCancelled, nil
	}

	extracted := content.Extract(blocks, logger)
	e.metrics.RecordImagesDropped(extracted.Dropped)
	if extracted.Empty() {
		e.metrics.RecordPrompt(observability.OutcomeEmpty, time.Since(run.StartedAt))
		logger.Debug("empty prompt, nothing to do")
		return StopEndTurn, nil
	}

	if n := e.active.Add(1); n != 1 {
		panic(fmt.Sprintf("session %s: %d runs active at once", e.id, n))
	}
	defer e.active.Add(-1)

	runCtx, span := observability.StartSpan(runCtx, e.opts.Tracer, observability.SpanPromptRun)
	defer span.End()
	e.metrics.RunStarted()

	user := conversation.UserMessage(extracted.Text, extracted.Images)
	history := append(e.store.Messages(), user)
	reply, err := e.driver.Stream(runCtx, history, sink)

	switch {
	case err == nil:
		outcome = OutcomeCompleted
		if appendErr := e.store.Append(user, conversation.AssistantMessage(reply)); appendErr != nil {
			panic(fmt.Sprintf("session %s: commit turn: %v", e.id, appendErr))
		}
		logger.Info("turn completed (%d chars, history=%d)", len(reply), e.store.Len())
	case errors.Is(err, ErrRunCancelled) || runCtx.Err() != nil:
		outcome = OutcomeCancelled
		if e.opts.KeepCancelledPrompts {
			_ = e.store.Append(user)
		}
		logger.Info("turn cancelled after %d chars", len(reply))
	default:
		outcome = OutcomeFailed
		runErr = err
		_ = e.store.Append(user)
		logger.Error("turn failed: %v", err)
		notice := "Sorry, an error occurred: " + agenterrors.FormatForUser(err)
		if deliverErr := sink.Deliver(runCtx, notice); deliverErr != nil {
			logger.Warn("deliver failure notice: %v", deliverErr)
		}
	}

	span.SetAttributes(attribute.String(observability.AttrOutcome, outcome.String()))
	e.metrics.RunFinished(outcomeLabel(outcome), time.Since(run.StartedAt))

	switch outcome {
	case OutcomeCompleted:
		return StopEndTurn, nil
	case OutcomeCancelled:
		return StopCancelled, nil
	default:
		span.SetStatus(codes.Error, runErr.Error())
		return "", &RunError{SessionID: e.id, RunID: run.ID, Err: runErr}
	}
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeCompleted:
		return observability.OutcomeCompleted
	case OutcomeFailed:
		return observability.OutcomeFailed
	default:
		return observability.OutcomeCancelled
	}
}
