// Package session runs prompts against the model, one at a time per session,
// and keeps each session's conversation history consistent with what the
// client saw.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ollamaacp/internal/conversation"
	"ollamaacp/internal/llm"
	"ollamaacp/internal/logging"
	"ollamaacp/internal/observability"
)

// ErrRunCancelled reports that a run observed its cancellation signal.
var ErrRunCancelled = errors.New("session: run cancelled")

// ChatClient is the streaming half of the backend.
type ChatClient interface {
	StreamChat(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error)
}

// UpdateSink receives streamed text for one session, in order.
type UpdateSink interface {
	Deliver(ctx context.Context, text string) error
}

// SinkFunc adapts a function to UpdateSink.
type SinkFunc func(ctx context.Context, text string) error

func (f SinkFunc) Deliver(ctx context.Context, text string) error {
	return f(ctx, text)
}

// BackendError wraps a failure of the streaming call.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: %v", e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Streamer produces one assistant reply for a history.
type Streamer interface {
	Stream(ctx context.Context, history []conversation.Message, sink UpdateSink) (string, error)
}

// DriverConfig configures a Driver.
type DriverConfig struct {
	Model   string
	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Driver streams chat completions and forwards each increment to a sink.
type Driver struct {
	client  ChatClient
	model   string
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

var _ Streamer = (*Driver)(nil)

func NewDriver(client ChatClient, config DriverConfig) *Driver {
	return &Driver{
		client:  client,
		model:   config.Model,
		logger:  logging.OrNop(config.Logger),
		metrics: config.Metrics,
		tracer:  config.Tracer,
	}
}

// Model returns the configured model name.
func (d *Driver) Model() string {
	return d.model
}

// Stream sends history to the model and returns the full reply. Each
// non-empty increment is accumulated and then delivered to sink before the
// next one is read. Once ctx is done the stream is closed, nothing more is
// delivered, and ErrRunCancelled is returned. Other failures come back as
// *BackendError; the partial text is returned alongside for logging only.
func (d *Driver) Stream(ctx context.Context, history []conversation.Message, sink UpdateSink) (string, error) {
	if ctx.Err() != nil {
		return "", ErrRunCancelled
	}
	logger := logging.FromContext(ctx, d.logger)

	ctx, span := observability.StartSpan(ctx, d.tracer, observability.SpanChatStream,
		attribute.String(observability.AttrModel, d.model))
	defer span.End()

	stream, err := d.client.StreamChat(ctx, llm.ChatRequest{
		Model:    d.model,
		Messages: toChatMessages(history),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrRunCancelled
		}
		span.SetStatus(codes.Error, err.Error())
		return "", &BackendError{Err: err}
	}
	defer func() {
		_ = stream.Close()
	}()
	// Closing the stream unblocks a Recv waiting on the network.
	stop := context.AfterFunc(ctx, func() {
		_ = stream.Close()
	})
	defer stop()

	var acc strings.Builder
	chunks := 0
	for {
		if ctx.Err() != nil {
			return acc.String(), ErrRunCancelled
		}
		chunk, err := stream.Recv()
		if ctx.Err() != nil {
			return acc.String(), ErrRunCancelled
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return acc.String(), &BackendError{Err: err}
		}
		if chunk.Content != "" {
			acc.WriteString(chunk.Content)
			chunks++
			d.metrics.RecordChunk()
			if err := sink.Deliver(ctx, chunk.Content); err != nil {
				logger.Warn("deliver chunk %d: %v", chunks, err)
			}
		}
		if chunk.Done {
			logger.Debug("stream done reason=%s prompt_tokens=%d eval_tokens=%d",
				chunk.DoneReason, chunk.PromptEvalCount, chunk.EvalCount)
			break
		}
	}
	span.SetAttributes(attribute.Int(observability.AttrChunks, chunks))
	return acc.String(), nil
}

func toChatMessages(history []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		out = append(out, llm.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
			Images:  msg.Images,
		})
	}
	return out
}
