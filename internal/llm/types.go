// Package llm talks to the Ollama HTTP API.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is one chat turn sent to the backend.
type Message struct {
	Role    string
	Content string
	Images  [][]byte
}

// ChatRequest describes a streaming chat call.
type ChatRequest struct {
	Model    string
	Messages []Message
	Options  map[string]any
}

// ChatChunk is one increment of a streamed reply.
type ChatChunk struct {
	Content         string
	Done            bool
	DoneReason      string
	PromptEvalCount int
	EvalCount       int
}

// ChatStream is a finite, non-restartable sequence of chunks. Recv returns
// io.EOF once the stream is exhausted. Close releases the underlying
// connection and may be called at any time, including mid-stream.
type ChatStream interface {
	Recv() (ChatChunk, error)
	Close() error
}

// ModelInfo describes a locally available model.
type ModelInfo struct {
	Name       string
	Size       int64
	ModifiedAt time.Time
	Digest     string
}

// SizeGB reports the model size in GiB, matching `ollama list`.
func (m ModelInfo) SizeGB() float64 {
	return float64(m.Size) / (1024 * 1024 * 1024)
}

// Client is the backend surface used by the agent.
type Client interface {
	StreamChat(ctx context.Context, req ChatRequest) (ChatStream, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// APIError reports an error returned by the Ollama server, either as a non-2xx
// status or as an "error" field inside a stream chunk.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return "ollama error"
	}
	msg := strings.TrimSpace(e.Message)
	if e.StatusCode > 0 {
		if msg == "" {
			return fmt.Sprintf("ollama request failed: status %d", e.StatusCode)
		}
		return fmt.Sprintf("ollama request failed: status %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("ollama error: %s", msg)
}

// HTTPStatus exposes the status code to error classification.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// HasModel reports whether name matches one of models, accepting an implicit
// ":latest" tag the way `ollama run` does.
func HasModel(models []ModelInfo, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, m := range models {
		if m.Name == name || strings.TrimSuffix(m.Name, ":latest") == name {
			return true
		}
		if !strings.Contains(name, ":") && strings.HasPrefix(m.Name, name+":") {
			return true
		}
	}
	return false
}
