package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollamaacp/internal/content"
	"ollamaacp/internal/conversation"
	"ollamaacp/internal/llm"
	"ollamaacp/internal/logging"
	"ollamaacp/internal/session"
)

type sliceStream struct {
	chunks []llm.ChatChunk
	err    error
	pos    int
}

func (s *sliceStream) Recv() (llm.ChatChunk, error) {
	if s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.err != nil {
		return llm.ChatChunk{}, s.err
	}
	return llm.ChatChunk{}, io.EOF
}

func (s *sliceStream) Close() error { return nil }

type stubClient struct {
	mu        sync.Mutex
	reply     []string
	streamErr error
	models    []llm.ModelInfo
	listErr   error
	requests  []llm.ChatRequest
}

func (c *stubClient) StreamChat(_ context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	chunks := make([]llm.ChatChunk, 0, len(c.reply))
	for _, text := range c.reply {
		chunks = append(chunks, llm.ChatChunk{Content: text})
	}
	return &sliceStream{chunks: chunks, err: c.streamErr}, nil
}

func (c *stubClient) ListModels(context.Context) ([]llm.ModelInfo, error) {
	return c.models, c.listErr
}

type collectSink struct {
	mu    sync.Mutex
	texts []string
}

func (s *collectSink) Deliver(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func newTestAgent(t *testing.T, client *stubClient) *Agent {
	t.Helper()
	a, err := New(client, Config{Model: "llama3.2", Version: "1.2.3", Logger: logging.Nop()})
	require.NoError(t, err)
	return a
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	a := newTestAgent(t, &stubClient{})
	res := a.Initialize(7)

	assert.Equal(t, ProtocolVersion, res.ProtocolVersion)
	assert.False(t, res.AgentCapabilities.LoadSession)
	assert.True(t, res.AgentCapabilities.PromptCapabilities.Image)
	assert.Equal(t, "ollama-agent", res.AgentInfo.Name)
	assert.Equal(t, "Ollama Agent", res.AgentInfo.Title)
	assert.Equal(t, "1.2.3", res.AgentInfo.Version)
	assert.NoError(t, a.Authenticate("anything"))
}

func TestNewSessionReturnsDistinctIDs(t *testing.T) {
	a := newTestAgent(t, &stubClient{})
	first := a.NewSession("/tmp", []any{map[string]any{"name": "fs"}})
	second := a.NewSession("/tmp", nil)
	assert.NotEqual(t, first, second)

	_, ok := a.Sessions().Get(first)
	assert.True(t, ok)
}

func TestPromptStreamsAnswerAndRecordsHistory(t *testing.T) {
	client := &stubClient{reply: []string{"2+2 ", "equals ", "4."}}
	a := newTestAgent(t, client)
	sid := a.NewSession(".", nil)
	sink := &collectSink{}

	reason, err := a.Prompt(context.Background(), sid, []content.Block{content.TextBlock{Text: "What is 2+2?"}}, sink)
	require.NoError(t, err)
	assert.Equal(t, session.StopEndTurn, reason)
	assert.Equal(t, []string{"2+2 ", "equals ", "4."}, sink.texts)

	exec, ok := a.Sessions().Get(sid)
	require.True(t, ok)
	msgs := exec.History()
	require.Len(t, msgs, 2)
	assert.Equal(t, "2+2 equals 4.", msgs[1].Content)
	assert.Equal(t, "llama3.2", client.requests[0].Model)
}

func TestPromptForUnknownSessionAdoptsID(t *testing.T) {
	a := newTestAgent(t, &stubClient{reply: []string{"hi"}})

	reason, err := a.Prompt(context.Background(), "from-client", []content.Block{content.TextBlock{Text: "hello"}}, &collectSink{})
	require.NoError(t, err)
	assert.Equal(t, session.StopEndTurn, reason)

	exec, ok := a.Sessions().Get("from-client")
	require.True(t, ok)
	assert.Len(t, exec.History(), 2)
}

func TestPromptWithImageForwardsBytes(t *testing.T) {
	client := &stubClient{reply: []string{"a cat"}}
	a := newTestAgent(t, client)
	sid := a.NewSession(".", nil)

	_, err := a.Prompt(context.Background(), sid, []content.Block{
		content.TextBlock{Text: "what is this?"},
		content.ImageBlock{Encoded: "aGVsbG8=", MimeType: "image/png"},
	}, &collectSink{})
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	msg := client.requests[0].Messages[0]
	require.Len(t, msg.Images, 1)
	assert.Equal(t, []byte("hello"), msg.Images[0])
}

func TestPromptBackendFailureReportsError(t *testing.T) {
	client := &stubClient{reply: []string{"par"}, streamErr: errors.New("unexpected EOF")}
	a := newTestAgent(t, client)
	sid := a.NewSession(".", nil)
	sink := &collectSink{}

	_, err := a.Prompt(context.Background(), sid, []content.Block{content.TextBlock{Text: "hi"}}, sink)
	var runErr *session.RunError
	require.ErrorAs(t, err, &runErr)
	require.Len(t, sink.texts, 2)
	assert.Contains(t, sink.texts[1], "Sorry, an error occurred")

	exec, _ := a.Sessions().Get(sid)
	msgs := exec.History()
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
}

func TestCancelUnknownSessionIsIgnored(t *testing.T) {
	a := newTestAgent(t, &stubClient{})
	a.Cancel("nope")
	_, ok := a.Sessions().Get("nope")
	assert.False(t, ok)
}

func TestExtensionHooks(t *testing.T) {
	a := newTestAgent(t, &stubClient{})
	assert.Equal(t, map[string]any{"status": "ok"}, a.ExtMethod("_zed/ping", nil))
	a.ExtNotification("_zed/hello", map[string]any{"x": 1})
}

func TestVerifyConnection(t *testing.T) {
	t.Run("model present", func(t *testing.T) {
		a := newTestAgent(t, &stubClient{models: []llm.ModelInfo{{Name: "llama3.2:latest"}}})
		status, err := a.VerifyConnection(context.Background())
		require.NoError(t, err)
		assert.True(t, status.ModelFound)
	})

	t.Run("model missing", func(t *testing.T) {
		a := newTestAgent(t, &stubClient{models: []llm.ModelInfo{{Name: "mistral:7b"}}})
		status, err := a.VerifyConnection(context.Background())
		require.NoError(t, err)
		assert.False(t, status.ModelFound)
		assert.Len(t, status.Models, 1)
	})

	t.Run("unreachable", func(t *testing.T) {
		a := newTestAgent(t, &stubClient{listErr: errors.New("connection refused")})
		_, err := a.VerifyConnection(context.Background())
		assert.Error(t, err)
	})
}
