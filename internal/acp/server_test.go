package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollamaacp/internal/agent"
	"ollamaacp/internal/jsonrpc"
	"ollamaacp/internal/llm"
	"ollamaacp/internal/logging"
)

// scriptedClient replays chunks, then optionally fails or blocks until the
// request context ends or release is closed.
type scriptedClient struct {
	chunks  []string
	failAt  error
	block   bool
	release chan struct{}
	started chan struct{}
}

func (c *scriptedClient) StreamChat(ctx context.Context, _ llm.ChatRequest) (llm.ChatStream, error) {
	if c.started != nil {
		c.started <- struct{}{}
	}
	return &scriptedStream{ctx: ctx, client: c}, nil
}

func (c *scriptedClient) ListModels(context.Context) ([]llm.ModelInfo, error) {
	return []llm.ModelInfo{{Name: "llama3.2:latest"}}, nil
}

type scriptedStream struct {
	ctx    context.Context
	client *scriptedClient
	pos    int
}

func (s *scriptedStream) Recv() (llm.ChatChunk, error) {
	if s.pos < len(s.client.chunks) {
		s.pos++
		return llm.ChatChunk{Content: s.client.chunks[s.pos-1]}, nil
	}
	if s.client.failAt != nil {
		return llm.ChatChunk{}, s.client.failAt
	}
	if s.client.block {
		select {
		case <-s.ctx.Done():
			return llm.ChatChunk{}, s.ctx.Err()
		case <-s.client.release:
		}
	}
	return llm.ChatChunk{Done: true}, nil
}

func (s *scriptedStream) Close() error { return nil }

type pipeConn struct {
	*io.PipeReader
	*io.PipeWriter
}

func (p pipeConn) Close() error {
	_ = p.PipeReader.Close()
	return p.PipeWriter.Close()
}

type harness struct {
	client  *Client
	updates chan map[string]any
	done    chan error
}

func newHarness(t *testing.T, backend llm.Client) *harness {
	t.Helper()
	a, err := agent.New(backend, agent.Config{Model: "llama3.2", Version: "test", Logger: logging.Nop()})
	require.NoError(t, err)
	srv := NewServer(a, ServerConfig{Logger: logging.Nop()})

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	h := &harness{
		updates: make(chan map[string]any, 128),
		done:    make(chan error, 1),
	}
	go func() {
		h.done <- srv.Serve(context.Background(), NewRPCConn(serverR, serverW))
		_ = serverW.Close()
	}()

	h.client = NewClient(pipeConn{clientR, clientW}, logging.Nop())
	h.client.Start(context.Background(), NotificationFunc(func(_ context.Context, req *jsonrpc.Request) {
		if req.Method == methodSessionUpdate {
			h.updates <- req.Params
		}
	}))
	t.Cleanup(func() {
		_ = clientW.Close()
		select {
		case err := <-h.done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("server did not stop after client disconnected")
		}
		_ = h.client.Close()
	})
	return h
}

func (h *harness) call(t *testing.T, method string, params map[string]any) (map[string]any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := h.client.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	out, _ := result.(map[string]any)
	return out, nil
}

func (h *harness) newSession(t *testing.T) string {
	t.Helper()
	res, err := h.call(t, MethodSessionNew, map[string]any{"cwd": "/work", "mcpServers": []any{}})
	require.NoError(t, err)
	sid, _ := res["sessionId"].(string)
	require.NotEmpty(t, sid)
	return sid
}

func (h *harness) drainText(sessionID string) []string {
	var out []string
	for {
		select {
		case params := <-h.updates:
			if params["sessionId"] != sessionID {
				continue
			}
			update, _ := params["update"].(map[string]any)
			body, _ := update["content"].(map[string]any)
			out = append(out, body["text"].(string))
		default:
			return out
		}
	}
}

func textPrompt(sessionID, text string) map[string]any {
	return map[string]any{
		"sessionId": sessionID,
		"prompt":    []any{map[string]any{"type": "text", "text": text}},
	}
}

func rpcCode(t *testing.T, err error) int {
	t.Helper()
	var rpcErr *jsonrpc.RPCError
	require.True(t, errors.As(err, &rpcErr), "expected RPC error, got %v", err)
	return rpcErr.Code
}

func TestServerHandshake(t *testing.T) {
	h := newHarness(t, &scriptedClient{})

	res, err := h.call(t, MethodInitialize, map[string]any{"protocolVersion": 1})
	require.NoError(t, err)
	assert.Equal(t, float64(1), res["protocolVersion"])
	caps := res["agentCapabilities"].(map[string]any)
	assert.Equal(t, false, caps["loadSession"])
	assert.Equal(t, true, caps["promptCapabilities"].(map[string]any)["image"])
	info := res["agentInfo"].(map[string]any)
	assert.Equal(t, "ollama-agent", info["name"])

	_, err = h.call(t, MethodAuthenticate, map[string]any{"methodId": "none"})
	require.NoError(t, err)

	_, err = h.call(t, MethodSessionLoad, map[string]any{"sessionId": "x"})
	assert.Equal(t, jsonrpc.MethodNotFound, rpcCode(t, err))

	_, err = h.call(t, "session/unknown", nil)
	assert.Equal(t, jsonrpc.MethodNotFound, rpcCode(t, err))

	res, err = h.call(t, "_vendor/ping", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "ok", res["status"])
}

func TestServerPromptStreamsUpdatesBeforeResponse(t *testing.T) {
	h := newHarness(t, &scriptedClient{chunks: []string{"2+2", " is", " 4"}})
	sid := h.newSession(t)

	res, err := h.call(t, MethodSessionPrompt, textPrompt(sid, "What is 2+2?"))
	require.NoError(t, err)
	assert.Equal(t, "end_turn", res["stopReason"])
	assert.Equal(t, []string{"2+2", " is", " 4"}, h.drainText(sid))
}

func TestServerPromptValidatesParams(t *testing.T) {
	h := newHarness(t, &scriptedClient{})

	_, err := h.call(t, MethodSessionPrompt, map[string]any{"prompt": []any{}})
	assert.Equal(t, jsonrpc.InvalidParams, rpcCode(t, err))

	_, err = h.call(t, MethodSessionPrompt, map[string]any{"sessionId": "s", "prompt": "hi"})
	assert.Equal(t, jsonrpc.InvalidParams, rpcCode(t, err))
}

func TestServerPromptEmptyIsEndTurn(t *testing.T) {
	h := newHarness(t, &scriptedClient{chunks: []string{"never"}})
	sid := h.newSession(t)

	res, err := h.call(t, MethodSessionPrompt, map[string]any{"sessionId": sid, "prompt": []any{}})
	require.NoError(t, err)
	assert.Equal(t, "end_turn", res["stopReason"])
	assert.Empty(t, h.drainText(sid))
}

func TestServerPromptBackendFailure(t *testing.T) {
	h := newHarness(t, &scriptedClient{chunks: []string{"part"}, failAt: &llm.APIError{Message: "model runner crashed"}})
	sid := h.newSession(t)

	_, err := h.call(t, MethodSessionPrompt, textPrompt(sid, "hi"))
	assert.Equal(t, jsonrpc.InternalError, rpcCode(t, err))
	assert.Contains(t, err.Error(), "model runner crashed")

	texts := h.drainText(sid)
	require.Len(t, texts, 2)
	assert.Equal(t, "part", texts[0])
	assert.Contains(t, texts[1], "Sorry, an error occurred")
}

func TestServerCancelNotificationStopsPrompt(t *testing.T) {
	backend := &scriptedClient{chunks: []string{"thinking"}, block: true, release: make(chan struct{}), started: make(chan struct{}, 4)}
	h := newHarness(t, backend)
	sid := h.newSession(t)

	type result struct {
		res map[string]any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		res, err := h.call(t, MethodSessionPrompt, textPrompt(sid, "write an essay"))
		resCh <- result{res, err}
	}()
	<-backend.started

	require.NoError(t, h.client.Notify(MethodSessionCancel, map[string]any{"sessionId": sid}))

	select {
	case got := <-resCh:
		require.NoError(t, got.err)
		assert.Equal(t, "cancelled", got.res["stopReason"])
	case <-time.After(3 * time.Second):
		t.Fatal("prompt did not end after cancel")
	}
}

func TestServerSecondPromptSupersedesFirst(t *testing.T) {
	backend := &scriptedClient{block: true, release: make(chan struct{}), started: make(chan struct{}, 4)}
	h := newHarness(t, backend)
	sid := h.newSession(t)

	var wg sync.WaitGroup
	results := make([]map[string]any, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = h.call(t, MethodSessionPrompt, textPrompt(sid, "first"))
	}()
	<-backend.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = h.call(t, MethodSessionPrompt, textPrompt(sid, "second"))
	}()
	<-backend.started
	close(backend.release)
	wg.Wait()

	assert.Equal(t, "cancelled", results[0]["stopReason"])
	assert.Equal(t, "end_turn", results[1]["stopReason"])
}

func TestServerRejectsMalformedJSON(t *testing.T) {
	a, err := agent.New(&scriptedClient{}, agent.Config{Logger: logging.Nop()})
	require.NoError(t, err)
	out := &bytes.Buffer{}
	srv := NewServer(a, ServerConfig{Logger: logging.Nop()})

	require.NoError(t, srv.Serve(context.Background(), NewRPCConn(strings.NewReader("{not json}\n"), out)))
	assert.Contains(t, out.String(), `"code":-32700`)
	assert.Contains(t, out.String(), `"id":null`)
}

// wireHarness feeds raw bytes to Serve so several messages can arrive in a
// single write.
type wireHarness struct {
	in       *io.PipeWriter
	messages chan map[string]any
}

func newWireHarness(t *testing.T, backend llm.Client) *wireHarness {
	t.Helper()
	a, err := agent.New(backend, agent.Config{Model: "llama3.2", Logger: logging.Nop()})
	require.NoError(t, err)
	srv := NewServer(a, ServerConfig{Logger: logging.Nop()})

	serverR, clientW := io.Pipe()
	clientR, serverW := io.Pipe()
	h := &wireHarness{in: clientW, messages: make(chan map[string]any, 32)}

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(context.Background(), NewRPCConn(serverR, serverW))
		_ = serverW.Close()
	}()
	go func() {
		scanner := bufio.NewScanner(clientR)
		for scanner.Scan() {
			var msg map[string]any
			if json.Unmarshal(scanner.Bytes(), &msg) == nil {
				h.messages <- msg
			}
		}
		close(h.messages)
	}()
	t.Cleanup(func() {
		_ = clientW.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

func (h *wireHarness) write(t *testing.T, lines ...string) {
	t.Helper()
	_, err := io.WriteString(h.in, strings.Join(lines, "\n")+"\n")
	require.NoError(t, err)
}

// nextResponse skips notifications and returns the next response.
func (h *wireHarness) nextResponse(t *testing.T) map[string]any {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-h.messages:
			require.True(t, ok, "connection closed")
			if _, isResponse := msg["id"]; isResponse {
				return msg
			}
		case <-timeout:
			t.Fatal("no response")
			return nil
		}
	}
}

func promptLine(id int, sessionID, text string) string {
	return `{"jsonrpc":"2.0","id":` + strconv.Itoa(id) + `,"method":"session/prompt","params":{"sessionId":"` +
		sessionID + `","prompt":[{"type":"text","text":"` + text + `"}]}}`
}

func stopReason(msg map[string]any) string {
	result, _ := msg["result"].(map[string]any)
	reason, _ := result["stopReason"].(string)
	return reason
}

func TestServerBackToBackPromptsSupersedeInWireOrder(t *testing.T) {
	for i := 0; i < 20; i++ {
		backend := &scriptedClient{block: true, release: make(chan struct{}), started: make(chan struct{}, 4)}
		h := newWireHarness(t, backend)

		h.write(t, promptLine(1, "s1", "first"), promptLine(2, "s1", "second"))

		first := h.nextResponse(t)
		require.Equal(t, float64(1), first["id"], "the earlier prompt must be the one cancelled")
		assert.Equal(t, "cancelled", stopReason(first))

		<-backend.started
		close(backend.release)
		second := h.nextResponse(t)
		assert.Equal(t, float64(2), second["id"])
		assert.Equal(t, "end_turn", stopReason(second))
	}
}

func TestServerCancelRightAfterPromptIsNotLost(t *testing.T) {
	for i := 0; i < 20; i++ {
		backend := &scriptedClient{block: true, release: make(chan struct{})}
		h := newWireHarness(t, backend)

		h.write(t,
			promptLine(1, "s1", "essay"),
			`{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"s1"}}`,
		)

		resp := h.nextResponse(t)
		assert.Equal(t, float64(1), resp["id"])
		assert.Equal(t, "cancelled", stopReason(resp))
	}
}
