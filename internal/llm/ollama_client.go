package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	agenterrors "ollamaacp/internal/errors"
	"ollamaacp/internal/logging"
)

// DefaultBaseURL is used when no host is configured.
const DefaultBaseURL = "http://localhost:11434"

var _ Client = (*OllamaClient)(nil)

// Config configures an OllamaClient.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     logging.Logger
}

// OllamaClient streams chat replies and lists models from an Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOllamaClient builds a client. The HTTP client has no overall timeout
// because a stream lasts as long as the model keeps generating; callers bound
// requests with their context.
func NewOllamaClient(config Config) *OllamaClient {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := config.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("ollama-client")
	}
	return &OllamaClient{
		baseURL:    NormalizeBaseURL(config.BaseURL),
		httpClient: httpClient,
		logger:     logger,
	}
}

// NormalizeBaseURL turns a user supplied host such as "localhost:11434" or
// "http://gpu-box:11434/" into the API root ending in "/api".
func NormalizeBaseURL(raw string) string {
	baseURL := strings.TrimRight(strings.TrimSpace(raw), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if !strings.HasSuffix(baseURL, "/api") {
		baseURL += "/api"
	}
	return baseURL
}

// BaseURL returns the normalized API root.
func (c *OllamaClient) BaseURL() string {
	return c.baseURL
}

// StreamChat posts to /api/chat with stream=true. The returned stream must be
// closed by the caller. Cancelling ctx aborts the response body, so a pending
// Recv returns promptly.
func (c *OllamaClient) StreamChat(ctx context.Context, req ChatRequest) (ChatStream, error) {
	payload := ollamaRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}
	if len(req.Options) > 0 {
		payload.Options = req.Options
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	c.logger.Debug("POST %s/chat model=%s messages=%d", c.baseURL, req.Model, len(payload.Messages))
	resp, err := c.do(ctx, http.MethodPost, "/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	return &ndjsonStream{body: resp.Body, scanner: scanner}, nil
}

// ListModels returns the models installed on the server via /api/tags.
func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/tags", nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode ollama tags: %w", err)
	}
	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{
			Name:       m.Name,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
			Digest:     m.Digest,
		})
	}
	return models, nil
}

func (c *OllamaClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	endpoint := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, agenterrors.Classify(fmt.Errorf("ollama %s %s: %w", method, endpoint, err), 0)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		return nil, agenterrors.Classify(apiErr, resp.StatusCode)
	}
	return resp, nil
}

// errorMessage extracts {"error": "..."} bodies and falls back to raw text.
func errorMessage(raw []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}

// ndjsonStream decodes Ollama's newline-delimited chunks. Recv calls are
// serialized; Close never waits on them so it can interrupt a blocked read.
type ndjsonStream struct {
	recvMu    sync.Mutex
	body      io.ReadCloser
	scanner   *bufio.Scanner
	done      bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *ndjsonStream) Recv() (ChatChunk, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	if s.done || s.closed.Load() {
		return ChatChunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return ChatChunk{}, fmt.Errorf("decode ollama stream chunk: %w", err)
		}
		if chunk.Error != "" {
			s.done = true
			return ChatChunk{}, &APIError{Message: chunk.Error}
		}
		if chunk.Done {
			s.done = true
		}
		return ChatChunk{
			Content:         chunk.Message.Content,
			Done:            chunk.Done,
			DoneReason:      chunk.DoneReason,
			PromptEvalCount: chunk.PromptEvalCount,
			EvalCount:       chunk.EvalCount,
		}, nil
	}
	s.done = true
	if s.closed.Load() {
		return ChatChunk{}, io.EOF
	}
	if err := s.scanner.Err(); err != nil {
		return ChatChunk{}, fmt.Errorf("read ollama stream: %w", err)
	}
	return ChatChunk{}, io.EOF
}

func (s *ndjsonStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
		Digest     string    `json:"digest"`
	} `json:"models"`
}

func convertMessages(msgs []Message) []ollamaMessage {
	result := make([]ollamaMessage, 0, len(msgs))
	for _, msg := range msgs {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			continue
		}
		var images []string
		if len(msg.Images) > 0 {
			images = make([]string, 0, len(msg.Images))
			for _, img := range msg.Images {
				images = append(images, base64.StdEncoding.EncodeToString(img))
			}
		}
		result = append(result, ollamaMessage{
			Role:    role,
			Content: msg.Content,
			Images:  images,
		})
	}
	return result
}
