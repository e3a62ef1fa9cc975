package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"ollamaacp/internal/conversation"
	"ollamaacp/internal/llm"
)

type fakeStream struct {
	chunks    chan llm.ChatChunk
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		chunks: make(chan llm.ChatChunk, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Recv() (llm.ChatChunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			return llm.ChatChunk{}, io.EOF
		}
		return chunk, nil
	case err := <-s.errs:
		return llm.ChatChunk{}, err
	case <-s.closed:
		return llm.ChatChunk{}, errors.New("use of closed stream")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeClient struct {
	mu       sync.Mutex
	stream   *fakeStream
	err      error
	requests []llm.ChatRequest
}

func (c *fakeClient) StreamChat(_ context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

type recordingSink struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *recordingSink) Deliver(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return s.err
}

func (s *recordingSink) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// streamFunc adapts a function to Streamer.
type streamFunc func(ctx context.Context, history []conversation.Message, sink UpdateSink) (string, error)

func (f streamFunc) Stream(ctx context.Context, history []conversation.Message, sink UpdateSink) (string, error) {
	return f(ctx, history, sink)
}

// gatedStreamer sends "partial" and then blocks until released or cancelled.
// It tracks how many streams run at once.
type gatedStreamer struct {
	mu        sync.Mutex
	active    int
	maxActive int
	calls     int
	started   chan int
	release   chan struct{}
	histories [][]conversation.Message
}

func newGatedStreamer() *gatedStreamer {
	return &gatedStreamer{started: make(chan int, 64), release: make(chan struct{})}
}

func (g *gatedStreamer) Stream(ctx context.Context, history []conversation.Message, sink UpdateSink) (string, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.calls++
	call := g.calls
	g.histories = append(g.histories, history)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	g.started <- call
	_ = sink.Deliver(ctx, "partial")
	select {
	case <-ctx.Done():
		return "partial", ErrRunCancelled
	case <-g.release:
		return "partial reply", nil
	}
}

func (g *gatedStreamer) MaxActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive
}

// stubbornStreamer blocks its first stream until release, even after
// cancellation, modelling a backend that is slow to unwind. Later streams
// reply at once.
type stubbornStreamer struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
	started   chan int
	release   chan struct{}
}

func newStubbornStreamer() *stubbornStreamer {
	return &stubbornStreamer{started: make(chan int, 8), release: make(chan struct{})}
}

func (s *stubbornStreamer) Stream(ctx context.Context, _ []conversation.Message, sink UpdateSink) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	s.started <- call
	if call == 1 {
		<-s.release
		if ctx.Err() != nil {
			return "", ErrRunCancelled
		}
	}
	_ = sink.Deliver(ctx, "ok")
	return "ok", nil
}

func (s *stubbornStreamer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
