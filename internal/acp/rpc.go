package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"ollamaacp/internal/jsonrpc"
)

// Transport carries JSON-RPC messages for one ACP connection.
type Transport interface {
	// ReadMessage blocks for the next payload and returns io.EOF once the
	// peer is gone.
	ReadMessage() ([]byte, error)
	SendResponse(resp *jsonrpc.Response) error
	Notify(method string, params map[string]any) error
}

var _ Transport = (*RPCConn)(nil)

// maxFrameSize bounds a single inbound message on every transport.
const maxFrameSize = 16 << 20

// ErrFrameTooLarge is returned by ReadMessage when a peer announces or sends
// a message larger than maxFrameSize. The connection cannot be resynced.
var ErrFrameTooLarge = errors.New("acp frame exceeds size limit")

// RPCConn frames JSON-RPC over a byte stream such as stdio or TCP. It reads
// both newline-delimited JSON and Content-Length framing and answers in
// whichever framing the peer used last.
type RPCConn struct {
	r          *bufio.Reader
	w          *bufio.Writer
	mu         sync.Mutex
	useHeaders atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan *jsonrpc.Response
	idGen     atomic.Int64
}

func NewRPCConn(in io.Reader, out io.Writer) *RPCConn {
	return &RPCConn{
		r:       bufio.NewReaderSize(in, 64*1024),
		w:       bufio.NewWriter(out),
		pending: make(map[string]chan *jsonrpc.Response),
	}
}

// Call sends a request and waits for the matching response, which must be
// routed back through DeliverResponse by the read loop.
func (c *RPCConn) Call(ctx context.Context, method string, params map[string]any) (*jsonrpc.Response, error) {
	reqID := c.idGen.Add(1)
	key := strconv.FormatInt(reqID, 10)
	respCh := make(chan *jsonrpc.Response, 1)

	c.pendingMu.Lock()
	c.pending[key] = respCh
	c.pendingMu.Unlock()
	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}

	if err := c.send(jsonrpc.NewRequest(reqID, method, params)); err != nil {
		forget()
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Notify sends a notification.
func (c *RPCConn) Notify(method string, params map[string]any) error {
	return c.send(jsonrpc.NewNotification(method, params))
}

// SendResponse writes a response.
func (c *RPCConn) SendResponse(resp *jsonrpc.Response) error {
	if resp == nil {
		return nil
	}
	return c.send(resp)
}

// DeliverResponse hands resp to the Call waiting for its id.
func (c *RPCConn) DeliverResponse(resp *jsonrpc.Response) bool {
	if resp == nil {
		return false
	}
	key := fmt.Sprintf("%v", resp.ID)
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// ReadMessage reads one framed payload.
func (c *RPCConn) ReadMessage() ([]byte, error) {
	payload, usedHeaders, err := readRPCMessage(c.r)
	if err != nil {
		return nil, err
	}
	c.useHeaders.Store(usedHeaders)
	return payload, nil
}

func (c *RPCConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.useHeaders.Load() {
		if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
			return err
		}
		if _, err := c.w.Write(data); err != nil {
			return err
		}
		return c.w.Flush()
	}
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return c.w.Flush()
}

func readRPCMessage(r *bufio.Reader) ([]byte, bool, error) {
	for {
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				trimmed := strings.TrimSpace(line)
				if trimmed == "" {
					return nil, false, io.EOF
				}
				return []byte(trimmed), false, nil
			}
			return nil, false, err
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		length, ok := parseContentLength(line)
		if !ok {
			return []byte(line), false, nil
		}
		// Skip any further headers up to the blank separator line.
		for {
			header, err := readLine(r)
			if err != nil {
				return nil, true, err
			}
			if strings.TrimSpace(header) == "" {
				break
			}
		}
		if length > maxFrameSize {
			return nil, true, fmt.Errorf("%w: content-length %d", ErrFrameTooLarge, length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, true, err
		}
		return payload, true, nil
	}
}

// readLine reads through the next newline without buffering more than
// maxFrameSize bytes.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(buf)+len(chunk) > maxFrameSize {
			return "", ErrFrameTooLarge
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(buf), err
	}
}

func parseContentLength(line string) (int, bool) {
	const prefix = "content-length:"
	if !strings.HasPrefix(strings.ToLower(line), prefix) {
		return 0, false
	}
	length, err := strconv.Atoi(strings.TrimSpace(line[len(prefix):]))
	if err != nil || length < 0 {
		return 0, false
	}
	return length, true
}
