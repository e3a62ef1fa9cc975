package acp

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ollamaacp/internal/jsonrpc"
)

const wsWriteTimeout = 10 * time.Second

var _ Transport = (*WebSocketTransport)(nil)

// WebSocketTransport carries one JSON-RPC message per websocket frame.
type WebSocketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	conn.SetReadLimit(maxFrameSize)
	return &WebSocketTransport{conn: conn}
}

// ReadMessage returns the next text or binary frame. A close frame from the
// peer is reported as io.EOF.
func (t *WebSocketTransport) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, io.EOF
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, ErrFrameTooLarge
			}
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *WebSocketTransport) SendResponse(resp *jsonrpc.Response) error {
	if resp == nil {
		return nil
	}
	return t.write(resp)
}

func (t *WebSocketTransport) Notify(method string, params map[string]any) error {
	return t.write(jsonrpc.NewNotification(method, params))
}

func (t *WebSocketTransport) write(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteJSON(v)
}

// Close sends a normal close frame and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.mu.Unlock()
	return t.conn.Close()
}
