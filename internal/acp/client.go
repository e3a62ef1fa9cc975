package acp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"ollamaacp/internal/jsonrpc"
	"ollamaacp/internal/logging"
)

// NotificationHandler receives notifications pushed by the agent.
type NotificationHandler interface {
	OnNotification(ctx context.Context, req *jsonrpc.Request)
}

// NotificationFunc adapts a function to NotificationHandler.
type NotificationFunc func(ctx context.Context, req *jsonrpc.Request)

func (f NotificationFunc) OnNotification(ctx context.Context, req *jsonrpc.Request) {
	f(ctx, req)
}

// Client is a minimal ACP client: it issues requests and routes
// notifications from the agent to a handler.
type Client struct {
	conn   io.ReadWriteCloser
	rpc    *RPCConn
	logger logging.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	readDone chan struct{}
}

// NewClient wraps an established connection.
func NewClient(conn io.ReadWriteCloser, logger logging.Logger) *Client {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("acp-client")
	}
	return &Client{
		conn:     conn,
		rpc:      NewRPCConn(conn, conn),
		logger:   logger,
		readDone: make(chan struct{}),
	}
}

// Dial connects to an agent served over TCP.
func Dial(ctx context.Context, addr string, timeout time.Duration, logger logging.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, logger), nil
}

// Close shuts down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Start runs the read loop until the connection closes or ctx is done.
func (c *Client) Start(ctx context.Context, handler NotificationHandler) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go func() {
		defer close(c.readDone)
		for ctx.Err() == nil {
			payload, err := c.rpc.ReadMessage()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
					c.logger.Warn("acp read failed: %v", err)
				}
				return
			}
			payload = []byte(strings.TrimSpace(string(payload)))
			if len(payload) == 0 {
				continue
			}
			req, resp, err := jsonrpc.ParsePayload(payload)
			if err != nil {
				c.logger.Warn("acp parse failed: %v", err)
				continue
			}
			if resp != nil {
				c.rpc.DeliverResponse(resp)
				continue
			}
			if req.IsNotification() {
				if handler != nil {
					handler.OnNotification(ctx, req)
				}
				continue
			}
			reply := jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "client does not serve "+req.Method, nil)
			if err := c.rpc.SendResponse(reply); err != nil {
				c.logger.Warn("acp send response failed: %v", err)
				return
			}
		}
	}()
}

// Wait blocks until the read loop exits.
func (c *Client) Wait() {
	<-c.readDone
}

// Call issues a request and returns the response; JSON-RPC errors are
// returned as *jsonrpc.RPCError.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (any, error) {
	resp, err := c.rpc.Call(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("acp call %s: %w", method, err)
	}
	if resp.IsError() {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a notification.
func (c *Client) Notify(method string, params map[string]any) error {
	return c.rpc.Notify(method, params)
}
