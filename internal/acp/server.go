// Package acp serves the Agent Client Protocol over JSON-RPC transports.
package acp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ollamaacp/internal/agent"
	"ollamaacp/internal/jsonrpc"
	"ollamaacp/internal/logging"
	"ollamaacp/internal/observability"
	"ollamaacp/internal/session"
	"ollamaacp/internal/utils/id"
)

// ACP method names.
const (
	MethodInitialize    = "initialize"
	MethodAuthenticate  = "authenticate"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
)

// Agent is the set of operations the server dispatches to.
type Agent interface {
	Initialize(protocolVersion int) agent.InitializeResult
	Authenticate(methodID string) error
	NewSession(cwd string, mcpServers []any) string
	BeginPrompt(ctx context.Context, sessionID string) *session.Turn
	Cancel(sessionID string)
	ExtMethod(method string, params map[string]any) map[string]any
	ExtNotification(method string, params map[string]any)
}

var _ Agent = (*agent.Agent)(nil)

// ServerConfig configures a Server.
type ServerConfig struct {
	Logger logging.Logger
	Tracer trace.Tracer
}

// Server dispatches ACP requests to an Agent. One Server may serve many
// connections; each Serve call owns its transport.
type Server struct {
	agent  Agent
	logger logging.Logger
	tracer trace.Tracer
}

func NewServer(a Agent, config ServerConfig) *Server {
	logger := config.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("acp")
	}
	return &Server{agent: a, logger: logger, tracer: config.Tracer}
}

// Serve reads from t until the peer disconnects or ctx is done. Requests run
// concurrently so a cancel or a superseding prompt is handled while an
// earlier prompt is still streaming. A prompt claims its session before the
// next message is read, and cancels and notifications are handled inline, so
// both follow arrival order. When reading stops, in-flight requests are
// cancelled and awaited before Serve returns.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	connCtx, _ = id.EnsureLogID(connCtx, id.NewLogID)

	var handlers errgroup.Group
	defer func() {
		cancel()
		_ = handlers.Wait()
	}()

	for {
		payload, err := t.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || connCtx.Err() != nil {
				s.logger.Debug("acp connection closed")
				return nil
			}
			return fmt.Errorf("read acp message: %w", err)
		}
		payload = []byte(strings.TrimSpace(string(payload)))
		if len(payload) == 0 {
			continue
		}

		req, resp, err := jsonrpc.ParsePayload(payload)
		if err != nil {
			s.logger.Warn("invalid acp payload: %v", err)
			s.reply(t, parseErrorResponse(err))
			continue
		}
		if resp != nil {
			// The agent never issues requests, so responses are unexpected.
			s.logger.Debug("ignoring unsolicited response id=%v", resp.ID)
			continue
		}
		if req.IsNotification() {
			s.handleNotification(connCtx, req)
			continue
		}
		switch req.Method {
		case MethodSessionCancel:
			s.agent.Cancel(stringParam(req.Params, "sessionId"))
			s.reply(t, jsonrpc.NewResponse(req.ID, nil))
			continue
		case MethodSessionPrompt:
			// Claim the session here so supersede and cancel follow read order.
			run := s.beginPrompt(connCtx, t, req)
			handlers.Go(func() error {
				s.reply(t, run())
				return nil
			})
			continue
		}
		handlers.Go(func() error {
			s.reply(t, s.handleRequest(connCtx, req))
			return nil
		})
	}
}

func (s *Server) reply(t Transport, resp *jsonrpc.Response) {
	if err := t.SendResponse(resp); err != nil {
		s.logger.Warn("send acp response: %v", err)
	}
}

func parseErrorResponse(err error) *jsonrpc.Response {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return jsonrpc.NewErrorResponse(nil, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	return jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, err.Error(), nil)
}

func (s *Server) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch {
	case req.Method == MethodSessionCancel:
		sessionID := stringParam(req.Params, "sessionId")
		s.logger.Debug("cancel requested for %s", sessionID)
		s.agent.Cancel(sessionID)
	case strings.HasPrefix(req.Method, "_"):
		s.agent.ExtNotification(req.Method, req.Params)
	default:
		logging.FromContext(ctx, s.logger).Debug("ignoring notification %s", req.Method)
	}
}

func (s *Server) handleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	_, span := observability.StartSpan(ctx, s.tracer, observability.SpanRPCRequest,
		attribute.String(observability.AttrMethod, req.Method))
	defer span.End()

	resp := s.dispatch(req)
	if resp.IsError() {
		span.SetStatus(codes.Error, resp.Error.Message)
	}
	return resp
}

func (s *Server) dispatch(req *jsonrpc.Request) *jsonrpc.Response {
	params := req.Params
	switch req.Method {
	case MethodInitialize:
		version, _ := intParam(params, "protocolVersion")
		return jsonrpc.NewResponse(req.ID, s.agent.Initialize(version))

	case MethodAuthenticate:
		if err := s.agent.Authenticate(stringParam(params, "methodId")); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error(), nil)
		}
		return jsonrpc.NewResponse(req.ID, nil)

	case MethodSessionNew:
		sessionID := s.agent.NewSession(stringParam(params, "cwd"), sliceParam(params, "mcpServers"))
		return jsonrpc.NewResponse(req.ID, map[string]any{"sessionId": sessionID})

	case MethodSessionLoad:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "session/load is not supported", nil)

	}

	if strings.HasPrefix(req.Method, "_") {
		return jsonrpc.NewResponse(req.ID, s.agent.ExtMethod(req.Method, params))
	}
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
}

// beginPrompt validates a session/prompt request and claims its session.
// The returned func streams the turn and builds the response.
func (s *Server) beginPrompt(ctx context.Context, t Transport, req *jsonrpc.Request) func() *jsonrpc.Response {
	ctx, span := observability.StartSpan(ctx, s.tracer, observability.SpanRPCRequest,
		attribute.String(observability.AttrMethod, req.Method))
	finish := func(resp *jsonrpc.Response) *jsonrpc.Response {
		if resp.IsError() {
			span.SetStatus(codes.Error, resp.Error.Message)
		}
		span.End()
		return resp
	}

	sessionID := strings.TrimSpace(stringParam(req.Params, "sessionId"))
	if sessionID == "" {
		resp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "sessionId is required", nil)
		return func() *jsonrpc.Response { return finish(resp) }
	}
	raw, ok := req.Params["prompt"].([]any)
	if !ok {
		resp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "prompt must be an array", nil)
		return func() *jsonrpc.Response { return finish(resp) }
	}

	ctx = id.WithSessionID(ctx, sessionID)
	blocks := DecodePrompt(raw, logging.FromContext(ctx, s.logger))
	turn := s.agent.BeginPrompt(ctx, sessionID)
	return func() *jsonrpc.Response {
		reason, err := turn.Run(blocks, NewSessionUpdater(t, sessionID))
		if err != nil {
			return finish(jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error(), nil))
		}
		return finish(jsonrpc.NewResponse(req.ID, map[string]any{"stopReason": string(reason)}))
	}
}

// ServeListener accepts TCP connections and serves each with newline or
// Content-Length framing until ctx is done.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var conns errgroup.Group
	defer func() {
		_ = conns.Wait()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.logger.Info("acp client connected from %s", conn.RemoteAddr())
		conns.Go(func() error {
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			defer conn.Close()
			if err := s.Serve(ctx, NewRPCConn(conn, conn)); err != nil {
				s.logger.Warn("acp connection %s: %v", conn.RemoteAddr(), err)
			}
			return nil
		})
	}
}
