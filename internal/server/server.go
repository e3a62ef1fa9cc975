// Package server exposes the ACP agent over a websocket endpoint alongside
// health and metrics routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ollamaacp/internal/acp"
	"ollamaacp/internal/logging"
	"ollamaacp/internal/observability"
)

const (
	healthTimeout   = 3 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Config configures the HTTP listener.
type Config struct {
	Addr           string
	AllowedOrigins []string
	RateLimit      RateLimitConfig
	Debug          bool
}

// Deps are the collaborators the routes need.
type Deps struct {
	ACP     *acp.Server
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	Logger  logging.Logger
	// Health probes the model backend; nil means always healthy.
	Health func(ctx context.Context) error
}

// Server serves /acp, /healthz and /metrics.
type Server struct {
	config   Config
	deps     Deps
	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   logging.Logger

	connCtx     context.Context
	cancelConns context.CancelFunc
}

func New(config Config, deps Deps) *Server {
	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("http")
	}
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	connCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     originChecker(config.AllowedOrigins),
		},
		connCtx:     connCtx,
		cancelConns: cancel,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.observe())
	if len(config.AllowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		if containsWildcard(config.AllowedOrigins) {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = config.AllowedOrigins
		}
		corsConfig.AllowMethods = []string{http.MethodGet, http.MethodOptions}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Gatherer(), promhttp.HandlerOpts{})))
	engine.GET("/acp", rateLimit(config.RateLimit), s.handleACP)
	s.engine = engine
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on Config.Addr until ctx is done, then shuts down gracefully
// and cancels open ACP connections.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on http://%s (websocket at /acp)", s.config.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.cancelConns()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.cancelConns()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close cancels every open ACP connection.
func (s *Server) Close() {
	s.cancelConns()
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := s.deps.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleACP(c *gin.Context) {
	if s.deps.ACP == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "acp server not configured"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade from %s: %v", c.Request.RemoteAddr, err)
		return
	}
	transport := acp.NewWebSocketTransport(conn)
	defer transport.Close()

	ctx, cancel := context.WithCancel(s.connCtx)
	defer cancel()
	// Unblock ReadMessage when the server shuts down.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger.Info("acp websocket connected from %s", c.Request.RemoteAddr)
	if err := s.deps.ACP.Serve(ctx, transport); err != nil {
		s.logger.Warn("acp websocket %s: %v", c.Request.RemoteAddr, err)
	}
	s.logger.Info("acp websocket from %s closed", c.Request.RemoteAddr)
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := observability.StartSpan(c.Request.Context(), s.deps.Tracer, "http "+route,
			attribute.String("http.route", route),
			attribute.String("http.method", c.Request.Method),
		)
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
		if route != "/metrics" {
			s.logger.Debug("route=%s method=%s status=%d latency_ms=%.2f",
				route, c.Request.Method, status, float64(time.Since(start).Microseconds())/1000.0)
		}
	}
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || containsWildcard(allowed) {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
