// Package agent is the ACP-facing facade over the session registry and the
// Ollama backend.
package agent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"ollamaacp/internal/content"
	"ollamaacp/internal/llm"
	"ollamaacp/internal/logging"
	"ollamaacp/internal/observability"
	"ollamaacp/internal/session"
)

// ProtocolVersion is the ACP protocol version this agent speaks.
const ProtocolVersion = 1

const (
	agentName  = "ollama-agent"
	agentTitle = "Ollama Agent"
)

// Implementation identifies a protocol peer.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// PromptCapabilities lists the content kinds accepted in prompts.
type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// Capabilities is advertised during initialize.
type Capabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

// InitializeResult is the handshake reply.
type InitializeResult struct {
	ProtocolVersion   int            `json:"protocolVersion"`
	AgentCapabilities Capabilities   `json:"agentCapabilities"`
	AgentInfo         Implementation `json:"agentInfo"`
	AuthMethods       []any          `json:"authMethods"`
}

// Config configures an Agent.
type Config struct {
	Model                string
	Version              string
	MaxSessions          int
	KeepCancelledPrompts bool
	Logger               logging.Logger
	Metrics              *observability.Metrics
	Tracer               trace.Tracer
}

// Agent implements the ACP agent operations.
type Agent struct {
	client   llm.Client
	model    string
	version  string
	sessions *session.Registry
	logger   logging.Logger
}

func New(client llm.Client, config Config) (*Agent, error) {
	logger := config.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("agent")
	}
	driver := session.NewDriver(client, session.DriverConfig{
		Model:   config.Model,
		Logger:  logger,
		Metrics: config.Metrics,
		Tracer:  config.Tracer,
	})
	registry, err := session.NewRegistry(driver, session.RegistryConfig{
		MaxSessions: config.MaxSessions,
		Executor: session.Options{
			KeepCancelledPrompts: config.KeepCancelledPrompts,
			Logger:               logger,
			Metrics:              config.Metrics,
			Tracer:               config.Tracer,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create session registry: %w", err)
	}
	version := config.Version
	if version == "" {
		version = "dev"
	}
	return &Agent{
		client:   client,
		model:    config.Model,
		version:  version,
		sessions: registry,
		logger:   logger,
	}, nil
}

// Model returns the configured model name.
func (a *Agent) Model() string {
	return a.model
}

// Sessions exposes the registry.
func (a *Agent) Sessions() *session.Registry {
	return a.sessions
}

// Initialize answers the handshake. The client's version is only logged;
// the agent always replies with the version it implements.
func (a *Agent) Initialize(protocolVersion int) InitializeResult {
	if protocolVersion != ProtocolVersion {
		a.logger.Debug("client requested protocol %d, replying with %d", protocolVersion, ProtocolVersion)
	}
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		AgentCapabilities: Capabilities{
			LoadSession:        false,
			PromptCapabilities: PromptCapabilities{Image: true},
		},
		AgentInfo: Implementation{
			Name:    agentName,
			Title:   agentTitle,
			Version: a.version,
		},
		AuthMethods: []any{},
	}
}

// Authenticate accepts every method.
func (a *Agent) Authenticate(methodID string) error {
	a.logger.Debug("authenticate method=%q (no-op)", methodID)
	return nil
}

// NewSession registers a session and returns its id. MCP server
// configurations are accepted and ignored.
func (a *Agent) NewSession(cwd string, mcpServers []any) string {
	exec := a.sessions.Create()
	if len(mcpServers) > 0 {
		a.logger.Info("session %s: ignoring %d MCP server config(s)", exec.ID(), len(mcpServers))
	}
	a.logger.Info("created session %s cwd=%s", exec.ID(), cwd)
	return exec.ID()
}

// BeginPrompt claims sessionID for a new turn, creating the session when it
// is unknown, and cancels the turn in flight. The caller must Run the turn.
func (a *Agent) BeginPrompt(ctx context.Context, sessionID string) *session.Turn {
	return a.sessions.GetOrCreate(sessionID).Begin(ctx)
}

// Prompt runs one turn in sessionID, creating the session when it is unknown.
func (a *Agent) Prompt(ctx context.Context, sessionID string, blocks []content.Block, sink session.UpdateSink) (session.StopReason, error) {
	return a.BeginPrompt(ctx, sessionID).Run(blocks, sink)
}

// Cancel stops the live run of sessionID. Unknown sessions are ignored.
func (a *Agent) Cancel(sessionID string) {
	exec, ok := a.sessions.Get(sessionID)
	if !ok {
		a.logger.Debug("cancel for unknown session %s", sessionID)
		return
	}
	exec.Cancel()
}

// ExtMethod acknowledges every extension request.
func (a *Agent) ExtMethod(method string, params map[string]any) map[string]any {
	a.logger.Debug("ext method %s (%d params)", method, len(params))
	return map[string]any{"status": "ok"}
}

// ExtNotification ignores extension notifications.
func (a *Agent) ExtNotification(method string, params map[string]any) {
	a.logger.Debug("ext notification %s (%d params)", method, len(params))
}

// ListModels returns the models available on the backend.
func (a *Agent) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return a.client.ListModels(ctx)
}

// ConnectionStatus is the result of VerifyConnection.
type ConnectionStatus struct {
	Models     []llm.ModelInfo
	ModelFound bool
}

// VerifyConnection checks that the backend answers and reports whether the
// configured model is installed. A missing model is a warning, not an error.
func (a *Agent) VerifyConnection(ctx context.Context) (ConnectionStatus, error) {
	models, err := a.client.ListModels(ctx)
	if err != nil {
		return ConnectionStatus{}, err
	}
	status := ConnectionStatus{Models: models, ModelFound: llm.HasModel(models, a.model)}
	if !status.ModelFound {
		names := make([]string, 0, len(models))
		for _, m := range models {
			names = append(names, m.Name)
		}
		a.logger.Warn("model %q not found; available: [%s]", a.model, strings.Join(names, ", "))
		a.logger.Warn("pull it with: ollama pull %s", a.model)
	}
	return status, nil
}
