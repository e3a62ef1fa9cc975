package main

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ollamaacp/internal/agent"
	"ollamaacp/internal/config"
	agenterrors "ollamaacp/internal/errors"
	"ollamaacp/internal/llm"
	"ollamaacp/internal/logging"
	"ollamaacp/internal/observability"
)

// runtime is the object graph shared by the stdio and serve commands.
type runtime struct {
	cfg    config.Config
	obs    *observability.Observability
	client *llm.OllamaClient
	agent  *agent.Agent
	logger logging.Logger
}

func newRuntime(ctx context.Context, cfg config.Config, version string) (*runtime, error) {
	logger := logging.NewComponentLogger("runtime")

	obsConfig := cfg.Observability()
	if obsConfig.Tracing.ServiceVersion == "" {
		obsConfig.Tracing.ServiceVersion = version
	}
	obs, err := observability.New(ctx, obsConfig)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	client := llm.NewOllamaClient(llm.Config{
		BaseURL: cfg.Host,
		Logger:  logging.NewComponentLogger("ollama"),
	})
	a, err := agent.New(client, agent.Config{
		Model:                cfg.Model,
		Version:              version,
		MaxSessions:          cfg.Sessions.MaxSessions,
		KeepCancelledPrompts: cfg.Sessions.KeepCancelledPrompts,
		Logger:               logging.NewComponentLogger("agent"),
		Metrics:              obs.Metrics,
		Tracer:               obs.Tracing.Tracer(),
	})
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}
	return &runtime{cfg: cfg, obs: obs, client: client, agent: a, logger: logger}, nil
}

func (r *runtime) tracer() trace.Tracer {
	return r.obs.Tracing.Tracer()
}

// verify checks that Ollama answers, retrying transient failures. A missing
// model only produces a warning.
func (r *runtime) verify(ctx context.Context, retry agenterrors.RetryConfig) error {
	status, err := agenterrors.RetryWithResult(ctx, retry, r.agent.VerifyConnection, r.logger)
	if err != nil {
		r.logger.Error("ollama connection check failed: %v", err)
		return fmt.Errorf("cannot reach Ollama at %s: %s", r.client.BaseURL(), agenterrors.FormatForUser(err))
	}
	r.logger.Info("connected to Ollama at %s (%d models, model %s present=%t)",
		r.client.BaseURL(), len(status.Models), r.cfg.Model, status.ModelFound)
	return nil
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.obs.Shutdown(ctx); err != nil {
		r.logger.Warn("observability shutdown: %v", err)
	}
}
