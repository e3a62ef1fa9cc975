package main

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ollamaacp/internal/acp"
	"ollamaacp/internal/config"
	"ollamaacp/internal/logging"
	"ollamaacp/internal/server"
)

func newServeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve ACP over websocket (and optionally raw TCP) with /healthz and /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return c.runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address (default from serve.addr)")
	cmd.Flags().String("tcp-addr", "", "raw TCP ACP listen address, disabled when empty")
	_ = c.v.BindPFlag("serve.addr", cmd.Flags().Lookup("addr"))
	_ = c.v.BindPFlag("serve.tcp_addr", cmd.Flags().Lookup("tcp-addr"))
	return cmd
}

func (c *cli) runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewComponentLogger("serve")

	rt, err := newRuntime(ctx, cfg, Version)
	if err != nil {
		return err
	}
	defer rt.close()

	if path := c.v.ConfigFileUsed(); path != "" {
		c.watchConfig(ctx, path)
	}

	// The server stays up when Ollama is down; /healthz reports it.
	if err := rt.verify(ctx, c.retry); err != nil {
		logger.Warn("%v", err)
	}

	acpServer := acp.NewServer(rt.agent, acp.ServerConfig{
		Logger: logging.NewComponentLogger("acp"),
		Tracer: rt.tracer(),
	})
	httpServer := server.New(server.Config{
		Addr:           cfg.Serve.Addr,
		AllowedOrigins: cfg.Serve.CORS,
		RateLimit: server.RateLimitConfig{
			PerMinute: cfg.Serve.RateLimit.PerMinute,
			Burst:     cfg.Serve.RateLimit.Burst,
		},
		Debug:          c.debug,
	}, server.Deps{
		ACP:     acpServer,
		Metrics: rt.obs.Metrics,
		Tracer:  rt.tracer(),
		Logger:  logging.NewComponentLogger("http"),
		Health: func(ctx context.Context) error {
			_, err := rt.client.ListModels(ctx)
			return err
		},
	})
	defer httpServer.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Run(gctx)
	})
	if cfg.Serve.TCPAddr != "" {
		ln, err := net.Listen("tcp", cfg.Serve.TCPAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Serve.TCPAddr, err)
		}
		logger.Info("serving ACP over tcp://%s", ln.Addr())
		g.Go(func() error {
			return acpServer.ServeListener(gctx, ln)
		})
	}
	return g.Wait()
}

// watchConfig applies log settings from the config file without a restart.
func (c *cli) watchConfig(ctx context.Context, path string) {
	logger := logging.NewComponentLogger("config")
	w, err := config.NewWatcher(path, func() (config.Config, error) {
		return config.Load(config.New(), path)
	}, func(cfg config.Config) {
		if c.debug {
			cfg.Log.Level = "debug"
		}
		logging.Configure(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: c.stderr})
	}, config.WithWatchLogger(logger))
	if err == nil {
		err = w.Start(ctx)
	}
	if err != nil {
		logger.Warn("config watch disabled: %v", err)
	}
}
