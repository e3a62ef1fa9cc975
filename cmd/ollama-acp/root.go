package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"ollamaacp/internal/acp"
	"ollamaacp/internal/config"
	agenterrors "ollamaacp/internal/errors"
	"ollamaacp/internal/logging"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

// startupRetry governs the Ollama connection check before serving.
var startupRetry = agenterrors.DefaultRetryConfig()

// cli holds flag state shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configPath string
	debug      bool
	listModels bool
	retry      agenterrors.RetryConfig

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{
		v:      config.New(),
		retry:  startupRetry,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rootCmd := &cobra.Command{
		Use:     "ollama-acp",
		Short:   "Agent Client Protocol adapter for Ollama",
		Version: Version,
		Long: fmt.Sprintf(`%s

Speaks the Agent Client Protocol on stdin/stdout and answers prompts with a
local Ollama model. Editors launch it as an external agent.

%s
  ollama-acp --model llama3.2
  ollama-acp --model gemma3:1b --host http://192.168.1.100:11434
  ollama-acp --list-models
  ollama-acp serve --addr 127.0.0.1:8765

%s
  OLLAMA_MODEL    default model name (default: %s)
  OLLAMA_HOST     Ollama server URL (default: %s)
  OLLAMA_ACP_*    any config key, e.g. OLLAMA_ACP_LOG_FORMAT=json`,
			bold("ollama-acp "+Version),
			bold("EXAMPLES:"),
			bold("ENVIRONMENT:"),
			config.DefaultModel, config.DefaultHost),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if c.listModels {
				return c.runModels(cmd.Context(), cfg)
			}
			return c.runStdio(cmd.Context(), cfg)
		},
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringP("model", "m", config.DefaultModel, "Ollama model to use")
	flags.String("host", config.DefaultHost, "Ollama server URL")
	flags.StringVar(&c.configPath, "config", "", "config file (default ~/.config/ollama-acp/ollama-acp.yaml)")
	flags.BoolVarP(&c.debug, "debug", "d", false, "enable debug logging")
	rootCmd.Flags().BoolVarP(&c.listModels, "list-models", "l", false, "list available models and exit")

	_ = c.v.BindPFlag("model", flags.Lookup("model"))
	_ = c.v.BindPFlag("host", flags.Lookup("host"))

	rootCmd.AddCommand(newModelsCommand(c))
	rootCmd.AddCommand(newServeCommand(c))
	rootCmd.AddCommand(newConfigCommand(c))
	return rootCmd
}

// loadConfig resolves the effective configuration and points the log
// backend at stderr.
func (c *cli) loadConfig() (config.Config, error) {
	cfg, err := config.Load(c.v, c.configPath)
	if err != nil {
		return config.Config{}, &ExitCodeError{Code: 2, Err: err}
	}
	if c.debug {
		cfg.Log.Level = "debug"
	}
	logging.Configure(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: c.stderr,
	})
	return cfg, nil
}

func (c *cli) runStdio(ctx context.Context, cfg config.Config) error {
	logger := logging.NewComponentLogger("cli")
	if f, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		logger.Warn("stdin is a terminal; ollama-acp expects an ACP client (such as an editor) on stdin/stdout")
	}

	rt, err := newRuntime(ctx, cfg, Version)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.verify(ctx, c.retry); err != nil {
		return &ExitCodeError{Code: 1, Err: err}
	}

	server := acp.NewServer(rt.agent, acp.ServerConfig{
		Logger: logging.NewComponentLogger("acp"),
		Tracer: rt.tracer(),
	})
	logger.Info("ollama-acp %s serving ACP on stdio (model=%s host=%s)", Version, cfg.Model, rt.client.BaseURL())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, acp.NewRPCConn(c.stdin, c.stdout))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// stdin reads cannot be interrupted; leave the reader to process exit.
		logger.Info("interrupted, shutting down")
		return nil
	}
}
