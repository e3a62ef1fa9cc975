package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ollamaacp/internal/config"
	"ollamaacp/internal/llm"
	"ollamaacp/internal/logging"
)

const listTimeout = 10 * time.Second

func newModelsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models installed on the Ollama server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return c.runModels(cmd.Context(), cfg)
		},
	}
}

// runModels prints the model table. It exits 1 when Ollama is unreachable
// or has no models.
func (c *cli) runModels(ctx context.Context, cfg config.Config) error {
	client := llm.NewOllamaClient(llm.Config{
		BaseURL: cfg.Host,
		Logger:  logging.NewComponentLogger("ollama"),
	})
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	models, err := client.ListModels(ctx)
	if err != nil {
		logging.NewComponentLogger("cli").Error("list models: %v", err)
		fmt.Fprintf(c.stdout, "\n%s Could not connect to Ollama at %s\n", red("Error:"), cfg.Host)
		fmt.Fprintln(c.stdout, "Make sure Ollama is running: ollama serve")
		return &ExitCodeError{Code: 1}
	}
	if len(models) == 0 {
		fmt.Fprintln(c.stdout, yellow("No models found. Please pull a model first:"))
		fmt.Fprintf(c.stdout, "  ollama pull %s\n", config.DefaultModel)
		return &ExitCodeError{Code: 1}
	}
	printModels(c.stdout, cfg.Host, cfg.Model, models)
	return nil
}

func printModels(w io.Writer, host, current string, models []llm.ModelInfo) {
	rule := strings.Repeat("-", 70)
	fmt.Fprintf(w, "\nAvailable models on %s:\n", bold(host))
	fmt.Fprintln(w, gray(rule))
	for _, m := range models {
		modified := "unknown"
		if !m.ModifiedAt.IsZero() {
			modified = m.ModifiedAt.Local().Format("2006-01-02 15:04")
		}
		marker := "  "
		name := fmt.Sprintf("%-35s", m.Name)
		if llm.HasModel([]llm.ModelInfo{m}, current) {
			marker = green("* ")
			name = green(name)
		}
		fmt.Fprintf(w, "%s%s %7.2f GB    %s\n", marker, name, m.SizeGB(), gray(modified))
	}
	fmt.Fprintln(w, gray(rule))
	fmt.Fprintf(w, "Total: %d models\n\n", len(models))
}
