package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ollamaacp/internal/config"
)

func newConfigCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			out, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			if used := c.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(c.stdout, "# loaded from %s\n", used)
			}
			_, err = c.stdout.Write(out)
			return err
		},
	}
}
