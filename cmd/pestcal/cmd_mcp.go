package main

import (
	"fmt"

	"github.com/leixiaohui-1974/pestcal/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve calibration tools over MCP (stdio)",
		Long: `Start a Model Context Protocol server on stdin/stdout.

Tools: pestcal_calibrate, pestcal_runs, pestcal_show, pestcal_export.
Resources: pestcal://runs/{id}

Problem files must live under --root. Tool calls are rate limited and
recorded in <root>/.pestcal/audit.jsonl. Logs go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			server, err := mcp.NewServer(&mcp.Config{
				Name:     "pestcal",
				Version:  version,
				Root:     root,
				Settings: settings,
				Logger:   newLogger(cmd, settings),
			})
			if err != nil {
				return fmt.Errorf("failed to start MCP server: %w", err)
			}
			return server.Run(cmd.Context())
		},
	}

	cmd.Flags().String("log-level", "info", "Log level: warn, info, debug, trace")
	return cmd
}
