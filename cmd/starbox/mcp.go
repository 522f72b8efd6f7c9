package main

import (
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/starbox/internal/tools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the starlark_run tool over MCP stdio",
	Long: `Run a Model Context Protocol server on stdin/stdout exposing the
starlark_run tool (and starlark_history when history is enabled).

Scripts see only the directories listed under "mounts" in the config file.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	grants, err := cfg.Grants()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	// stdin and stdout carry the protocol; guests never inherit them here.
	exec, store, closeStore, err := newExecutor(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	s := tools.NewServer(exec, store, grants, version)
	if err := server.ServeStdio(s); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
