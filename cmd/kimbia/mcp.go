package main

import (
	"github.com/spf13/cobra"

	"github.com/jkaninda/kimbia/internal/config"
	"github.com/jkaninda/kimbia/internal/mcpserver"
)

var (
	mcpConfigPath string
	mcpNoRecord   bool
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the engine as an MCP server on stdio",
	Long: `Expose command execution to AI agents via the Model Context Protocol.
The server speaks MCP over stdin/stdout and offers a run_command tool that
executes through the same supervised engine as the CLI, plus list_runs for
querying the run history.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	mcpCmd.Flags().BoolVar(&mcpNoRecord, "no-record", false, "do not record runs in the history")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// stdout carries the MCP protocol, so logs must stay on stderr.
	logger := newLogger(false)

	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger, "mcp", !mcpNoRecord)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	srv := mcpserver.New(sc.Executor, sc.Store, cfg.Engine, logger)
	return srv.ServeStdio()
}
