// Kimbia — a supervised command runner with capture, relay, and timeouts.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kimbia",
	Short: "Kimbia — run commands under supervision with output capture and timeouts.",
	Long: `Kimbia executes child processes under a polling supervisor that enforces
wall-clock and no-output timeouts, fans each output stream out to capture
and relay destinations, and records every run's outcome. The same engine
backs the CLI, an HTTP API with live WebSocket streaming, a cron
scheduler, and an MCP server for AI agents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, serveCmd, mcpCmd, historyCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
