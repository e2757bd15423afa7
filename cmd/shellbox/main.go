// Shellbox runs shell commands for LLM conversations in pooled, isolated sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shellbox",
	Short: "Shellbox runs shell commands for LLM conversations in pooled sandboxes.",
	Long: `Shellbox leases one sandbox per conversation from a remote object pool,
runs commands in it with bounded time budgets, persists every execution
record, and streams output to clients over SSE or WebSocket.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
