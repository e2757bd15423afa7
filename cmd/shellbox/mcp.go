package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/shellbox/internal/config"
	"github.com/jkaninda/shellbox/internal/mcpserver"
)

const mcpShutdownTimeout = 30 * time.Second

var (
	mcpConfigPath string
	mcpSession    string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve sandbox command tools over MCP (stdio)",
	Long: `Serve run_command, start_command, get_execution and release_sandbox as
MCP tools on stdin/stdout. Logs go to stderr.

Without --config the server is configured from the environment only
(SHELLBOX_POOL_URL, SHELLBOX_SANDBOX_BACKEND, SHELLBOX_STORAGE_DRIVER, ...).`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", "", "path to config file (default: environment only)")
	mcpCmd.Flags().StringVarP(&mcpSession, "session", "s", "", "default session id for tool calls (or SHELLBOX_SESSION_ID env)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	configPath := goutils.Env("SHELLBOX_CONFIG", mcpConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, sharedOptions{envPool: configPath == ""})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	srv := mcpserver.New(mcpserver.Config{
		Name:           "shellbox",
		Version:        version,
		SessionID:      goutils.Env("SHELLBOX_SESSION_ID", mcpSession),
		DefaultTimeout: cfg.Execution.DefaultTimeout(),
	}, sc.Runner, sc.Store.Executions(), logger)

	runGateway(ctx, "mcp", srv, sc, mcpShutdownTimeout)
	return nil
}
