// Package mcpserver exposes sandboxed command execution as MCP tools over
// stdio, so an LLM agent can run commands in its conversation's sandbox.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/gateway"
	"github.com/jkaninda/shellbox/internal/pool"
	"github.com/jkaninda/shellbox/internal/sandbox"
)

// maxResultLen bounds the text returned to the model.
const maxResultLen = 4000

// Config configures the MCP server.
type Config struct {
	Name           string        // Server name. Default: "shellbox".
	Version        string        // Server version.
	SessionID      string        // Session used when a call names none.
	DefaultTimeout time.Duration // Command budget when a call sets none.
}

// Server serves the shellbox tools.
type Server struct {
	config  Config
	runner  *execution.Runner
	records execution.Store
	logger  *slog.Logger
	mcp     *server.MCPServer
}

// New creates a Server with all tools registered.
func New(cfg Config, runner *execution.Runner, records execution.Store, logger *slog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "shellbox"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		config:  cfg,
		runner:  runner,
		records: records,
		logger:  logger,
		mcp:     server.NewMCPServer(cfg.Name, cfg.Version),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Start serves on stdin/stdout until the input closes.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "mcp server starting", slog.String("default_session", s.config.SessionID))
	return server.ServeStdio(s.mcp)
}

// Stop waits for executions started with start_command to finish.
func (s *Server) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runner.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ gateway.Gateway = (*Server)(nil)

func (s *Server) registerTools() {
	sessionProp := map[string]any{
		"type":        "string",
		"description": "Conversation id owning the sandbox (optional, defaults to the server's session)",
	}

	s.mcp.AddTool(mcp.Tool{
		Name:        "run_command",
		Description: "Run a shell command in the conversation's sandbox and wait for it to finish. Returns the exit code, stdout and stderr.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Time budget in milliseconds, between 1000 and 600000 (optional, default 300000)",
				},
				"session_id": sessionProp,
			},
			Required: []string{"command"},
		},
	}, s.handleRunCommand)

	s.mcp.AddTool(mcp.Tool{
		Name:        "start_command",
		Description: "Start a long-running shell command in the sandbox without waiting. Returns an execution id to poll with get_execution.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Time budget in milliseconds (optional)",
				},
				"session_id": sessionProp,
			},
			Required: []string{"command"},
		},
	}, s.handleStartCommand)

	s.mcp.AddTool(mcp.Tool{
		Name:        "get_execution",
		Description: "Get the output captured so far and the status of an execution started with start_command.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"execution_id": map[string]any{
					"type":        "string",
					"description": "Execution id returned by start_command",
				},
			},
			Required: []string{"execution_id"},
		},
	}, s.handleGetExecution)

	s.mcp.AddTool(mcp.Tool{
		Name:        "release_sandbox",
		Description: "Return the conversation's sandbox. The next command starts in a fresh sandbox.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionProp,
			},
		},
	}, s.handleReleaseSandbox)
}

func (s *Server) handleRunCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, errResult := s.commandRequest(request)
	if errResult != nil {
		return errResult, nil
	}
	if err := sandbox.Prepare(ctx, s.runner.Backend(), req.SessionID); err != nil {
		return s.failure(req.SessionID, err), nil
	}

	rec, err := s.runner.Run(ctx, req)
	if err != nil {
		return s.failure(req.SessionID, err), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: formatRecord(rec)}},
		IsError: !rec.Succeeded(),
	}, nil
}

func (s *Server) handleStartCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, errResult := s.commandRequest(request)
	if errResult != nil {
		return errResult, nil
	}
	if err := sandbox.Prepare(ctx, s.runner.Backend(), req.SessionID); err != nil {
		return s.failure(req.SessionID, err), nil
	}

	rec, err := s.runner.Start(ctx, req)
	if err != nil {
		return s.failure(req.SessionID, err), nil
	}
	return textResult(fmt.Sprintf("started execution %s", rec.ID)), nil
}

func (s *Server) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	id, _ := args["execution_id"].(string)
	if strings.TrimSpace(id) == "" {
		return errorResult("'execution_id' argument must be a non-empty string"), nil
	}

	rec, err := s.records.GetExecution(ctx, id)
	if errors.Is(err, execution.ErrNotFound) {
		return errorResult("execution not found"), nil
	}
	if err != nil {
		return s.failure("", err), nil
	}
	return textResult(formatRecord(rec)), nil
}

func (s *Server) handleReleaseSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	sessionID := s.sessionID(args)
	if sessionID == "" {
		return errorResult("'session_id' is required"), nil
	}
	if err := sandbox.Release(ctx, s.runner.Backend(), sessionID); err != nil {
		return s.failure(sessionID, err), nil
	}
	return textResult("sandbox released"), nil
}

// commandRequest validates run/start arguments.
func (s *Server) commandRequest(request mcp.CallToolRequest) (execution.Request, *mcp.CallToolResult) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return execution.Request{}, errorResult("invalid arguments")
	}
	command, ok := args["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return execution.Request{}, errorResult("'command' argument must be a non-empty string")
	}
	sessionID := s.sessionID(args)
	if sessionID == "" {
		return execution.Request{}, errorResult("'session_id' is required")
	}

	timeout := s.config.DefaultTimeout
	if ms, ok := args["timeout_ms"].(float64); ok && ms > 0 {
		timeout = execution.ClampTimeout(int64(ms))
	}
	return execution.Request{SessionID: sessionID, Command: command, Timeout: timeout}, nil
}

func (s *Server) sessionID(args map[string]any) string {
	if id, ok := args["session_id"].(string); ok && strings.TrimSpace(id) != "" {
		return id
	}
	return s.config.SessionID
}

func (s *Server) failure(sessionID string, err error) *mcp.CallToolResult {
	if errors.Is(err, pool.ErrPoolExhausted) {
		return errorResult(pool.ExhaustedMessage)
	}
	s.logger.Error("mcp tool call failed",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
	return errorResult(err.Error())
}

// formatRecord renders a record for the model.
func formatRecord(rec *execution.Record) string {
	var b strings.Builder
	switch {
	case !rec.Done:
		b.WriteString("status: running\n")
	case rec.Error != nil:
		fmt.Fprintf(&b, "error: %s\n", *rec.Error)
	case rec.ExitCode != nil:
		fmt.Fprintf(&b, "exit code: %d\n", *rec.ExitCode)
	}
	if rec.Stdout != "" {
		b.WriteString("--- stdout ---\n")
		b.WriteString(rec.Stdout)
		if !strings.HasSuffix(rec.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if rec.Stderr != "" {
		b.WriteString("--- stderr ---\n")
		b.WriteString(rec.Stderr)
	}
	return truncate(strings.TrimRight(b.String(), "\n"))
}

func truncate(s string) string {
	if len(s) <= maxResultLen {
		return s
	}
	cut := maxResultLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (output truncated)"
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "error: " + msg}},
		IsError: true,
	}
}
