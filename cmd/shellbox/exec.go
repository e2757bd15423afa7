package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the exec command when the command itself did not exit.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	execSession    string
	execCommand    string
	execGatewayURL string
	execAPIKey     string
	execTimeoutMS  int64
	execWait       bool
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run a command in a session's sandbox through the gateway",
	Long: `Submit a command to the shellbox gateway and follow its output.
stdout and stderr are streamed over SSE as they arrive and the process
exits with the command's exit code.

Examples:
  shellbox exec -s chat-42 -c "uname -a"
  shellbox exec -s chat-42 -c "make test" --timeout-ms 600000
  shellbox exec -s chat-42 -c "ls" --wait

Exit codes when the command did not exit on its own:
  1  execution failed, timed out or the request was invalid
  2  unauthorized or rate limited
  3  gateway or sandbox pool unavailable`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execSession, "session", "s", "", "session (conversation) id (required)")
	execCmd.Flags().StringVarP(&execCommand, "command", "c", "", "shell command to run (required)")
	execCmd.Flags().StringVar(&execGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL (or SHELLBOX_GATEWAY_URL env)")
	execCmd.Flags().StringVar(&execAPIKey, "api-key", "", "API key for gateway authentication (or SHELLBOX_API_KEY env)")
	execCmd.Flags().Int64Var(&execTimeoutMS, "timeout-ms", 0, "command time budget in milliseconds (default: server default)")
	execCmd.Flags().BoolVar(&execWait, "wait", false, "wait for the final record instead of streaming")

	_ = execCmd.MarkFlagRequired("session")
	_ = execCmd.MarkFlagRequired("command")
}

// exitError carries the process exit code up to runExec.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func runExec(_ *cobra.Command, _ []string) error {
	client := &execClient{
		baseURL: strings.TrimRight(goutils.Env("SHELLBOX_GATEWAY_URL", execGatewayURL), "/"),
		apiKey:  goutils.Env("SHELLBOX_API_KEY", execAPIKey),
		http:    http.DefaultClient,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}

	// The server clamps the budget to 600s; leave room for the pool borrow.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	body := execBody{Command: execCommand, TimeoutMS: execTimeoutMS}
	var (
		code int
		err  error
	)
	if execWait {
		code, err = client.runWait(ctx, execSession, body)
	} else {
		code, err = client.runStream(ctx, execSession, body)
	}

	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", ee.msg)
		os.Exit(ee.code)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	os.Exit(code)
	return nil
}

type execBody struct {
	Command   string `json:"command"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// execClient talks to the gateway HTTP API.
type execClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stdout  io.Writer
	stderr  io.Writer
}

// runStream submits the command and follows its SSE stream.
func (c *execClient) runStream(ctx context.Context, sessionID string, body execBody) (int, error) {
	var accepted struct {
		StreamID string `json:"stream_id"`
	}
	if err := c.post(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/exec", body, &accepted); err != nil {
		return ExitFailure, err
	}
	return c.follow(ctx, accepted.StreamID)
}

// runWait submits the command and prints the final record.
func (c *execClient) runWait(ctx context.Context, sessionID string, body execBody) (int, error) {
	var rec struct {
		Stdout   string  `json:"stdout"`
		Stderr   string  `json:"stderr"`
		ExitCode *int    `json:"exitCode"`
		Error    *string `json:"error"`
	}
	if err := c.post(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/exec/wait", body, &rec); err != nil {
		return ExitFailure, err
	}
	fmt.Fprint(c.stdout, rec.Stdout)
	fmt.Fprint(c.stderr, rec.Stderr)
	return exitCodeOf(rec.ExitCode, rec.Error)
}

// follow reads the SSE stream of id until the done event.
func (c *execClient) follow(ctx context.Context, id string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/stream/sse?id="+url.QueryEscape(id), nil)
	if err != nil {
		return ExitFailure, err
	}
	c.authorize(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return ExitUnavailable, &exitError{code: ExitUnavailable, msg: fmt.Sprintf("cannot reach gateway at %s: %v", c.baseURL, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ExitFailure, statusError(resp)
	}

	var (
		exitCode     *int
		execErr      *string
		completed    bool
		streamFailed string
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		var ev struct {
			Type  string          `json:"type"`
			Data  json.RawMessage `json:"data"`
			Error string          `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "initial":
			var rec struct {
				Stdout   string  `json:"stdout"`
				Stderr   string  `json:"stderr"`
				ExitCode *int    `json:"exitCode"`
				Error    *string `json:"error"`
				Done     bool    `json:"done"`
			}
			if err := json.Unmarshal(ev.Data, &rec); err != nil {
				continue
			}
			fmt.Fprint(c.stdout, rec.Stdout)
			fmt.Fprint(c.stderr, rec.Stderr)
			if rec.Done {
				exitCode, execErr, completed = rec.ExitCode, rec.Error, true
			}
		case "stdout", "stderr":
			var chunk string
			if err := json.Unmarshal(ev.Data, &chunk); err != nil {
				continue
			}
			if ev.Type == "stdout" {
				fmt.Fprint(c.stdout, chunk)
			} else {
				fmt.Fprint(c.stderr, chunk)
			}
		case "complete":
			var done struct {
				ExitCode *int    `json:"exitCode"`
				Error    *string `json:"error"`
			}
			if err := json.Unmarshal(ev.Data, &done); err == nil {
				exitCode, execErr, completed = done.ExitCode, done.Error, true
			}
		case "error":
			streamFailed = ev.Error
		case "done":
			if streamFailed != "" {
				return ExitFailure, &exitError{code: ExitFailure, msg: streamFailed}
			}
			if !completed {
				return ExitFailure, &exitError{code: ExitFailure, msg: "stream ended before the command completed"}
			}
			return exitCodeOf(exitCode, execErr)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return ExitFailure, fmt.Errorf("stream interrupted: %w", err)
	}
	if streamFailed != "" {
		return ExitFailure, &exitError{code: ExitFailure, msg: streamFailed}
	}
	return ExitFailure, &exitError{code: ExitFailure, msg: "stream closed without a done event"}
}

func (c *execClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &exitError{code: ExitUnavailable, msg: fmt.Sprintf("cannot reach gateway at %s: %v", c.baseURL, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding gateway response: %w", err)
	}
	return nil
}

func (c *execClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// statusError maps a gateway error response to an exit code.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &exitError{code: ExitDenied, msg: "unauthorized (check API key)"}
	case http.StatusTooManyRequests:
		return &exitError{code: ExitDenied, msg: "rate limited, try again later"}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &exitError{code: ExitUnavailable, msg: fmt.Sprintf("gateway unavailable (%d): %s", resp.StatusCode, msg)}
	default:
		return &exitError{code: ExitFailure, msg: fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, msg)}
	}
}

// exitCodeOf turns a terminal record into the process exit code.
func exitCodeOf(code *int, execErr *string) (int, error) {
	if execErr != nil {
		return ExitFailure, &exitError{code: ExitFailure, msg: *execErr}
	}
	if code == nil {
		return ExitFailure, &exitError{code: ExitFailure, msg: "command finished without an exit code"}
	}
	return *code, nil
}
