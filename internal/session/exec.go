package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var (
	// ErrExecFailed is returned when the sandbox rejects or fails a command submission.
	ErrExecFailed = errors.New("exec failed")
	// ErrLogsFailed is returned when the sandbox log endpoint answers with an error.
	ErrLogsFailed = errors.New("logs failed")
	// ErrCommandTimeout is returned when a command does not finish within its budget.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrNoSandbox is returned by operations that need an existing lease.
	ErrNoSandbox = errors.New("no sandbox leased")
)

// FromStart is the log cursor that requests output from the beginning.
const FromStart = -1

// ExecResponse is the body answered by POST {execUrl}/exec.
type ExecResponse struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
}

// LogsResponse is the body answered by GET {execUrl}/logs/{commandId}.
type LogsResponse struct {
	Logs     string `json:"logs"`
	Offset   int64  `json:"offset"`
	Done     bool   `json:"done"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

type execRequest struct {
	Command string `json:"command"`
}

// sandboxError reports a non-2xx answer from a sandbox endpoint.
type sandboxError struct {
	op         string
	statusCode int
	body       string
	err        error
}

func (e *sandboxError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("sandbox %s: status %d: %v", e.op, e.statusCode, e.err)
	}
	return fmt.Sprintf("sandbox %s: status %d: %v: %s", e.op, e.statusCode, e.err, e.body)
}

func (e *sandboxError) Unwrap() error { return e.err }

// leaseLost reports whether the sandbox no longer knows the leased item.
func leaseLost(err error) bool {
	var se *sandboxError
	if !errors.As(err, &se) {
		return false
	}
	return se.statusCode == http.StatusNotFound || se.statusCode == http.StatusGone
}

func endpoint(execURL string, elems ...string) string {
	base := strings.TrimRight(execURL, "/")
	for _, e := range elems {
		base += "/" + url.PathEscape(e)
	}
	return base
}

func (m *Manager) postExec(ctx context.Context, sb Sandbox, command string) (*ExecResponse, error) {
	payload, err := json.Marshal(execRequest{Command: command})
	if err != nil {
		return nil, fmt.Errorf("encoding exec request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(sb.Item.ExecURL, "exec"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building exec request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out ExecResponse
	if err := m.doSandbox(req, "exec", ErrExecFailed, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.CommandID) == "" {
		return nil, fmt.Errorf("%w: response missing commandId", ErrExecFailed)
	}
	return &out, nil
}

func (m *Manager) getLogs(ctx context.Context, sb Sandbox, commandID string, offset int64, search string) (*LogsResponse, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	if search != "" {
		q.Set("search", search)
	}

	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(sb.Item.ExecURL, "logs", commandID)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building logs request: %w", err)
	}

	var out LogsResponse
	if err := m.doSandbox(req, "logs", ErrLogsFailed, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Manager) doSandbox(req *http.Request, op string, sentinel error, out any) error {
	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", sentinel, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		body := strings.TrimSpace(string(raw))
		m.logger.Warn("sandbox request failed",
			slog.String("session_id", m.sessionID),
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.String("body", body),
		)
		return &sandboxError{op: op, statusCode: resp.StatusCode, body: body, err: sentinel}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", sentinel, op, err)
	}
	return nil
}
