package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBorrowWait   = 30 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 30
	defaultHTTPTimeout  = 30 * time.Second

	// maxErrorBody caps how much of an error response is kept in StatusError.
	maxErrorBody = 4 << 10
)

// Config configures the pool client.
type Config struct {
	BaseURL      string         // Pool service root, e.g. "http://pool:8000".
	HTTPClient   *http.Client   // nil = a client without global timeout (deadlines come from ctx).
	Timeout      time.Duration  // Per-request timeout for non-blocking calls. Default: 30s.
	BorrowWait   time.Duration  // Default blocking wait for Borrow. Default: 30s.
	PollInterval time.Duration  // WaitForOperation poll interval. Default: 2s.
	MaxAttempts  int            // WaitForOperation attempts. Default: 30.
	Params       map[string]any // Extra params merged into every borrow/return request.
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultHTTPTimeout
}

func (c Config) borrowWait() time.Duration {
	if c.BorrowWait > 0 {
		return c.BorrowWait
	}
	return defaultBorrowWait
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return defaultPollInterval
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return defaultMaxAttempts
}

// OperationBudget is the default WaitForOperation budget (interval × attempts).
func (c Config) OperationBudget() time.Duration {
	return c.pollInterval() * time.Duration(c.maxAttempts())
}

// Client talks to the remote object-pool service.
type Client struct {
	config Config
	base   string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a pool client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("pool base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parsing pool base URL: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{config: cfg, base: base, http: hc, logger: logger}, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.config }

// waitSeconds rounds up so a sub-second wait never becomes a non-blocking borrow.
func waitSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

// Borrow leases an item, blocking on the pool side for at most wait (zero =
// configured default). sessionHint, when non-empty, is forwarded to the pool.
func (c *Client) Borrow(ctx context.Context, sessionHint string, wait time.Duration) (*Lease, error) {
	if wait <= 0 {
		wait = c.config.borrowWait()
	}

	q := url.Values{}
	q.Set("wait", strconv.Itoa(waitSeconds(wait)))
	params := c.params(sessionHint)
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding borrow params: %w", err)
		}
		q.Set("params", string(raw))
	}

	// The pool holds the request open for up to wait; leave headroom for the response.
	ctx, cancel := context.WithTimeout(ctx, wait+c.config.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/borrow?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building borrow request: %w", err)
	}

	var body borrowResponse
	status, errBody, err := c.do(req, &body)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusServiceUnavailable:
		return nil, &StatusError{Op: "borrow", StatusCode: status, Body: errBody, Err: ErrPoolExhausted}
	case status < 200 || status > 299:
		return nil, &StatusError{Op: "borrow", StatusCode: status, Body: errBody, Err: ErrPoolUnreachable}
	}
	if err := body.validate(); err != nil {
		return nil, fmt.Errorf("pool borrow: %w", err)
	}

	c.logger.Info("pool item borrowed",
		slog.String("item_id", body.Item.ID),
		slog.String("session_id", sessionHint),
	)
	return &Lease{Item: *body.Item, Token: body.BorrowToken}, nil
}

// Return hands an item back to the pool. The return is asynchronous on the pool
// side; the returned reference can be waited on with WaitForOperation.
func (c *Client) Return(ctx context.Context, item Item, token, sessionHint string) (*OperationRef, error) {
	payload, err := json.Marshal(returnRequest{
		Item:        item,
		BorrowToken: token,
		Params:      c.params(sessionHint),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding return request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/return", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building return request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var body returnResponse
	status, errBody, err := c.do(req, &body)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusForbidden:
		return nil, &StatusError{Op: "return", StatusCode: status, Body: errBody, Err: ErrInvalidLease}
	case status < 200 || status > 299:
		return nil, &StatusError{Op: "return", StatusCode: status, Body: errBody, Err: ErrPoolUnreachable}
	}
	if err := body.validate(); err != nil {
		return nil, fmt.Errorf("pool return: %w", err)
	}

	c.logger.Info("pool item returned",
		slog.String("item_id", item.ID),
		slog.String("operation_id", body.OperationID),
	)
	return &OperationRef{ID: body.OperationID}, nil
}

// GetOperationStatus fetches the current status of an asynchronous operation.
func (c *Client) GetOperationStatus(ctx context.Context, operationID string) (OperationStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/operations/"+url.PathEscape(operationID), nil)
	if err != nil {
		return "", fmt.Errorf("building operation request: %w", err)
	}

	var body operationResponse
	status, errBody, err := c.do(req, &body)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", &StatusError{Op: "operation", StatusCode: status, Body: errBody, Err: ErrPoolUnreachable}
	}
	if err := body.validate(); err != nil {
		return "", fmt.Errorf("pool operation: %w", err)
	}
	return body.Status, nil
}

// WaitForOperation polls GetOperationStatus at the configured interval until a
// terminal status is reached. timeout <= 0 uses the configured budget
// (interval × max attempts). Returns ErrOperationTimeout when the budget runs out.
func (c *Client) WaitForOperation(ctx context.Context, operationID string, timeout time.Duration) (OperationStatus, error) {
	if timeout <= 0 {
		timeout = c.config.OperationBudget()
	}
	interval := c.config.pollInterval()
	maxAttempts := c.config.maxAttempts()
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		status, err := c.GetOperationStatus(ctx, operationID)
		if err != nil {
			return "", err
		}
		if status.Terminal() {
			return status, nil
		}
		if attempt >= maxAttempts || !time.Now().Add(interval).Before(deadline) {
			return status, fmt.Errorf("%w: operation %s still %s after %d attempts", ErrOperationTimeout, operationID, status, attempt)
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReturnAndWait returns the item and waits for the pool to confirm the
// resulting operation. A "failed" operation yields ErrOperationFailed.
func (c *Client) ReturnAndWait(ctx context.Context, item Item, token, sessionHint string) (OperationStatus, error) {
	ref, err := c.Return(ctx, item, token, sessionHint)
	if err != nil {
		return "", err
	}
	status, err := c.WaitForOperation(ctx, ref.ID, 0)
	if err != nil {
		return status, err
	}
	if status == StatusFailed {
		return status, fmt.Errorf("%w: operation %s", ErrOperationFailed, ref.ID)
	}
	return status, nil
}

// Ping checks that the pool service answers HTTP at all.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/operations/_health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPoolUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return &StatusError{Op: "ping", StatusCode: resp.StatusCode, Err: ErrPoolUnreachable}
	}
	return nil
}

// do executes req and decodes a 2xx JSON body into out. Non-2xx bodies are
// not decoded; their status and (truncated) body are returned for the caller
// to classify.
func (c *Client) do(req *http.Request, out any) (int, string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, "", err
		}
		return 0, "", fmt.Errorf("%w: %s %s: %v", ErrPoolUnreachable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		body := strings.TrimSpace(string(raw))
		c.logger.Warn("pool request failed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", body),
		)
		return resp.StatusCode, body, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, "", fmt.Errorf("%w: decoding %s: %v", ErrInvalidResponse, req.URL.Path, err)
	}
	return resp.StatusCode, "", nil
}

// params merges the configured params with the session hint.
func (c *Client) params(sessionHint string) map[string]any {
	if len(c.config.Params) == 0 && sessionHint == "" {
		return nil
	}
	p := make(map[string]any, len(c.config.Params)+1)
	for k, v := range c.config.Params {
		p[k] = v
	}
	if sessionHint != "" {
		p["session_id"] = sessionHint
	}
	return p
}
