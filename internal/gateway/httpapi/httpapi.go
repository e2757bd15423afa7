// Package httpapi implements the HTTP API gateway for shellbox.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-session submission rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/gateway"
	"github.com/jkaninda/shellbox/internal/observability"
	"github.com/jkaninda/shellbox/internal/pool"
	"github.com/jkaninda/shellbox/internal/ratelimit"
	"github.com/jkaninda/shellbox/internal/sandbox"
	"github.com/jkaninda/shellbox/internal/session"
	"github.com/jkaninda/shellbox/internal/stream"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> client name. Empty disables authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	DefaultTimeout time.Duration     // Command budget when a request sets none.
	AllowedOrigins []string          // WebSocket origin patterns.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Sessions resolves conversation sessions. Implemented by *session.Registry.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*session.Manager, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	runner   *execution.Runner
	records  execution.Store
	sessions Sessions // nil when the backend does not lease from the pool.
	bridge   *stream.Bridge
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runner *execution.Runner, records execution.Store, bridge *stream.Bridge, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		runner:  runner,
		records: records,
		bridge:  bridge,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithSessions exposes pool lease state on GET /v1/sessions/{id}.
func (g *Gateway) WithSessions(s Sessions) *Gateway {
	g.sessions = s
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Shellbox",
			Version: "v0.1.0",
		},
	)
	return g
}

// routes registers middleware and every endpoint on the okapi router.
func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, routeLabel, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/sessions/{id}/exec", g.handleExec,
		okapi.DocSummary("Start a command and return its stream id"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Session (conversation) ID"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(http.StatusAccepted, ExecAccepted{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/exec/wait", g.handleExecWait,
		okapi.DocSummary("Run a command and wait for its final record"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Session (conversation) ID"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(execution.Record{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}", g.handleGetSession,
		okapi.DocSummary("Get the sandbox lease held by a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session (conversation) ID"),
		okapi.DocResponse(session.Record{}),
	)
	g.group.Post("/sessions/{id}/release", g.handleRelease,
		okapi.DocSummary("Return the session's sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session (conversation) ID"),
		okapi.DocResponse(session.Record{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Get("/executions/{id}", g.handleGetExecution,
		okapi.DocSummary("Get an execution record"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution (stream) ID"),
		okapi.DocResponse(execution.Record{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Streaming endpoints run through the group's authenticate middleware.
	g.group.HandleStd("GET", "/stream/sse", stream.SSEHandler(g.bridge).ServeHTTP,
		okapi.DocSummary("Stream an execution as server-sent events"),
		okapi.DocTags("Streams"),
		okapi.DocQueryParam("id", "string", "Execution (stream) ID", true),
	)
	g.group.HandleStd("GET", "/stream/ws", stream.WebSocketHandler(g.bridge, g.config.AllowedOrigins).ServeHTTP,
		okapi.DocSummary("Stream an execution over WebSocket"),
		okapi.DocTags("Streams"),
		okapi.DocQueryParam("id", "string", "Execution (stream) ID", true),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
	if len(g.config.APIKeys) == 0 {
		g.logger.Warn("http api authentication disabled: no api key configured")
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	// No WriteTimeout: streams and exec/wait stay open for the command budget.
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecRequest is the JSON body for the exec endpoints.
type ExecRequest struct {
	Command   string            `json:"command"`
	ChatID    string            `json:"chat_id,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"` // Clamped to [1000, 600000].
	Env       map[string]string `json:"env,omitempty"`
}

// ExecAccepted is returned with 202 by POST /v1/sessions/{id}/exec.
type ExecAccepted struct {
	StreamID  string `json:"stream_id"`
	SessionID string `json:"session_id"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	sessionID := c.Param("id")
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	rec, err := g.submit(c.Context(), sessionID, req, false)
	if err != nil {
		return g.writeError(c, sessionID, err)
	}
	return c.JSON(http.StatusAccepted, ExecAccepted{StreamID: rec.ID, SessionID: sessionID})
}

func (g *Gateway) handleExecWait(c *okapi.Context) error {
	sessionID := c.Param("id")
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	rec, err := g.submit(c.Context(), sessionID, req, true)
	if err != nil {
		return g.writeError(c, sessionID, err)
	}
	return c.OK(rec)
}

func (g *Gateway) handleGetSession(c *okapi.Context) error {
	rec, err := g.sessionRecord(c.Context(), c.Param("id"))
	if err != nil {
		return g.writeError(c, c.Param("id"), err)
	}
	return c.OK(rec)
}

func (g *Gateway) handleRelease(c *okapi.Context) error {
	sessionID := c.Param("id")
	if err := sandbox.Release(c.Context(), g.runner.Backend(), sessionID); err != nil {
		return g.writeError(c, sessionID, err)
	}
	g.logger.Info("session released", slog.String("session_id", sessionID))

	rec, err := g.sessionRecord(c.Context(), sessionID)
	if err != nil {
		return g.writeError(c, sessionID, err)
	}
	return c.OK(rec)
}

func (g *Gateway) handleGetExecution(c *okapi.Context) error {
	rec, err := g.records.GetExecution(c.Context(), c.Param("id"))
	if err != nil {
		return g.writeError(c, "", err)
	}
	return c.OK(rec)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness check
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Operations ---

// submit validates and admits a command, acquires the session's sandbox
// and starts the execution. With wait it returns the terminal record.
func (g *Gateway) submit(ctx context.Context, sessionID string, req ExecRequest, wait bool) (*execution.Record, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errBadRequest("session id is required")
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, sandbox.ErrEmptyCommand
	}
	if err := g.limiter.Allow(sessionID); err != nil {
		g.config.Metrics.RateLimited()
		return nil, err
	}

	// Lease up front so capacity errors are reported instead of recorded.
	if err := sandbox.Prepare(ctx, g.runner.Backend(), sessionID); err != nil {
		return nil, err
	}

	timeout := g.config.DefaultTimeout
	if req.TimeoutMS > 0 {
		timeout = execution.ClampTimeout(req.TimeoutMS)
	}
	r := execution.Request{
		SessionID: sessionID,
		ChatID:    req.ChatID,
		Command:   req.Command,
		Env:       req.Env,
		Timeout:   timeout,
	}
	if wait {
		return g.runner.Run(ctx, r)
	}
	return g.runner.Start(ctx, r)
}

func (g *Gateway) sessionRecord(ctx context.Context, sessionID string) (session.Record, error) {
	if g.sessions == nil {
		return session.Empty(sessionID), nil
	}
	m, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return session.Record{}, err
	}
	return m.Record(), nil
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client name.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		client, ok := g.checkKey(c.Request())
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("client", client)
		return next(c)
	}
}

// checkKey accepts "Authorization: Bearer <key>", or an access_token query
// parameter on stream endpoints since browsers cannot set headers on
// EventSource and WebSocket requests.
func (g *Gateway) checkKey(r *http.Request) (string, bool) {
	if len(g.config.APIKeys) == 0 {
		return "anonymous", true
	}
	apiKey, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok && strings.HasPrefix(r.URL.Path, "/v1/stream/") {
		apiKey = r.URL.Query().Get("access_token")
	}
	if apiKey == "" {
		return "", false
	}

	client := ""
	for key, name := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			client = name
		}
	}
	return client, client != ""
}

// --- Helpers ---

type errBadRequest string

func (e errBadRequest) Error() string { return string(e) }

// errorStatus maps domain errors to an HTTP status and client message.
func errorStatus(err error) (int, string) {
	var bad errBadRequest
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, bad.Error()
	case errors.Is(err, sandbox.ErrEmptyCommand):
		return http.StatusBadRequest, "command is required"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusServiceUnavailable, pool.ExhaustedMessage
	case errors.Is(err, execution.ErrNotFound):
		return http.StatusNotFound, "execution not found"
	case errors.Is(err, execution.ErrTerminal):
		return http.StatusConflict, "execution already done"
	case errors.Is(err, pool.ErrOperationTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "sandbox operation timed out"
	case errors.Is(err, pool.ErrPoolUnreachable),
		errors.Is(err, pool.ErrInvalidResponse),
		errors.Is(err, pool.ErrOperationFailed),
		errors.Is(err, session.ErrExecFailed),
		errors.Is(err, session.ErrLogsFailed):
		return http.StatusBadGateway, "sandbox backend error"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (g *Gateway) writeError(c *okapi.Context, sessionID string, err error) error {
	code, msg := errorStatus(err)
	if code >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			slog.String("session_id", sessionID),
			slog.Int("status", code),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(code, ErrorBody{Error: msg})
}

// routeLabel collapses ids so metric labels stay bounded.
func routeLabel(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && (parts[1] == "sessions" || parts[1] == "executions") {
		parts[2] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

// Compile-time interface check.
var _ gateway.Gateway = (*Gateway)(nil)
