package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/shellbox/internal/config"
	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/pool"
	"github.com/jkaninda/shellbox/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Fatal("expected every optional component disabled for nil config")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.MetricsPath() != "/metrics" {
		t.Errorf("metrics path = %q, want /metrics", obs.MetricsPath())
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true, Path: "/prom"},
		Anomaly: &config.AnomalyConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Error("metrics should be enabled")
	}
	if obs.AnomalyOrNil() == nil {
		t.Error("anomaly detection should be enabled")
	}
	if obs.MetricsPath() != "/prom" {
		t.Errorf("metrics path = %q, want /prom", obs.MetricsPath())
	}
}

func TestObservability_NilReceiver(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// CounterVecs only appear in Gather after first use.
	m.PoolRequestsTotal.WithLabelValues("borrow", "success").Inc()
	m.SandboxCallsTotal.WithLabelValues("pool", "submit", "success").Inc()
	m.StreamEvent("initial")
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"shellbox_pool_requests_total",
		"shellbox_sandbox_calls_total",
		"shellbox_stream_events_total",
		"shellbox_stream_active",
		"shellbox_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_ObserveExecution(t *testing.T) {
	m := NewMetricsCollector()
	code := 0
	m.ObserveExecution("pool", &execution.Record{Done: true, ExitCode: &code}, time.Second)
	msg := execution.TimeoutMessage
	m.ObserveExecution("pool", &execution.Record{Done: true, Error: &msg}, time.Second)

	if v := counterValue(t, m.Registry, "shellbox_execution_total", prometheus.Labels{"backend": "pool", "outcome": "succeeded"}); v != 1 {
		t.Errorf("succeeded = %v, want 1", v)
	}
	if v := counterValue(t, m.Registry, "shellbox_execution_total", prometheus.Labels{"backend": "pool", "outcome": "timeout"}); v != 1 {
		t.Errorf("timeout = %v, want 1", v)
	}
}

func TestMetricsCollector_StreamGauge(t *testing.T) {
	m := NewMetricsCollector()
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	if v := gaugeValue(t, m.Registry, "shellbox_stream_active"); v != 1 {
		t.Errorf("active streams = %v, want 1", v)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.StreamOpened()
	m.StreamClosed()
	m.StreamEvent("done")
	m.RateLimited()
	m.ObserveExecution("pool", &execution.Record{}, 0)
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("pool", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["storage"].Status != "fail" {
		t.Errorf("storage check = %q, want fail", status.Checks["storage"].Status)
	}
	if status.Checks["pool"].Status != "ok" {
		t.Errorf("pool check = %q, want ok", status.Checks["pool"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(ctx context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.timeout = 20 * time.Millisecond
	h.AddCheck("pool", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := h.CheckReady(context.Background())
	if status.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded", status.Status)
	}
	if res := status.Checks["pool"]; res.Status != StatusFail || !strings.Contains(res.Message, "deadline") {
		t.Errorf("pool check = %+v, want deadline failure", res)
	}
}

func TestHealthChecker_ReplaceCheck(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(context.Context) error { return errors.New("down") })
	h.AddCheck("storage", func(context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != StatusOK || len(status.Checks) != 1 {
		t.Errorf("status = %+v, want one passing check", status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	a.Record("test", true)
}

func TestAnomalyDetector_ErrorRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("pool_borrow")
	}
	// 4 errors of 8 is exactly the threshold, not above it.
	for i := 0; i < 3; i++ {
		if a.RecordError("pool_borrow") {
			t.Fatalf("error %d: anomaly flagged below threshold", i+1)
		}
	}
	if a.RecordError("pool_borrow") {
		t.Fatal("anomaly flagged at threshold")
	}
	if !a.RecordError("pool_borrow") {
		t.Fatal("expected anomaly at 5 errors of 9")
	}
	if a.Failures("pool_borrow") != 5 {
		t.Errorf("failures = %d, want 5", a.Failures("pool_borrow"))
	}
}

func TestAnomalyDetector_SuccessDoesNotFlag(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.2}, nil)
	for i := 0; i < 5; i++ {
		a.RecordError("sandbox_process")
	}
	// A success lowers the rate but is never itself reported.
	a.RecordSuccess("sandbox_process")
	if a.Failures("sandbox_process") != 5 {
		t.Errorf("failures = %d, want 5", a.Failures("sandbox_process"))
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	now := time.Now()
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.1, WindowSeconds: 10}, nil)
	a.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		a.RecordError("sandbox_docker")
	}
	now = now.Add(11 * time.Second)

	if n := a.Failures("sandbox_docker"); n != 0 {
		t.Errorf("errors in window = %d, want 0", n)
	}
}

// --- InstrumentedPool ---

type mockPool struct {
	borrowErr error
	returnErr error
	calls     int
}

func (m *mockPool) Borrow(ctx context.Context, hint string, wait time.Duration) (*pool.Lease, error) {
	m.calls++
	if m.borrowErr != nil {
		return nil, m.borrowErr
	}
	return &pool.Lease{Item: pool.Item{ID: "sb-1"}, Token: "tok-1"}, nil
}

func (m *mockPool) ReturnAndWait(ctx context.Context, item pool.Item, token, hint string) (pool.OperationStatus, error) {
	m.calls++
	if m.returnErr != nil {
		return "", m.returnErr
	}
	return pool.StatusSucceeded, nil
}

func TestInstrumentedPool_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockPool{}
	p := NewInstrumentedPool(inner, metrics, nil, nil)

	lease, err := p.Borrow(context.Background(), "chat-1", 0)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if _, err := p.ReturnAndWait(context.Background(), lease.Item, lease.Token, "chat-1"); err != nil {
		t.Fatalf("ReturnAndWait: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
	if v := counterValue(t, metrics.Registry, "shellbox_pool_requests_total", prometheus.Labels{"op": "borrow", "status": "success"}); v != 1 {
		t.Errorf("borrow success = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "shellbox_pool_requests_total", prometheus.Labels{"op": "return", "status": "success"}); v != 1 {
		t.Errorf("return success = %v, want 1", v)
	}
}

func TestInstrumentedPool_ErrorsClassified(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5}, nil)
	p := NewInstrumentedPool(&mockPool{
		borrowErr: fmt.Errorf("borrow: %w", pool.ErrPoolExhausted),
		returnErr: fmt.Errorf("return: %w", pool.ErrInvalidLease),
	}, metrics, nil, anomaly)

	if _, err := p.Borrow(context.Background(), "chat-1", 0); !errors.Is(err, pool.ErrPoolExhausted) {
		t.Fatalf("Borrow error = %v, want ErrPoolExhausted", err)
	}
	if _, err := p.ReturnAndWait(context.Background(), pool.Item{ID: "sb-1"}, "tok-1", "chat-1"); !errors.Is(err, pool.ErrInvalidLease) {
		t.Fatalf("Return error = %v, want ErrInvalidLease", err)
	}

	if v := counterValue(t, metrics.Registry, "shellbox_pool_requests_total", prometheus.Labels{"op": "borrow", "status": "exhausted"}); v != 1 {
		t.Errorf("borrow exhausted = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "shellbox_pool_requests_total", prometheus.Labels{"op": "return", "status": "invalid_lease"}); v != 1 {
		t.Errorf("return invalid_lease = %v, want 1", v)
	}

	if anomaly.Failures("pool_borrow") != 0 {
		t.Error("exhaustion should not count toward the anomaly window")
	}
}

func TestInstrumentedPool_NilMetrics(t *testing.T) {
	p := NewInstrumentedPool(&mockPool{}, nil, nil, nil)
	if _, err := p.Borrow(context.Background(), "chat-1", 0); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
}

// --- InstrumentedBackend ---

type mockBackend struct {
	submitErr error
	released  []string
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Submit(ctx context.Context, sub sandbox.Submission) (*sandbox.Handle, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &sandbox.Handle{ID: "h-1", SessionID: sub.SessionID}, nil
}

func (m *mockBackend) Next(ctx context.Context, h *sandbox.Handle) (sandbox.Chunk, error) {
	code := 0
	return sandbox.Chunk{Stdout: "hi\n", Done: true, ExitCode: &code}, nil
}

func (m *mockBackend) ReleaseSession(ctx context.Context, sessionID string) error {
	m.released = append(m.released, sessionID)
	return nil
}

func TestInstrumentedBackend_PassesThrough(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockBackend{}
	b := NewInstrumentedBackend(inner, metrics, nil, nil)

	if b.Name() != "mock" {
		t.Errorf("Name = %q, want mock", b.Name())
	}
	h, err := b.Submit(context.Background(), sandbox.Submission{SessionID: "chat-1", Command: "echo hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c, err := b.Next(context.Background(), h)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !c.Done || c.Stdout != "hi\n" {
		t.Errorf("chunk = %+v", c)
	}
	if err := sandbox.Release(context.Background(), b, "chat-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(inner.released) != 1 || inner.released[0] != "chat-1" {
		t.Errorf("released = %v, want [chat-1]", inner.released)
	}
	if v := counterValue(t, metrics.Registry, "shellbox_sandbox_calls_total", prometheus.Labels{"backend": "mock", "op": "submit", "status": "success"}); v != 1 {
		t.Errorf("submit success = %v, want 1", v)
	}
}

func TestInstrumentedBackend_SubmitError(t *testing.T) {
	metrics := NewMetricsCollector()
	b := NewInstrumentedBackend(&mockBackend{submitErr: errors.New("daemon down")}, metrics, nil, nil)

	if _, err := b.Submit(context.Background(), sandbox.Submission{SessionID: "chat-1", Command: "true"}); err == nil {
		t.Fatal("expected submit error")
	}
	if v := counterValue(t, metrics.Registry, "shellbox_sandbox_calls_total", prometheus.Labels{"backend": "mock", "op": "submit", "status": "error"}); v != 1 {
		t.Errorf("submit error = %v, want 1", v)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	route := func(*http.Request) string { return "/v1/executions/{id}" }
	handler := HTTPMetricsMiddleware(metrics, nil, route, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/v1/executions/abc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "shellbox_http_requests_total", prometheus.Labels{"method": "GET", "path": "/v1/executions/{id}", "status_code": "404"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHTTPMetricsMiddleware_Flushes(t *testing.T) {
	var flushable bool
	handler := HTTPMetricsMiddleware(NewMetricsCollector(), nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		flushable = ok
		_, _ = w.Write([]byte("data: x\n\n"))
		if ok {
			f.Flush()
		}
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/stream/sse", nil))

	if !flushable {
		t.Fatal("wrapped writer should implement http.Flusher")
	}
	if !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}
