package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/shellbox/internal/pool"
	"github.com/jkaninda/shellbox/internal/sandbox"
	"github.com/jkaninda/shellbox/internal/session"
)

// --- InstrumentedPool ---

// InstrumentedPool wraps a session.PoolClient with metrics, tracing, and anomaly detection.
type InstrumentedPool struct {
	inner   session.PoolClient
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedPool wraps a pool client with observability.
func NewInstrumentedPool(inner session.PoolClient, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedPool {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedPool{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedPool) Borrow(ctx context.Context, sessionHint string, wait time.Duration) (*pool.Lease, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "pool.borrow",
			trace.WithAttributes(
				attrSessionID.String(sessionHint),
			))
		defer span.End()
	}

	start := time.Now()
	lease, err := p.inner.Borrow(ctx, sessionHint, wait)
	if err == nil && p.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attrItemID.String(lease.Item.ID))
	}
	p.record(ctx, "borrow", start, err)
	return lease, err
}

func (p *InstrumentedPool) ReturnAndWait(ctx context.Context, item pool.Item, token, sessionHint string) (pool.OperationStatus, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "pool.return",
			trace.WithAttributes(
				attrSessionID.String(sessionHint),
				attrItemID.String(item.ID),
			))
		defer span.End()
	}

	start := time.Now()
	status, err := p.inner.ReturnAndWait(ctx, item, token, sessionHint)
	p.record(ctx, "return", start, err)
	return status, err
}

func (p *InstrumentedPool) record(ctx context.Context, op string, start time.Time, err error) {
	status := poolStatus(err)
	if err != nil && p.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attrStatus.String(status))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if p.metrics != nil {
		p.metrics.PoolRequestsTotal.WithLabelValues(op, status).Inc()
		p.metrics.PoolRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	// Exhaustion is back-pressure, not a pool fault.
	if p.anomaly != nil && !errors.Is(err, pool.ErrPoolExhausted) {
		p.anomaly.Record("pool_"+op, err == nil)
	}
}

func poolStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, pool.ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, pool.ErrInvalidLease):
		return "invalid_lease"
	case errors.Is(err, pool.ErrOperationTimeout):
		return "timeout"
	case errors.Is(err, pool.ErrPoolUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}

// --- InstrumentedBackend ---

// InstrumentedBackend wraps a sandbox.Backend with metrics, tracing, and anomaly detection.
type InstrumentedBackend struct {
	inner   sandbox.Backend
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedBackend wraps a sandbox backend with observability.
func NewInstrumentedBackend(inner sandbox.Backend, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBackend {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedBackend{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (b *InstrumentedBackend) Name() string { return b.inner.Name() }

func (b *InstrumentedBackend) Submit(ctx context.Context, sub sandbox.Submission) (*sandbox.Handle, error) {
	spanCtx := ctx
	if b.tracer != nil {
		var span trace.Span
		spanCtx, span = b.tracer.Start(ctx, "sandbox.submit",
			trace.WithAttributes(
				attrBackend.String(b.inner.Name()),
				attrSessionID.String(sub.SessionID),
			))
		defer span.End()
	}

	// The inner backend gets the caller's ctx: local backends tie the
	// command lifetime to it, which must outlive the span.
	h, err := b.inner.Submit(ctx, sub)
	if err != nil && b.tracer != nil {
		span := trace.SpanFromContext(spanCtx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	b.record("submit", err)
	return h, err
}

func (b *InstrumentedBackend) Next(ctx context.Context, h *sandbox.Handle) (sandbox.Chunk, error) {
	c, err := b.inner.Next(ctx, h)
	if err != nil && ctx.Err() == nil {
		b.record("next", err)
	}
	if err == nil && c.Done && b.tracer != nil && c.ExitCode != nil {
		trace.SpanFromContext(ctx).SetAttributes(attrExitCode.Int(*c.ExitCode))
	}
	return c, err
}

// Prepare forwards to the inner backend when it acquires sandboxes up front.
func (b *InstrumentedBackend) Prepare(ctx context.Context, sessionID string) error {
	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "sandbox.prepare",
			trace.WithAttributes(
				attrBackend.String(b.inner.Name()),
				attrSessionID.String(sessionID),
			))
		defer span.End()
	}
	return sandbox.Prepare(ctx, b.inner, sessionID)
}

// ReleaseSession forwards to the inner backend when it holds per-session resources.
func (b *InstrumentedBackend) ReleaseSession(ctx context.Context, sessionID string) error {
	return sandbox.Release(ctx, b.inner, sessionID)
}

func (b *InstrumentedBackend) record(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	if b.metrics != nil {
		b.metrics.SandboxCallsTotal.WithLabelValues(b.inner.Name(), op, status).Inc()
	}
	if b.anomaly != nil {
		b.anomaly.Record("sandbox_"+b.inner.Name(), err == nil)
	}
}

// --- Compile-time interface checks ---

var (
	_ session.PoolClient      = (*InstrumentedPool)(nil)
	_ sandbox.Backend         = (*InstrumentedBackend)(nil)
	_ sandbox.SessionReleaser = (*InstrumentedBackend)(nil)
	_ sandbox.Preparer        = (*InstrumentedBackend)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
