package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/shellbox/internal/execution"
)

// MetricsCollector holds all Prometheus metrics for shellbox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pool client metrics.
	PoolRequestsTotal   *prometheus.CounterVec
	PoolRequestDuration *prometheus.HistogramVec

	// Sandbox backend metrics.
	SandboxCallsTotal *prometheus.CounterVec

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Streaming bridge metrics.
	ActiveStreams     prometheus.Gauge
	StreamEventsTotal *prometheus.CounterVec

	// Rate limiting.
	RateLimitedTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		PoolRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "pool",
			Name:      "requests_total",
			Help:      "Total pool service calls.",
		}, []string{"op", "status"}),

		PoolRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellbox",
			Subsystem: "pool",
			Name:      "request_duration_seconds",
			Help:      "Pool service call duration in seconds, including borrow and operation waits.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"op"}),

		SandboxCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "sandbox",
			Name:      "calls_total",
			Help:      "Total sandbox backend calls.",
		}, []string{"backend", "op", "status"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total finished executions.",
		}, []string{"backend", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellbox",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Execution duration from submission to terminal record, in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"backend"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellbox",
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of open stream subscriptions.",
		}),

		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Total events pushed to stream subscribers.",
		}, []string{"type"}),


		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shellbox",
			Name:      "rate_limited_total",
			Help:      "Total submissions rejected by the rate limiter.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellbox",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.PoolRequestsTotal,
		m.PoolRequestDuration,
		m.SandboxCallsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveStreams,
		m.StreamEventsTotal,
		m.RateLimitedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveExecution records a finished execution. Its signature matches
// execution.FinishFunc.
func (m *MetricsCollector) ObserveExecution(backend string, rec *execution.Record, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(backend, rec.Outcome()).Inc()
	m.ExecutionDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// StreamOpened, StreamClosed and StreamEvent implement stream.Observer.

func (m *MetricsCollector) StreamOpened() {
	if m != nil {
		m.ActiveStreams.Inc()
	}
}

func (m *MetricsCollector) StreamClosed() {
	if m != nil {
		m.ActiveStreams.Dec()
	}
}

func (m *MetricsCollector) StreamEvent(eventType string) {
	if m != nil {
		m.StreamEventsTotal.WithLabelValues(eventType).Inc()
	}
}

// RateLimited counts a rejected submission.
func (m *MetricsCollector) RateLimited() {
	if m != nil {
		m.RateLimitedTotal.Inc()
	}
}
