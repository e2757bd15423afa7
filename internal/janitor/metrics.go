package janitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the janitor.
type Metrics struct {
	SweepsTotal   *prometheus.CounterVec
	SweptTotal    *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "janitor",
			Name:      "sweeps_total",
			Help:      "Total janitor sweeps by job and status.",
		}, []string{"job", "status"}),
		SweptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "janitor",
			Name:      "swept_total",
			Help:      "Total records completed or released by janitor sweeps.",
		}, []string{"job"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellbox",
			Subsystem: "janitor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each janitor sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SweptTotal,
		m.SweepDuration,
	)

	return m
}

func (m *Metrics) observe(job string, n int, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SweepsTotal.WithLabelValues(job, status).Inc()
	if n > 0 {
		m.SweptTotal.WithLabelValues(job).Add(float64(n))
	}
	m.SweepDuration.WithLabelValues(job).Observe(d.Seconds())
}
