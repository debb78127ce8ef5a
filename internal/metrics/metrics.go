// Package metrics is the explicitly constructed metrics service. There is no
// package-level buffer: the daemon creates one Metrics at startup and injects
// it into consumers, and cross-cutting timing uses the Timed wrapper at the
// call site instead of method decoration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	opDuration    *prometheus.HistogramVec
	opTotal       *prometheus.CounterVec
	retryAttempts prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vynos_operation_duration_seconds",
			Help:    "Duration of hub and wallet operations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"op", "outcome"}),
		opTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vynos_operation_total",
			Help: "Count of hub and wallet operations by outcome.",
		}, []string{"op", "outcome"}),
		retryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vynos_retry_attempts_total",
			Help: "Polling attempts spent waiting on hub/indexer catch-up.",
		}),
	}
	m.registry.MustRegister(
		m.opDuration,
		m.opTotal,
		m.retryAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOp(op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.opDuration.WithLabelValues(op, outcome).Observe(time.Since(started).Seconds())
	m.opTotal.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RecordRetryAttempt() {
	m.retryAttempts.Inc()
}

// Timed measures duration and success/failure of one call. A nil Metrics is
// legal and turns the wrapper into a plain invocation.
func Timed[T any](m *Metrics, op string, fn func() (T, error)) (T, error) {
	if m == nil {
		return fn()
	}
	started := time.Now()
	out, err := fn()
	m.ObserveOp(op, started, err)
	return out, err
}
