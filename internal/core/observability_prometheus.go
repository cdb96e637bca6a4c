package core

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder counts cache operations by outcome and records
// their latency.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers its collectors with reg, or with a
// fresh registry when reg is nil.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &PrometheusMetricsRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entitycore",
			Name:      "operations_total",
			Help:      "Entity cache operations by name and outcome.",
		}, []string{"operation", "success"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "entitycore",
			Name:      "operation_duration_seconds",
			Help:      "Entity cache operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, op string, success bool, d time.Duration) {
	r.operations.WithLabelValues(op, strconv.FormatBool(success)).Inc()
	r.latency.WithLabelValues(op).Observe(d.Seconds())
}
