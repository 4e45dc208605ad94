package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder records payment telemetry to Prometheus collectors.
type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusRecorder registers and returns a Prometheus-backed recorder.
func NewPrometheusRecorder() Recorder {
	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolpay",
			Name:      "payment_events_total",
			Help:      "payment event counters",
		},
		[]string{"type", "operation"},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toolpay",
			Name:      "stage_latency_seconds",
			Help:      "latency of payment pipeline stages",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "operation"},
	)

	prometheus.MustRegister(counters, histogram)

	return &PrometheusRecorder{
		counters:  counters,
		histogram: histogram,
	}
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"type":      name,
		"operation": labels["operation"],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(stage string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"stage":     stage,
		"operation": labels["operation"],
	}).Observe(d.Seconds())
}
