// Package metrics defines the recording interface for payment telemetry
// and its no-op and Prometheus implementations.
package metrics

import "time"

// Recorder receives payment event counts and stage latencies.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(stage string, duration time.Duration, labels map[string]string)
}

// Counter names emitted by the orchestrator.
const (
	CounterPaymentSettled   = "payment_settled"
	CounterPaymentFailed    = "payment_failed"
	CounterPaymentRequired  = "payment_required"
	CounterDegradedExecuted = "degraded_executed"
	CounterFreeExecuted     = "free_executed"
)
