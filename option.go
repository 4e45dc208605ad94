package toolpay

import (
	"time"

	"github.com/vitwit/toolpay/logger"
	"github.com/vitwit/toolpay/metrics"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithMetrics sets the telemetry recorder. Defaults to a no-op recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = r
	}
}

// WithObserver sets the progress event observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// WithFailurePolicy selects what happens when payment fails. The default,
// AbortOnPaymentFailure, surfaces the failure without executing.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}
