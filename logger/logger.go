// Package logger defines the logging interface used across toolpay and a
// no-op default. Production callers plug in the zap implementation.
package logger

// Logger is the structured logging contract. Fields are flat key/value
// pairs; implementations must never be handed key material.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// NoopLogger discards everything. The default when no logger is configured.
type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}
