package commission

import "time"

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordAction records one applied action and its outcome.
	RecordAction(kind ActionKind, outcome Outcome, duration time.Duration)

	// RecordAmount records a balance movement. Movement is one of
	// "earned", "reversed", "matured", "withdrawn".
	RecordAmount(movement string, amount float64)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordNotificationFailure records a notifier error that was swallowed.
	RecordNotificationFailure(kind NotificationKind)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAction(kind ActionKind, outcome Outcome, duration time.Duration)     {}
func (n *NoopMetrics) RecordAmount(movement string, amount float64)                              {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordNotificationFailure(kind NotificationKind)                           {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                              {}
