package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerConfig configures the storage circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and metrics
	Name string

	// FailureThreshold is the number of consecutive failures that opens the breaker (default: 5)
	FailureThreshold uint32

	// ResetTimeout is how long the breaker stays open before probing (default: 30s)
	ResetTimeout time.Duration

	// HalfOpenRequests is the number of probes allowed while half-open (default: 1)
	HalfOpenRequests uint32
}

// DefaultCircuitBreakerConfig returns the default breaker settings
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             "commission-storage",
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection
// and records the latency of every call. While the breaker is open every call
// fails fast with ErrStorageUnavailable.
type CircuitBreakerStorage struct {
	storage Storage
	cb      *gobreaker.CircuitBreaker[any]
	metrics Metrics
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, config CircuitBreakerConfig, metrics Metrics, logger Logger) *CircuitBreakerStorage {
	defaults := DefaultCircuitBreakerConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = defaults.HalfOpenRequests
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}

	threshold := config.FailureThreshold
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenRequests,
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordCircuitBreakerStateChange(to.String())
			logger.Warn("storage circuit breaker state changed",
				Field{"breaker", name},
				Field{"from", from.String()},
				Field{"to", to.String()},
			)
		},
		IsSuccessful: isBreakerSuccess,
	}

	return &CircuitBreakerStorage{
		storage: storage,
		cb:      gobreaker.NewCircuitBreaker[any](settings),
		metrics: metrics,
	}
}

// State returns the breaker state ("closed", "half-open", "open")
func (s *CircuitBreakerStorage) State() string {
	return s.cb.State().String()
}

// isBreakerSuccess keeps expected domain errors and caller cancellation from tripping the breaker
func isBreakerSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, ErrRelationshipNotFound) ||
		errors.Is(err, ErrRelationshipExists) ||
		errors.Is(err, ErrEarningsNotFound) ||
		errors.Is(err, context.Canceled)
}

func execute[T any](s *CircuitBreakerStorage, operation string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := s.cb.Execute(func() (any, error) {
		r, e := fn()
		return r, e
	})
	s.metrics.RecordStorageOperation(operation, time.Since(start), err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	r, _ := v.(T)
	return r, err
}

func (s *CircuitBreakerStorage) CreateRelationship(ctx context.Context, req *CreateRelationshipRequest) (*Relationship, error) {
	return execute(s, "create_relationship", func() (*Relationship, error) {
		return s.storage.CreateRelationship(ctx, req)
	})
}

func (s *CircuitBreakerStorage) GetRelationship(ctx context.Context, referredUserID string) (*Relationship, error) {
	return execute(s, "get_relationship", func() (*Relationship, error) {
		return s.storage.GetRelationship(ctx, referredUserID)
	})
}

func (s *CircuitBreakerStorage) ActivateRelationship(ctx context.Context, req *ActivateRequest) (*ActivateResult, error) {
	return execute(s, "activate_relationship", func() (*ActivateResult, error) {
		return s.storage.ActivateRelationship(ctx, req)
	})
}

func (s *CircuitBreakerStorage) RecordCommission(ctx context.Context, req *RecordRequest) (*RecordResult, error) {
	return execute(s, "record_commission", func() (*RecordResult, error) {
		return s.storage.RecordCommission(ctx, req)
	})
}

func (s *CircuitBreakerStorage) CancelRelationship(ctx context.Context, req *CancelRequest) (*CancelResult, error) {
	return execute(s, "cancel_relationship", func() (*CancelResult, error) {
		return s.storage.CancelRelationship(ctx, req)
	})
}

func (s *CircuitBreakerStorage) ReverseCommission(ctx context.Context, req *ReverseRequest) (*ReverseResult, error) {
	return execute(s, "reverse_commission", func() (*ReverseResult, error) {
		return s.storage.ReverseCommission(ctx, req)
	})
}

func (s *CircuitBreakerStorage) MatureCommissions(ctx context.Context, req *MatureRequest) ([]*Entry, error) {
	return execute(s, "mature_commissions", func() ([]*Entry, error) {
		return s.storage.MatureCommissions(ctx, req)
	})
}

func (s *CircuitBreakerStorage) CompleteExpired(ctx context.Context, req *CompleteRequest) ([]*Relationship, error) {
	return execute(s, "complete_expired", func() ([]*Relationship, error) {
		return s.storage.CompleteExpired(ctx, req)
	})
}

func (s *CircuitBreakerStorage) Withdraw(ctx context.Context, req *WithdrawRequest) (*WithdrawResult, error) {
	return execute(s, "withdraw", func() (*WithdrawResult, error) {
		return s.storage.Withdraw(ctx, req)
	})
}

func (s *CircuitBreakerStorage) GetEarnings(ctx context.Context, userID string) (*Earnings, error) {
	return execute(s, "get_earnings", func() (*Earnings, error) {
		return s.storage.GetEarnings(ctx, userID)
	})
}

func (s *CircuitBreakerStorage) ListEntries(ctx context.Context, filter EntryFilter) ([]*Entry, error) {
	return execute(s, "list_entries", func() ([]*Entry, error) {
		return s.storage.ListEntries(ctx, filter)
	})
}

func (s *CircuitBreakerStorage) RebuildEarnings(ctx context.Context, userID string, now time.Time) (*Earnings, error) {
	return execute(s, "rebuild_earnings", func() (*Earnings, error) {
		return s.storage.RebuildEarnings(ctx, userID, now)
	})
}
