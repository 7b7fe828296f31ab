package commission_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goreferral/pkg/commission"
	"github.com/mihaimyh/goreferral/storage/memory"
)

var errDatabaseDown = errors.New("connection refused")

// flakyStorage fails every call while down is set
type flakyStorage struct {
	*memory.Storage
	mu    sync.Mutex
	down  bool
	calls int
}

func (s *flakyStorage) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *flakyStorage) GetEarnings(ctx context.Context, userID string) (*commission.Earnings, error) {
	s.mu.Lock()
	s.calls++
	down := s.down
	s.mu.Unlock()
	if down {
		return nil, errDatabaseDown
	}
	return s.Storage.GetEarnings(ctx, userID)
}

type stateRecorder struct {
	commission.NoopMetrics
	mu     sync.Mutex
	states []string
}

func (m *stateRecorder) RecordCircuitBreakerStateChange(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func TestCircuitBreakerStorage_OpensAfterFailures(t *testing.T) {
	backend := &flakyStorage{Storage: memory.New(), down: true}
	metrics := &stateRecorder{}
	cb := commission.NewCircuitBreakerStorage(backend, commission.CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
	}, metrics, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.GetEarnings(ctx, "alice")
		assert.ErrorIs(t, err, errDatabaseDown)
	}
	assert.Equal(t, "open", cb.State())

	_, err := cb.GetEarnings(ctx, "alice")
	assert.ErrorIs(t, err, commission.ErrStorageUnavailable)
	assert.Equal(t, 3, backend.calls, "open breaker must not reach storage")

	backend.setDown(false)
	time.Sleep(60 * time.Millisecond)

	_, err = cb.GetEarnings(ctx, "alice")
	assert.ErrorIs(t, err, commission.ErrEarningsNotFound)
	assert.Equal(t, "closed", cb.State())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []string{"open", "half-open", "closed"}, metrics.states)
}

func TestCircuitBreakerStorage_DomainErrorsDoNotTrip(t *testing.T) {
	cb := commission.NewCircuitBreakerStorage(memory.New(), commission.CircuitBreakerConfig{FailureThreshold: 1}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cb.GetRelationship(ctx, "nobody")
		assert.ErrorIs(t, err, commission.ErrRelationshipNotFound)
	}
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerStorage_WithLedger(t *testing.T) {
	cb := commission.NewCircuitBreakerStorage(memory.New(), commission.DefaultCircuitBreakerConfig(), nil, nil)
	ledger, err := commission.NewLedger(cb, commission.DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ledger.CreateRelationship(ctx, "alice", "bob", "code")
	require.NoError(t, err)
	res, err := ledger.Apply(ctx, commission.ActivateRelationship("bob", "sub_1", time.Time{}))
	require.NoError(t, err)
	assert.Equal(t, commission.OutcomeApplied, res.Outcome)

	earnings, err := ledger.GetEarnings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, earnings.ActiveReferralsCount)
}
