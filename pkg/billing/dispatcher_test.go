package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goreferral/pkg/billing"
	"github.com/mihaimyh/goreferral/pkg/commission"
)

type captureLedger struct {
	calls   [][]commission.Action
	err     error
	outcome commission.Outcome
}

func (l *captureLedger) ApplyAll(_ context.Context, actions []commission.Action) ([]commission.Result, error) {
	l.calls = append(l.calls, actions)
	if l.err != nil {
		return nil, l.err
	}
	results := make([]commission.Result, len(actions))
	for i, a := range actions {
		results[i] = commission.Result{Kind: a.Kind, Outcome: l.outcome}
	}
	return results, nil
}

type flakyEventLog struct {
	billing.NoopEventLog
}

func (flakyEventLog) Seen(context.Context, string, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestNewDispatcher_RequiresLedger(t *testing.T) {
	_, err := billing.NewDispatcher("stripe", billing.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestDispatcher_StampsActions(t *testing.T) {
	ledger := &captureLedger{outcome: commission.OutcomeApplied}
	d, err := billing.NewDispatcher("stripe", billing.Config{Ledger: ledger})
	require.NoError(t, err)

	occurred := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	status, err := d.Dispatch(context.Background(), &billing.Event{
		ID:         "evt_1",
		Type:       "invoice.payment_succeeded",
		OccurredAt: occurred,
		Actions: []commission.Action{
			commission.RecordCommission("user_1", decimal.NewFromInt(10), "in_1", time.Time{}, time.Time{}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusSuccess, status)

	require.Len(t, ledger.calls, 1)
	a := ledger.calls[0][0]
	assert.Equal(t, "stripe", a.Provider)
	assert.Equal(t, "evt_1", a.EventID)
	assert.Equal(t, "invoice.payment_succeeded", a.EventType)
	assert.Equal(t, occurred, a.OccurredAt)
}

func TestDispatcher_IgnoresEmptyEvents(t *testing.T) {
	ledger := &captureLedger{}
	d, err := billing.NewDispatcher("revenuecat", billing.Config{Ledger: ledger})
	require.NoError(t, err)

	status, err := d.Dispatch(context.Background(), &billing.Event{ID: "evt_test", Type: "TEST"})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusIgnored, status)
	assert.Empty(t, ledger.calls)
}

func TestDispatcher_DeduplicatesProcessedEvents(t *testing.T) {
	ledger := &captureLedger{outcome: commission.OutcomeApplied}
	d, err := billing.NewDispatcher("stripe", billing.Config{
		Ledger:   ledger,
		EventLog: billing.NewMemoryEventLog(time.Hour),
	})
	require.NoError(t, err)

	ev := &billing.Event{ID: "evt_1", Actions: []commission.Action{commission.CancelRelationship("user_1")}}
	status, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusSuccess, status)

	status, err = d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusDuplicate, status)
	assert.Len(t, ledger.calls, 1)
}

func TestDispatcher_FailedEventStaysRetryable(t *testing.T) {
	events := billing.NewMemoryEventLog(time.Hour)
	ledger := &captureLedger{err: errors.New("deadlock detected")}
	d, err := billing.NewDispatcher("stripe", billing.Config{Ledger: ledger, EventLog: events})
	require.NoError(t, err)

	ev := &billing.Event{ID: "evt_1", Actions: []commission.Action{commission.CancelRelationship("user_1")}}
	status, err := d.Dispatch(context.Background(), ev)
	assert.Error(t, err)
	assert.Equal(t, billing.StatusError, status)

	seen, err := events.Seen(context.Background(), "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestDispatcher_EventLogFailureFallsThrough(t *testing.T) {
	ledger := &captureLedger{outcome: commission.OutcomeDuplicate}
	d, err := billing.NewDispatcher("stripe", billing.Config{Ledger: ledger, EventLog: flakyEventLog{}})
	require.NoError(t, err)

	status, err := d.Dispatch(context.Background(), &billing.Event{
		ID:      "evt_1",
		Actions: []commission.Action{commission.CancelRelationship("user_1")},
	})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusSuccess, status)
	assert.Len(t, ledger.calls, 1)
}
