// Package storagetest holds behaviour tests every commission.Storage
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

// Factory returns an empty storage for one subtest
type Factory func(t *testing.T) commission.Storage

// EarningsWriter is implemented by storages that can overwrite the cached
// earnings row, which lets the suite simulate balances that drifted from
// the entries.
type EarningsWriter interface {
	PutEarnings(ctx context.Context, e *commission.Earnings) error
}

var t0 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

// Run executes the suite against storages built by newStorage
func Run(t *testing.T, newStorage Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s commission.Storage)
	}{
		{"CreateRelationship", testCreateRelationship},
		{"Activate", testActivate},
		{"Record", testRecord},
		{"RecordWindowClosed", testRecordWindowClosed},
		{"RecordPaymentCap", testRecordPaymentCap},
		{"RecordConcurrentDuplicate", testRecordConcurrentDuplicate},
		{"Cancel", testCancel},
		{"CancelStates", testCancelStates},
		{"Reverse", testReverse},
		{"ReverseFloorsAtZero", testReverseFloorsAtZero},
		{"Mature", testMature},
		{"CompleteExpired", testCompleteExpired},
		{"Withdraw", testWithdraw},
		{"ListEntries", testListEntries},
		{"RebuildEarnings", testRebuildEarnings},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStorage(t))
		})
	}
}

func create(t *testing.T, s commission.Storage, referrer, user string) *commission.Relationship {
	t.Helper()
	rel, err := s.CreateRelationship(context.Background(), &commission.CreateRelationshipRequest{
		ID:             uuid.NewString(),
		ReferrerID:     referrer,
		ReferredUserID: user,
		ReferralCodeID: "code_" + referrer,
		Now:            t0,
	})
	require.NoError(t, err)
	return rel
}

func activate(t *testing.T, s commission.Storage, user, sub string, now time.Time) *commission.ActivateResult {
	t.Helper()
	res, err := s.ActivateRelationship(context.Background(), &commission.ActivateRequest{
		ReferredUserID: user,
		SubscriptionID: sub,
		CustomerID:     "cus_" + user,
		Provider:       "stripe",
		Now:            now,
		WindowEnd:      now.AddDate(0, 12, 0),
	})
	require.NoError(t, err)
	return res
}

func activeReferral(t *testing.T, s commission.Storage, referrer, user string) *commission.Relationship {
	t.Helper()
	create(t, s, referrer, user)
	res := activate(t, s, user, "sub_"+user, t0)
	require.Equal(t, commission.OutcomeApplied, res.Outcome)
	return res.Relationship
}

func record(t *testing.T, s commission.Storage, user, externalID string, commissionAmount string, now time.Time) *commission.RecordResult {
	t.Helper()
	c := decimal.RequireFromString(commissionAmount)
	res, err := s.RecordCommission(context.Background(), &commission.RecordRequest{
		EntryID:        uuid.NewString(),
		ReferredUserID: user,
		ExternalID:     externalID,
		PaymentRef:     "ch_" + externalID,
		Amount:         c.Mul(decimal.NewFromInt(5)),
		Commission:     c,
		Currency:       "USD",
		Now:            now,
		AvailableAt:    now.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return res
}

func earnings(t *testing.T, s commission.Storage, user string) *commission.Earnings {
	t.Helper()
	e, err := s.GetEarnings(context.Background(), user)
	require.NoError(t, err)
	return e
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "%s: want %s, got %s", msg, want, got)
}

func testCreateRelationship(t *testing.T, s commission.Storage) {
	ctx := context.Background()

	_, err := s.GetEarnings(ctx, "alice")
	assert.ErrorIs(t, err, commission.ErrEarningsNotFound)
	_, err = s.GetRelationship(ctx, "bob")
	assert.ErrorIs(t, err, commission.ErrRelationshipNotFound)

	rel := create(t, s, "alice", "bob")
	assert.Equal(t, commission.RelationshipPending, rel.Status)
	assert.Equal(t, "alice", rel.ReferrerID)
	assert.Nil(t, rel.CommissionEndDate)

	_, err = s.CreateRelationship(ctx, &commission.CreateRelationshipRequest{
		ID: uuid.NewString(), ReferrerID: "carol", ReferredUserID: "bob", Now: t0,
	})
	assert.ErrorIs(t, err, commission.ErrRelationshipExists)

	e := earnings(t, s, "alice")
	assert.Equal(t, 1, e.TotalReferralsCount)
	assert.Equal(t, 0, e.ActiveReferralsCount)

	got, err := s.GetRelationship(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, rel.ID, got.ID)
}

func testActivate(t *testing.T, s commission.Storage) {
	res := activate(t, s, "nobody", "", t0)
	assert.Equal(t, commission.OutcomeNoRelationship, res.Outcome)

	create(t, s, "alice", "bob")
	res = activate(t, s, "bob", "sub_1", t0)
	require.Equal(t, commission.OutcomeApplied, res.Outcome)
	rel := res.Relationship
	assert.Equal(t, commission.RelationshipActive, rel.Status)
	assert.Equal(t, "sub_1", rel.ExternalSubscriptionID)
	assert.Equal(t, "cus_bob", rel.ExternalCustomerID)
	assert.Equal(t, "stripe", rel.Provider)
	require.NotNil(t, rel.CommissionEndDate)
	assert.True(t, rel.CommissionEndDate.Equal(t0.AddDate(0, 12, 0)))

	res = activate(t, s, "bob", "sub_1", t0.Add(time.Hour))
	assert.Equal(t, commission.OutcomeDuplicate, res.Outcome)
	assert.True(t, res.Relationship.SubscriptionStartDate.Equal(t0), "redelivery must not move the window")

	// subscription id alone locates the relationship
	create(t, s, "alice", "dave")
	res = activate(t, s, "dave", "sub_2", t0)
	require.Equal(t, commission.OutcomeApplied, res.Outcome)
	res = activate(t, s, "", "sub_2", t0)
	assert.Equal(t, commission.OutcomeDuplicate, res.Outcome)

	assert.Equal(t, 2, earnings(t, s, "alice").ActiveReferralsCount)
}

func testRecord(t *testing.T, s commission.Storage) {
	create(t, s, "alice", "bob")
	res := record(t, s, "bob", "in_0", "2", t0)
	assert.Equal(t, commission.OutcomeInvalidState, res.Outcome, "pending relationships earn nothing")

	res = record(t, s, "stranger", "in_x", "2", t0)
	assert.Equal(t, commission.OutcomeNoRelationship, res.Outcome)

	activate(t, s, "bob", "sub_bob", t0)
	first := record(t, s, "bob", "in_1", "5.998", t0.Add(time.Hour))
	require.Equal(t, commission.OutcomeApplied, first.Outcome)
	assert.Equal(t, 1, first.Entry.PaymentNumber)
	assert.Equal(t, commission.EntryPending, first.Entry.Status)
	assert.Equal(t, "alice", first.Entry.ReferrerID)
	assertAmount(t, "5.998", first.Entry.CommissionAmount, "commission")

	second := record(t, s, "bob", "in_2", "2", t0.AddDate(0, 1, 0))
	require.Equal(t, commission.OutcomeApplied, second.Outcome)
	assert.Equal(t, 2, second.Entry.PaymentNumber)
	assert.Equal(t, 2, second.Relationship.TotalPaymentsCount)
	assertAmount(t, "7.998", second.Relationship.TotalCommissionEarned, "relationship total")

	dup := record(t, s, "bob", "in_1", "5.998", t0.AddDate(0, 2, 0))
	assert.Equal(t, commission.OutcomeDuplicate, dup.Outcome)
	require.NotNil(t, dup.Entry)
	assert.Equal(t, first.Entry.ID, dup.Entry.ID)

	e := earnings(t, s, "alice")
	assertAmount(t, "7.998", e.PendingBalance, "pending")
	assertAmount(t, "7.998", e.LifetimeEarnings, "lifetime")
	assertAmount(t, "0", e.AvailableBalance, "available")
}

func testRecordWindowClosed(t *testing.T, s commission.Storage) {
	activeReferral(t, s, "alice", "bob")

	end := t0.AddDate(0, 12, 0)
	res := record(t, s, "bob", "in_last", "1", end)
	assert.Equal(t, commission.OutcomeApplied, res.Outcome, "the window end is inclusive")

	res = record(t, s, "bob", "in_late", "1", end.Add(time.Second))
	assert.Equal(t, commission.OutcomeWindowClosed, res.Outcome)
	require.NotNil(t, res.Relationship)
	assert.Equal(t, commission.RelationshipCompleted, res.Relationship.Status)
	assert.Equal(t, 1, res.Relationship.TotalPaymentsCount)

	e := earnings(t, s, "alice")
	assert.Equal(t, 0, e.ActiveReferralsCount)
	assertAmount(t, "1", e.LifetimeEarnings, "lifetime")

	res = record(t, s, "bob", "in_later", "1", end.AddDate(0, 1, 0))
	assert.Equal(t, commission.OutcomeInvalidState, res.Outcome)
	assert.Equal(t, 0, earnings(t, s, "alice").ActiveReferralsCount)
}

func testRecordPaymentCap(t *testing.T, s commission.Storage) {
	activeReferral(t, s, "alice", "bob")
	for i, id := range []string{"in_1", "in_2", "in_3"} {
		res, err := s.RecordCommission(context.Background(), &commission.RecordRequest{
			EntryID:        uuid.NewString(),
			ReferredUserID: "bob",
			ExternalID:     id,
			Amount:         decimal.NewFromInt(10),
			Commission:     decimal.NewFromInt(2),
			Currency:       "USD",
			Now:            t0.AddDate(0, i, 0),
			AvailableAt:    t0.AddDate(0, i+1, 0),
			MaxPayments:    2,
		})
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, commission.OutcomeApplied, res.Outcome)
		} else {
			assert.Equal(t, commission.OutcomePaymentCap, res.Outcome)
		}
	}
	assertAmount(t, "4", earnings(t, s, "alice").PendingBalance, "pending")
}

func testRecordConcurrentDuplicate(t *testing.T, s commission.Storage) {
	activeReferral(t, s, "alice", "bob")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.RecordCommission(context.Background(), &commission.RecordRequest{
				EntryID:        uuid.NewString(),
				ReferredUserID: "bob",
				ExternalID:     "in_race",
				Amount:         decimal.NewFromInt(10),
				Commission:     decimal.NewFromInt(2),
				Currency:       "USD",
				Now:            t0.Add(time.Hour),
				AvailableAt:    t0.AddDate(0, 1, 0),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Outcome == commission.OutcomeApplied {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, applied)
	assertAmount(t, "2", earnings(t, s, "alice").PendingBalance, "pending")
}

func testCancel(t *testing.T, s commission.Storage) {
	ctx := context.Background()
	activeReferral(t, s, "alice", "bob")
	record(t, s, "bob", "in_1", "2", t0)
	record(t, s, "bob", "in_2", "3", t0.AddDate(0, 1, 0))

	matured, err := s.MatureCommissions(ctx, &commission.MatureRequest{Now: t0.AddDate(0, 1, 1), Limit: 10})
	require.NoError(t, err)
	require.Len(t, matured, 1)

	res, err := s.CancelRelationship(ctx, &commission.CancelRequest{ReferredUserID: "bob", Now: t0.AddDate(0, 1, 2)})
	require.NoError(t, err)
	require.Equal(t, commission.OutcomeApplied, res.Outcome)
	assert.Len(t, res.CancelledEntries, 1)
	assertAmount(t, "3", res.ReversedAmount, "reversed")
	assert.Equal(t, commission.RelationshipCancelled, res.Relationship.Status)
	assertAmount(t, "2", res.Relationship.TotalCommissionEarned, "relationship total")

	e := earnings(t, s, "alice")
	assertAmount(t, "0", e.PendingBalance, "pending")
	assertAmount(t, "2", e.AvailableBalance, "available untouched")
	assertAmount(t, "2", e.LifetimeEarnings, "lifetime")
	assert.Equal(t, 0, e.ActiveReferralsCount)

	res, err = s.CancelRelationship(ctx, &commission.CancelRequest{ReferredUserID: "bob", Now: t0.AddDate(0, 2, 0)})
	require.NoError(t, err)
	assert.Equal(t, commission.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 0, earnings(t, s, "alice").ActiveReferralsCount)

	// a cancelled user can be referred again
	rel := create(t, s, "carol", "bob")
	assert.Equal(t, commission.RelationshipPending, rel.Status)
}

func testCancelStates(t *testing.T, s commission.Storage) {
	ctx := context.Background()

	res, err := s.CancelRelationship(ctx, &commission.CancelRequest{ReferredUserID: "nobody", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, commission.OutcomeNoRelationship, res.Outcome)

	create(t, s, "alice", "bob")
	res, err = s.CancelRelationship(ctx, &commission.CancelRequest{ReferredUserID: "bob", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, commission.OutcomeInvalidState, res.Outcome)

	activate(t, s, "bob", "sub_new", t0)
	res, err = s.CancelRelationship(ctx, &commission.CancelRequest{ReferredUserID: "bob", SubscriptionID: "sub_old", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, commission.OutcomeNoRelationship, res.Outcome, "a stale subscription must not cancel the current one")

	res, err = s.CancelRelationship(ctx, &commission.CancelRequest{SubscriptionID: "sub_new", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, commission.OutcomeApplied, res.Outcome)
}

func testReverse(t *testing.T, s commission.Storage) {
	ctx := context.Background()
	activeReferral(t, s, "alice", "bob")
	record(t, s, "bob", "in_1", "2", t0)
	record(t, s, "bob", "in_2", "3", t0.AddDate(0, 1, 0))
	record(t, s, "bob", "in_3", "4", t0.AddDate(0, 2, 0))

	reverse := func(keys ...string) *commission.ReverseResult {
		res, err := s.ReverseCommission(ctx, &commission.ReverseRequest{Keys: keys, Now: t0.AddDate(0, 3, 0)})
		require.NoError(t, err)
		return res
	}

	res := reverse("in_missing", "ch_missing")
	assert.Equal(t, commission.OutcomeNotFound, res.Outcome)

	// in_1 withdrawn, in_2 available, in_3 pending
	_, err := s.MatureCommissions(ctx, &commission.MatureRequest{Now: t0.AddDate(0, 1, 1), Limit: 10})
	require.NoError(t, err)
	w, err := s.Withdraw(ctx, &commission.WithdrawRequest{WithdrawalID: "wd_1", ReferrerID: "alice", Now: t0.AddDate(0, 1, 2)})
	require.NoError(t, err)
	require.Equal(t, commission.OutcomeApplied, w.Outcome)
	_, err = s.MatureCommissions(ctx, &commission.MatureRequest{Now: t0.AddDate(0, 2, 3), Limit: 10})
	require.NoError(t, err)

	res = reverse("ch_in_3")
	require.Equal(t, commission.OutcomeApplied, res.Outcome, "payment ref matches")
	assert.Equal(t, commission.EntryPending, res.PreviousStatus)

	res = reverse("in_2")
	require.Equal(t, commission.OutcomeApplied, res.Outcome)
	assert.Equal(t, commission.EntryAvailable, res.PreviousStatus)

	res = reverse("in_1")
	assert.Equal(t, commission.OutcomeWithdrawn, res.Outcome)
	assert.Equal(t, "wd_1", res.Entry.WithdrawalID)

	res = reverse("in_2")
	assert.Equal(t, commission.OutcomeDuplicate, res.Outcome)

	e := earnings(t, s, "alice")
	assertAmount(t, "0", e.PendingBalance, "pending")
	assertAmount(t, "0", e.AvailableBalance, "available")
	assertAmount(t, "2", e.LifetimeEarnings, "lifetime")
	assertAmount(t, "2", e.TotalWithdrawn, "withdrawn")

	rel, err := s.GetRelationship(ctx, "bob")
	require.NoError(t, err)
	assertAmount(t, "2", rel.TotalCommissionEarned, "relationship total")
}

func testReverseFloorsAtZero(t *testing.T, s commission.Storage) {
	w, ok := s.(EarningsWriter)
	if !ok {
		t.Skip("storage cannot overwrite earnings")
	}
	ctx := context.Background()
	activeReferral(t, s, "alice", "bob")
	record(t, s, "bob", "in_1", "5", t0)

	drifted := earnings(t, s, "alice")
	drifted.PendingBalance = decimal.RequireFromString("1")
	drifted.LifetimeEarnings = decimal.RequireFromString("1")
	require.NoError(t, w.PutEarnings(ctx, drifted))

	res, err := s.ReverseCommission(ctx, &commission.ReverseRequest{Keys: []string{"in_1"}, Now: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, commission.OutcomeApplied, res.Outcome)

	e := earnings(t, s, "alice")
	assertAmount(t, "0", e.PendingBalance, "pending")
	assertAmount(t, "0", e.LifetimeEarnings, "lifetime")
	assertAmount(t, "0", e.AvailableBalance, "available")
}

func testMature(t *testing.T, s commission.Storage) {
	ctx := context.Background()
	activeReferral(t, s, "alice", "bob")
	activeReferral(t, s, "carol", "dave")
	record(t, s, "bob", "in_1", "1", t0)
	record(t, s, "dave", "in_2", "2", t0.Add(time.Hour))
	record(t, s, "bob", "in_3", "4", t0.AddDate(0, 0, 10))

	due := t0.Add(30*24*time.Hour + time.Hour)
	matured, err := s.MatureCommissions(ctx, &commission.MatureRequest{Now: due, Limit: 1})
	require.NoError(t, err)
	require.Len(t, matured, 1)
	assert.Equal(t, "in_1", matured[0].ExternalID)
	assert.Equal(t, commission.EntryAvailable, matured[0].Status)

	matured, err = s.MatureCommissions(ctx, &commission.MatureRequest{Now: due, Limit: 10})
	require.NoError(t, err)
	require.Len(t, matured, 1)
	assert.Equal(t, "in_2", matured[0].ExternalID)

	matured, err = s.MatureCommissions(ctx, &commission.MatureRequest{Now: due, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, matured)

	e := earnings(t, s, "alice")
	assertAmount(t, "4", e.PendingBalance, "pending")
	assertAmount(t, "1", e.AvailableBalance, "available")
	assertAmount(t, "2", earnings(t, s, "carol").AvailableBalance, "other referrer")
}

func testCompleteExpired(t *testing.T, s commission.Storage) {
	ctx := context.Background()
	activeReferral(t, s, "alice", "bob")
	create(t, s, "alice", "carol")
	activeReferral(t, s, "alice", "erin")
	require.Equal(t, commission.OutcomeApplied, activate(t, s, "carol", "sub_carol", t0.AddDate(0, 6, 0)).Outcome)

	done, err := s.CompleteExpired(ctx, &commission.CompleteRequest{Now: t0.AddDate(0, 12, 1), Limit: 10})
	require.NoError(t, err)
	assert.Len(t, done, 2)
	for _, rel := range done {
		assert.Equal(t, commission.RelationshipCompleted, rel.Status)
	}
	assert.Equal(t, 1, earnings(t, s, "alice").ActiveReferralsCount)

	done, err = s.CompleteExpired(ctx, &commission.CompleteRequest{Now: t0.AddDate(0, 12, 1), Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, done)
}

func testWithdraw(t *testing.T, s commission.Storage) {
	ctx := context.Background()
	activeReferral(t, s, "alice", "bob")

	res, err := s.Withdraw(ctx, &commission.WithdrawRequest{WithdrawalID: "wd_empty", ReferrerID: "alice", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, commission.OutcomeEmpty, res.Outcome)

	record(t, s, "bob", "in_1", "2", t0)
	record(t, s, "bob", "in_2", "3", t0.Add(time.Hour))
	record(t, s, "bob", "in_3", "7", t0.AddDate(0, 1, 0))
	_, err = s.MatureCommissions(ctx, &commission.MatureRequest{Now: t0.AddDate(0, 0, 31), Limit: 10})
	require.NoError(t, err)

	res, err = s.Withdraw(ctx, &commission.WithdrawRequest{WithdrawalID: "wd_1", ReferrerID: "alice", Now: t0.AddDate(0, 0, 32)})
	require.NoError(t, err)
	require.Equal(t, commission.OutcomeApplied, res.Outcome)
	assertAmount(t, "5", res.Withdrawal.Amount, "withdrawal amount")
	assert.Equal(t, 2, res.Withdrawal.EntryCount)
	assert.Len(t, res.Entries, 2)

	replay, err := s.Withdraw(ctx, &commission.WithdrawRequest{WithdrawalID: "wd_1", ReferrerID: "alice", Now: t0.AddDate(0, 0, 40)})
	require.NoError(t, err)
	assert.Equal(t, commission.OutcomeDuplicate, replay.Outcome)
	assertAmount(t, "5", replay.Withdrawal.Amount, "replayed amount")

	_, err = s.Withdraw(ctx, &commission.WithdrawRequest{WithdrawalID: "wd_1", ReferrerID: "mallory", Now: t0.AddDate(0, 0, 40)})
	assert.True(t, errors.Is(err, commission.ErrWithdrawalConflict), "got %v", err)

	e := earnings(t, s, "alice")
	assertAmount(t, "0", e.AvailableBalance, "available")
	assertAmount(t, "7", e.PendingBalance, "pending")
	assertAmount(t, "5", e.TotalWithdrawn, "withdrawn")
	assertAmount(t, "12", e.LifetimeEarnings, "lifetime")
}

func testListEntries(t *testing.T, s commission.Storage) {
	ctx := context.Background()
	rel := activeReferral(t, s, "alice", "bob")
	activeReferral(t, s, "carol", "dave")
	record(t, s, "bob", "in_1", "1", t0)
	record(t, s, "bob", "in_2", "1", t0.AddDate(0, 1, 0))
	record(t, s, "dave", "in_3", "1", t0.AddDate(0, 1, 0))
	record(t, s, "bob", "in_4", "1", t0.AddDate(0, 2, 0))

	all, err := s.ListEntries(ctx, commission.EntryFilter{ReferrerID: "alice"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "in_4", all[0].ExternalID, "newest first")

	limited, err := s.ListEntries(ctx, commission.EntryFilter{RelationshipID: rel.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = s.MatureCommissions(ctx, &commission.MatureRequest{Now: t0.AddDate(0, 0, 31), Limit: 10})
	require.NoError(t, err)
	available, err := s.ListEntries(ctx, commission.EntryFilter{ReferrerID: "alice", Status: commission.EntryAvailable})
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, "in_1", available[0].ExternalID)
}

func testRebuildEarnings(t *testing.T, s commission.Storage) {
	ctx := context.Background()
	activeReferral(t, s, "alice", "bob")
	create(t, s, "alice", "carol")
	record(t, s, "bob", "in_1", "2", t0)
	record(t, s, "bob", "in_2", "3", t0.AddDate(0, 1, 0))
	_, err := s.MatureCommissions(ctx, &commission.MatureRequest{Now: t0.AddDate(0, 0, 31), Limit: 10})
	require.NoError(t, err)
	_, err = s.ReverseCommission(ctx, &commission.ReverseRequest{Keys: []string{"in_2"}, Now: t0.AddDate(0, 1, 1)})
	require.NoError(t, err)

	before := earnings(t, s, "alice")
	rebuilt, err := s.RebuildEarnings(ctx, "alice", t0.AddDate(0, 2, 0))
	require.NoError(t, err)

	assertAmount(t, before.PendingBalance.String(), rebuilt.PendingBalance, "pending")
	assertAmount(t, before.AvailableBalance.String(), rebuilt.AvailableBalance, "available")
	assertAmount(t, before.LifetimeEarnings.String(), rebuilt.LifetimeEarnings, "lifetime")
	assert.Equal(t, 1, rebuilt.ActiveReferralsCount)
	assert.Equal(t, 2, rebuilt.TotalReferralsCount)
}
