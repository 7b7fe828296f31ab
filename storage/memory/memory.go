// Package memory provides an in-memory implementation of the commission.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

// Storage implements commission.Storage using in-memory maps.
// A single mutex serialises writers, which gives every method the same
// atomicity a database transaction gives the Postgres backend.
type Storage struct {
	mu            sync.RWMutex
	relationships []*commission.Relationship
	entries       []*commission.Entry
	byExternalID  map[string]*commission.Entry
	earnings      map[string]*commission.Earnings
	withdrawals   map[string]*commission.Withdrawal
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		byExternalID: make(map[string]*commission.Entry),
		earnings:     make(map[string]*commission.Earnings),
		withdrawals:  make(map[string]*commission.Withdrawal),
	}
}

type earningsDelta struct {
	pending   decimal.Decimal
	available decimal.Decimal
	lifetime  decimal.Decimal
	withdrawn decimal.Decimal
	active    int
	total     int
}

// adjust applies delta to the referrer's row, creating it if needed.
// Balances and counters never go below zero.
func (s *Storage) adjust(userID string, d earningsDelta, now time.Time) {
	e, ok := s.earnings[userID]
	if !ok {
		e = &commission.Earnings{UserID: userID}
		s.earnings[userID] = e
	}
	e.PendingBalance = commission.FloorZero(e.PendingBalance.Add(d.pending))
	e.AvailableBalance = commission.FloorZero(e.AvailableBalance.Add(d.available))
	e.LifetimeEarnings = commission.FloorZero(e.LifetimeEarnings.Add(d.lifetime))
	e.TotalWithdrawn = commission.FloorZero(e.TotalWithdrawn.Add(d.withdrawn))
	e.ActiveReferralsCount = max(e.ActiveReferralsCount+d.active, 0)
	e.TotalReferralsCount = max(e.TotalReferralsCount+d.total, 0)
	e.UpdatedAt = now
}

// findRelationship prefers the referred user's open relationship, then their
// most recent one, then the most recent one carrying the subscription id.
func (s *Storage) findRelationship(referredUserID, subscriptionID string) *commission.Relationship {
	match := func(pred func(*commission.Relationship) bool) *commission.Relationship {
		var latest *commission.Relationship
		for i := len(s.relationships) - 1; i >= 0; i-- {
			r := s.relationships[i]
			if !pred(r) {
				continue
			}
			if r.Status.IsOpen() {
				return r
			}
			if latest == nil {
				latest = r
			}
		}
		return latest
	}

	if referredUserID != "" {
		if r := match(func(r *commission.Relationship) bool { return r.ReferredUserID == referredUserID }); r != nil {
			return r
		}
	}
	if subscriptionID != "" {
		return match(func(r *commission.Relationship) bool { return r.ExternalSubscriptionID == subscriptionID })
	}
	return nil
}

// CreateRelationship implements commission.Storage
func (s *Storage) CreateRelationship(ctx context.Context, req *commission.CreateRelationshipRequest) (*commission.Relationship, error) {
	if req == nil || req.ReferrerID == "" || req.ReferredUserID == "" {
		return nil, fmt.Errorf("invalid relationship request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.relationships {
		if r.ReferredUserID == req.ReferredUserID && r.Status.IsOpen() {
			return nil, commission.ErrRelationshipExists
		}
	}

	rel := &commission.Relationship{
		ID:             req.ID,
		ReferrerID:     req.ReferrerID,
		ReferredUserID: req.ReferredUserID,
		ReferralCodeID: req.ReferralCodeID,
		Status:         commission.RelationshipPending,
		CreatedAt:      req.Now,
		UpdatedAt:      req.Now,
	}
	s.relationships = append(s.relationships, rel)
	s.adjust(req.ReferrerID, earningsDelta{total: 1}, req.Now)

	return copyRelationship(rel), nil
}

// GetRelationship implements commission.Storage
func (s *Storage) GetRelationship(ctx context.Context, referredUserID string) (*commission.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rel := s.findRelationship(referredUserID, "")
	if rel == nil {
		return nil, commission.ErrRelationshipNotFound
	}
	return copyRelationship(rel), nil
}

// ActivateRelationship implements commission.Storage
func (s *Storage) ActivateRelationship(ctx context.Context, req *commission.ActivateRequest) (*commission.ActivateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel := s.findRelationship(req.ReferredUserID, req.SubscriptionID)
	if rel == nil {
		return &commission.ActivateResult{Outcome: commission.OutcomeNoRelationship}, nil
	}

	switch rel.Status {
	case commission.RelationshipActive:
		return &commission.ActivateResult{Outcome: commission.OutcomeDuplicate, Relationship: copyRelationship(rel)}, nil
	case commission.RelationshipPending:
	default:
		return &commission.ActivateResult{Outcome: commission.OutcomeInvalidState, Relationship: copyRelationship(rel)}, nil
	}

	start, end := req.Now, req.WindowEnd
	rel.Status = commission.RelationshipActive
	rel.SubscriptionStartDate = &start
	rel.CommissionEndDate = &end
	rel.Provider = req.Provider
	if req.SubscriptionID != "" {
		rel.ExternalSubscriptionID = req.SubscriptionID
	}
	if req.CustomerID != "" {
		rel.ExternalCustomerID = req.CustomerID
	}
	rel.UpdatedAt = req.Now
	s.adjust(rel.ReferrerID, earningsDelta{active: 1}, req.Now)

	return &commission.ActivateResult{Outcome: commission.OutcomeApplied, Relationship: copyRelationship(rel)}, nil
}

// RecordCommission implements commission.Storage
func (s *Storage) RecordCommission(ctx context.Context, req *commission.RecordRequest) (*commission.RecordResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byExternalID[req.ExternalID]; ok {
		return &commission.RecordResult{Outcome: commission.OutcomeDuplicate, Entry: copyEntry(existing)}, nil
	}

	rel := s.findRelationship(req.ReferredUserID, req.SubscriptionID)
	if rel == nil {
		return &commission.RecordResult{Outcome: commission.OutcomeNoRelationship}, nil
	}
	if rel.Status != commission.RelationshipActive {
		return &commission.RecordResult{Outcome: commission.OutcomeInvalidState, Relationship: copyRelationship(rel)}, nil
	}
	if !rel.InWindow(req.Now) {
		rel.Status = commission.RelationshipCompleted
		rel.UpdatedAt = req.Now
		s.adjust(rel.ReferrerID, earningsDelta{active: -1}, req.Now)
		return &commission.RecordResult{Outcome: commission.OutcomeWindowClosed, Relationship: copyRelationship(rel)}, nil
	}
	if req.MaxPayments > 0 && rel.TotalPaymentsCount >= req.MaxPayments {
		return &commission.RecordResult{Outcome: commission.OutcomePaymentCap, Relationship: copyRelationship(rel)}, nil
	}

	entry := &commission.Entry{
		ID:                 req.EntryID,
		RelationshipID:     rel.ID,
		ReferrerID:         rel.ReferrerID,
		ReferredUserID:     rel.ReferredUserID,
		ExternalID:         req.ExternalID,
		PaymentRef:         req.PaymentRef,
		SubscriptionAmount: req.Amount,
		CommissionAmount:   req.Commission,
		Currency:           req.Currency,
		PaymentNumber:      rel.TotalPaymentsCount + 1,
		Status:             commission.EntryPending,
		BecomesAvailableAt: req.AvailableAt,
		CreatedAt:          req.Now,
		UpdatedAt:          req.Now,
	}
	s.entries = append(s.entries, entry)
	s.byExternalID[entry.ExternalID] = entry

	rel.TotalPaymentsCount++
	rel.TotalCommissionEarned = rel.TotalCommissionEarned.Add(req.Commission)
	rel.UpdatedAt = req.Now
	s.adjust(rel.ReferrerID, earningsDelta{pending: req.Commission, lifetime: req.Commission}, req.Now)

	return &commission.RecordResult{
		Outcome:      commission.OutcomeApplied,
		Entry:        copyEntry(entry),
		Relationship: copyRelationship(rel),
	}, nil
}

// CancelRelationship implements commission.Storage
func (s *Storage) CancelRelationship(ctx context.Context, req *commission.CancelRequest) (*commission.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel := s.findRelationship(req.ReferredUserID, req.SubscriptionID)
	if rel == nil {
		return &commission.CancelResult{Outcome: commission.OutcomeNoRelationship}, nil
	}
	if req.SubscriptionID != "" && rel.ExternalSubscriptionID != "" && rel.ExternalSubscriptionID != req.SubscriptionID {
		return &commission.CancelResult{Outcome: commission.OutcomeNoRelationship, Relationship: copyRelationship(rel)}, nil
	}

	switch rel.Status {
	case commission.RelationshipCancelled:
		return &commission.CancelResult{Outcome: commission.OutcomeDuplicate, Relationship: copyRelationship(rel)}, nil
	case commission.RelationshipActive:
	default:
		return &commission.CancelResult{Outcome: commission.OutcomeInvalidState, Relationship: copyRelationship(rel)}, nil
	}

	reversed := decimal.Zero
	var cancelled []*commission.Entry
	for _, e := range s.entries {
		if e.RelationshipID != rel.ID || e.Status != commission.EntryPending {
			continue
		}
		e.Status = commission.EntryCancelled
		e.UpdatedAt = req.Now
		reversed = reversed.Add(e.CommissionAmount)
		cancelled = append(cancelled, copyEntry(e))
	}

	rel.Status = commission.RelationshipCancelled
	rel.TotalCommissionEarned = commission.FloorZero(rel.TotalCommissionEarned.Sub(reversed))
	rel.UpdatedAt = req.Now
	s.adjust(rel.ReferrerID, earningsDelta{
		pending:  reversed.Neg(),
		lifetime: reversed.Neg(),
		active:   -1,
	}, req.Now)

	return &commission.CancelResult{
		Outcome:          commission.OutcomeApplied,
		Relationship:     copyRelationship(rel),
		CancelledEntries: cancelled,
		ReversedAmount:   reversed,
	}, nil
}

// ReverseCommission implements commission.Storage
func (s *Storage) ReverseCommission(ctx context.Context, req *commission.ReverseRequest) (*commission.ReverseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.findEntry(req.Keys)
	if entry == nil {
		return &commission.ReverseResult{Outcome: commission.OutcomeNotFound}, nil
	}

	prev := entry.Status
	var delta earningsDelta
	switch prev {
	case commission.EntryCancelled:
		return &commission.ReverseResult{Outcome: commission.OutcomeDuplicate, Entry: copyEntry(entry), PreviousStatus: prev}, nil
	case commission.EntryWithdrawn:
		return &commission.ReverseResult{Outcome: commission.OutcomeWithdrawn, Entry: copyEntry(entry), PreviousStatus: prev}, nil
	case commission.EntryPending:
		delta = earningsDelta{pending: entry.CommissionAmount.Neg(), lifetime: entry.CommissionAmount.Neg()}
	case commission.EntryAvailable:
		delta = earningsDelta{available: entry.CommissionAmount.Neg(), lifetime: entry.CommissionAmount.Neg()}
	}

	entry.Status = commission.EntryCancelled
	entry.UpdatedAt = req.Now
	for _, r := range s.relationships {
		if r.ID == entry.RelationshipID {
			r.TotalCommissionEarned = commission.FloorZero(r.TotalCommissionEarned.Sub(entry.CommissionAmount))
			r.UpdatedAt = req.Now
			break
		}
	}
	s.adjust(entry.ReferrerID, delta, req.Now)

	return &commission.ReverseResult{Outcome: commission.OutcomeApplied, Entry: copyEntry(entry), PreviousStatus: prev}, nil
}

// findEntry matches keys against external ids first, then payment refs
func (s *Storage) findEntry(keys []string) *commission.Entry {
	for _, k := range keys {
		if e, ok := s.byExternalID[k]; ok {
			return e
		}
	}
	for _, k := range keys {
		for _, e := range s.entries {
			if e.PaymentRef != "" && e.PaymentRef == k {
				return e
			}
		}
	}
	return nil
}

// MatureCommissions implements commission.Storage
func (s *Storage) MatureCommissions(ctx context.Context, req *commission.MatureRequest) ([]*commission.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*commission.Entry
	for _, e := range s.entries {
		if e.Status == commission.EntryPending && !e.BecomesAvailableAt.After(req.Now) {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].BecomesAvailableAt.Before(due[j].BecomesAvailableAt)
	})
	if req.Limit > 0 && len(due) > req.Limit {
		due = due[:req.Limit]
	}

	matured := make([]*commission.Entry, 0, len(due))
	for _, e := range due {
		e.Status = commission.EntryAvailable
		e.UpdatedAt = req.Now
		s.adjust(e.ReferrerID, earningsDelta{
			pending:   e.CommissionAmount.Neg(),
			available: e.CommissionAmount,
		}, req.Now)
		matured = append(matured, copyEntry(e))
	}
	return matured, nil
}

// CompleteExpired implements commission.Storage
func (s *Storage) CompleteExpired(ctx context.Context, req *commission.CompleteRequest) ([]*commission.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completed []*commission.Relationship
	for _, r := range s.relationships {
		if req.Limit > 0 && len(completed) >= req.Limit {
			break
		}
		if r.Status != commission.RelationshipActive || r.InWindow(req.Now) {
			continue
		}
		r.Status = commission.RelationshipCompleted
		r.UpdatedAt = req.Now
		s.adjust(r.ReferrerID, earningsDelta{active: -1}, req.Now)
		completed = append(completed, copyRelationship(r))
	}
	return completed, nil
}

// Withdraw implements commission.Storage
func (s *Storage) Withdraw(ctx context.Context, req *commission.WithdrawRequest) (*commission.WithdrawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.withdrawals[req.WithdrawalID]; ok {
		if w.ReferrerID != req.ReferrerID {
			return nil, commission.ErrWithdrawalConflict
		}
		var entries []*commission.Entry
		for _, e := range s.entries {
			if e.WithdrawalID == w.ID {
				entries = append(entries, copyEntry(e))
			}
		}
		wCopy := *w
		return &commission.WithdrawResult{Outcome: commission.OutcomeDuplicate, Withdrawal: &wCopy, Entries: entries}, nil
	}

	total := decimal.Zero
	var paid []*commission.Entry
	for _, e := range s.entries {
		if e.ReferrerID != req.ReferrerID || e.Status != commission.EntryAvailable {
			continue
		}
		e.Status = commission.EntryWithdrawn
		e.WithdrawalID = req.WithdrawalID
		e.UpdatedAt = req.Now
		total = total.Add(e.CommissionAmount)
		paid = append(paid, copyEntry(e))
	}
	if len(paid) == 0 {
		return &commission.WithdrawResult{Outcome: commission.OutcomeEmpty}, nil
	}

	w := &commission.Withdrawal{
		ID:         req.WithdrawalID,
		ReferrerID: req.ReferrerID,
		Amount:     total,
		EntryCount: len(paid),
		CreatedAt:  req.Now,
	}
	s.withdrawals[w.ID] = w
	s.adjust(req.ReferrerID, earningsDelta{available: total.Neg(), withdrawn: total}, req.Now)

	wCopy := *w
	return &commission.WithdrawResult{Outcome: commission.OutcomeApplied, Withdrawal: &wCopy, Entries: paid}, nil
}

// GetEarnings implements commission.Storage
func (s *Storage) GetEarnings(ctx context.Context, userID string) (*commission.Earnings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.earnings[userID]
	if !ok {
		return nil, commission.ErrEarningsNotFound
	}
	eCopy := *e
	return &eCopy, nil
}

// ListEntries implements commission.Storage
func (s *Storage) ListEntries(ctx context.Context, filter commission.EntryFilter) ([]*commission.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*commission.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if filter.ReferrerID != "" && e.ReferrerID != filter.ReferrerID {
			continue
		}
		if filter.RelationshipID != "" && e.RelationshipID != filter.RelationshipID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, copyEntry(e))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// RebuildEarnings implements commission.Storage
func (s *Storage) RebuildEarnings(ctx context.Context, userID string, now time.Time) (*commission.Earnings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := commission.FoldEarnings(userID, s.entries, s.relationships, now)
	s.earnings[userID] = e
	eCopy := *e
	return &eCopy, nil
}

// PutEarnings overwrites the cached earnings row without touching entries
func (s *Storage) PutEarnings(ctx context.Context, e *commission.Earnings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eCopy := *e
	s.earnings[e.UserID] = &eCopy
	return nil
}

func copyRelationship(r *commission.Relationship) *commission.Relationship {
	rCopy := *r
	return &rCopy
}

func copyEntry(e *commission.Entry) *commission.Entry {
	eCopy := *e
	return &eCopy
}
