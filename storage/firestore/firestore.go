// Package firestore provides a Firestore implementation of the commission.Storage interface.
//
// Every mutating method runs in one Firestore transaction. Firestore has no
// unique indexes, so uniqueness is carried by document ids: commission entries
// are keyed by their provider external id, withdrawals by their withdrawal id,
// and an "open" marker document keyed by the referred user exists while that
// user has a pending or active relationship.
//
// Production deployments need composite indexes for:
//   - commissions: status ASC, becomesAvailableAt ASC
//   - commissions: referrerId ASC, status ASC, createdAt DESC
//   - commissions: relationshipId ASC, createdAt DESC
//   - relationships: status ASC, commissionEndDate ASC
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

var _ commission.Storage = (*Storage)(nil)

// maxTxAttempts bounds transaction retries under contention
const maxTxAttempts = 20

// Storage implements commission.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	relationshipsCollection string
	openCollection          string
	commissionsCollection   string
	earningsCollection      string
	withdrawalsCollection   string
}

// Config holds Firestore storage configuration
type Config struct {
	// RelationshipsCollection holds one document per relationship, keyed by relationship id
	// Default: "referral_relationships"
	RelationshipsCollection string

	// OpenCollection holds the open-relationship marker per referred user
	// Default: "referral_open"
	OpenCollection string

	// CommissionsCollection holds commission entries keyed by external id
	// Default: "referral_commissions"
	CommissionsCollection string

	// EarningsCollection holds the per-referrer balance rows
	// Default: "referrer_earnings"
	EarningsCollection string

	// WithdrawalsCollection holds withdrawals keyed by withdrawal id
	// Default: "referral_withdrawals"
	WithdrawalsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.RelationshipsCollection == "" {
		config.RelationshipsCollection = "referral_relationships"
	}
	if config.OpenCollection == "" {
		config.OpenCollection = "referral_open"
	}
	if config.CommissionsCollection == "" {
		config.CommissionsCollection = "referral_commissions"
	}
	if config.EarningsCollection == "" {
		config.EarningsCollection = "referrer_earnings"
	}
	if config.WithdrawalsCollection == "" {
		config.WithdrawalsCollection = "referral_withdrawals"
	}

	return &Storage{
		client:                  client,
		relationshipsCollection: config.RelationshipsCollection,
		openCollection:          config.OpenCollection,
		commissionsCollection:   config.CommissionsCollection,
		earningsCollection:      config.EarningsCollection,
		withdrawalsCollection:   config.WithdrawalsCollection,
	}, nil
}

// Ping checks that Firestore answers a trivial query
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.earningsCollection).Limit(1).Documents(ctx).GetAll()
	return err
}

func (s *Storage) relationships() *firestore.CollectionRef {
	return s.client.Collection(s.relationshipsCollection)
}

func (s *Storage) commissions() *firestore.CollectionRef {
	return s.client.Collection(s.commissionsCollection)
}

func (s *Storage) openRef(referredUserID string) *firestore.DocumentRef {
	return s.client.Collection(s.openCollection).Doc(docID(referredUserID))
}

func (s *Storage) entryRef(externalID string) *firestore.DocumentRef {
	return s.commissions().Doc(docID(externalID))
}

func (s *Storage) earningsRef(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.earningsCollection).Doc(docID(userID))
}

func (s *Storage) withdrawalRef(withdrawalID string) *firestore.DocumentRef {
	return s.client.Collection(s.withdrawalsCollection).Doc(docID(withdrawalID))
}

// run executes fn in a read-write transaction with fresh per-attempt state
func (s *Storage) run(ctx context.Context, fn func(t *txn) error) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return fn(&txn{s: s, tx: tx, earnings: make(map[string]*commission.Earnings)})
	}, firestore.MaxAttempts(maxTxAttempts))
}

// CreateRelationship implements commission.Storage
func (s *Storage) CreateRelationship(ctx context.Context, req *commission.CreateRelationshipRequest) (*commission.Relationship, error) {
	if req == nil || req.ReferrerID == "" || req.ReferredUserID == "" {
		return nil, fmt.Errorf("invalid relationship request")
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

	err := s.run(ctx, func(t *txn) error {
		open, err := t.get(s.openRef(req.ReferredUserID))
		if err != nil {
			return err
		}
		if open != nil {
			return commission.ErrRelationshipExists
		}
		if err := t.loadEarnings(req.ReferrerID); err != nil {
			return err
		}

		if err := t.tx.Create(s.relationships().Doc(rel.ID), relationshipData(rel)); err != nil {
			return err
		}
		if err := t.markOpen(rel); err != nil {
			return err
		}
		t.adjust(req.ReferrerID, earningsDelta{total: 1}, req.Now)
		return t.flush()
	})
	if errors.Is(err, commission.ErrRelationshipExists) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create relationship: %w", err)
	}
	return rel, nil
}

// GetRelationship implements commission.Storage
func (s *Storage) GetRelationship(ctx context.Context, referredUserID string) (*commission.Relationship, error) {
	var rel *commission.Relationship
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		t := &txn{s: s, tx: tx}
		var err error
		rel, err = t.findRelationship(referredUserID, "")
		return err
	}, firestore.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	if rel == nil {
		return nil, commission.ErrRelationshipNotFound
	}
	return rel, nil
}

// ActivateRelationship implements commission.Storage
func (s *Storage) ActivateRelationship(ctx context.Context, req *commission.ActivateRequest) (*commission.ActivateResult, error) {
	var res *commission.ActivateResult
	err := s.run(ctx, func(t *txn) error {
		rel, err := t.findRelationship(req.ReferredUserID, req.SubscriptionID)
		if err != nil {
			return err
		}
		if rel == nil {
			res = &commission.ActivateResult{Outcome: commission.OutcomeNoRelationship}
			return nil
		}

		switch rel.Status {
		case commission.RelationshipActive:
			res = &commission.ActivateResult{Outcome: commission.OutcomeDuplicate, Relationship: rel}
			return nil
		case commission.RelationshipPending:
		default:
			res = &commission.ActivateResult{Outcome: commission.OutcomeInvalidState, Relationship: rel}
			return nil
		}
		if err := t.loadEarnings(rel.ReferrerID); err != nil {
			return err
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

		if err := t.saveRelationship(rel); err != nil {
			return err
		}
		t.adjust(rel.ReferrerID, earningsDelta{active: 1}, req.Now)
		res = &commission.ActivateResult{Outcome: commission.OutcomeApplied, Relationship: rel}
		return t.flush()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to activate relationship: %w", err)
	}
	return res, nil
}

// RecordCommission implements commission.Storage
func (s *Storage) RecordCommission(ctx context.Context, req *commission.RecordRequest) (*commission.RecordResult, error) {
	var res *commission.RecordResult
	err := s.run(ctx, func(t *txn) error {
		ref := s.entryRef(req.ExternalID)
		existing, err := t.get(ref)
		if err != nil {
			return err
		}
		if existing != nil {
			res = &commission.RecordResult{Outcome: commission.OutcomeDuplicate, Entry: entryFromData(existing)}
			return nil
		}

		rel, err := t.findRelationship(req.ReferredUserID, req.SubscriptionID)
		if err != nil {
			return err
		}
		if rel == nil {
			res = &commission.RecordResult{Outcome: commission.OutcomeNoRelationship}
			return nil
		}
		if rel.Status != commission.RelationshipActive {
			res = &commission.RecordResult{Outcome: commission.OutcomeInvalidState, Relationship: rel}
			return nil
		}
		if err := t.loadEarnings(rel.ReferrerID); err != nil {
			return err
		}

		if !rel.InWindow(req.Now) {
			if err := t.complete(rel, req.Now); err != nil {
				return err
			}
			res = &commission.RecordResult{Outcome: commission.OutcomeWindowClosed, Relationship: rel}
			return t.flush()
		}
		if req.MaxPayments > 0 && rel.TotalPaymentsCount >= req.MaxPayments {
			res = &commission.RecordResult{Outcome: commission.OutcomePaymentCap, Relationship: rel}
			return nil
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
		if err := t.tx.Create(ref, entryData(entry)); err != nil {
			return err
		}

		rel.TotalPaymentsCount++
		rel.TotalCommissionEarned = rel.TotalCommissionEarned.Add(req.Commission)
		rel.UpdatedAt = req.Now
		if err := t.saveRelationship(rel); err != nil {
			return err
		}
		t.adjust(rel.ReferrerID, earningsDelta{pending: req.Commission, lifetime: req.Commission}, req.Now)

		res = &commission.RecordResult{Outcome: commission.OutcomeApplied, Entry: entry, Relationship: rel}
		return t.flush()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record commission: %w", err)
	}
	return res, nil
}

// CancelRelationship implements commission.Storage
func (s *Storage) CancelRelationship(ctx context.Context, req *commission.CancelRequest) (*commission.CancelResult, error) {
	var res *commission.CancelResult
	err := s.run(ctx, func(t *txn) error {
		rel, err := t.findRelationship(req.ReferredUserID, req.SubscriptionID)
		if err != nil {
			return err
		}
		if rel == nil {
			res = &commission.CancelResult{Outcome: commission.OutcomeNoRelationship}
			return nil
		}
		if req.SubscriptionID != "" && rel.ExternalSubscriptionID != "" && rel.ExternalSubscriptionID != req.SubscriptionID {
			res = &commission.CancelResult{Outcome: commission.OutcomeNoRelationship, Relationship: rel}
			return nil
		}

		switch rel.Status {
		case commission.RelationshipCancelled:
			res = &commission.CancelResult{Outcome: commission.OutcomeDuplicate, Relationship: rel}
			return nil
		case commission.RelationshipActive:
		default:
			res = &commission.CancelResult{Outcome: commission.OutcomeInvalidState, Relationship: rel}
			return nil
		}

		snaps, err := t.tx.Documents(s.commissions().
			Where("relationshipId", "==", rel.ID).
			Where("status", "==", string(commission.EntryPending))).GetAll()
		if err != nil {
			return err
		}
		if err := t.loadEarnings(rel.ReferrerID); err != nil {
			return err
		}

		reversed := decimal.Zero
		cancelled := make([]*commission.Entry, 0, len(snaps))
		for _, snap := range snaps {
			e := entryFromData(snap.Data())
			e.Status = commission.EntryCancelled
			e.UpdatedAt = req.Now
			if err := t.tx.Set(snap.Ref, entryData(e)); err != nil {
				return err
			}
			reversed = reversed.Add(e.CommissionAmount)
			cancelled = append(cancelled, e)
		}
		sortByCreated(cancelled)

		rel.Status = commission.RelationshipCancelled
		rel.TotalCommissionEarned = commission.FloorZero(rel.TotalCommissionEarned.Sub(reversed))
		rel.UpdatedAt = req.Now
		if err := t.saveRelationship(rel); err != nil {
			return err
		}
		if err := t.tx.Delete(s.openRef(rel.ReferredUserID)); err != nil {
			return err
		}
		t.adjust(rel.ReferrerID, earningsDelta{
			pending:  reversed.Neg(),
			lifetime: reversed.Neg(),
			active:   -1,
		}, req.Now)

		res = &commission.CancelResult{
			Outcome:          commission.OutcomeApplied,
			Relationship:     rel,
			CancelledEntries: cancelled,
			ReversedAmount:   reversed,
		}
		return t.flush()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel relationship: %w", err)
	}
	return res, nil
}

// ReverseCommission implements commission.Storage
func (s *Storage) ReverseCommission(ctx context.Context, req *commission.ReverseRequest) (*commission.ReverseResult, error) {
	var res *commission.ReverseResult
	err := s.run(ctx, func(t *txn) error {
		ref, entry, err := t.findEntry(req.Keys)
		if err != nil {
			return err
		}
		if entry == nil {
			res = &commission.ReverseResult{Outcome: commission.OutcomeNotFound}
			return nil
		}

		prev := entry.Status
		var delta earningsDelta
		switch prev {
		case commission.EntryCancelled:
			res = &commission.ReverseResult{Outcome: commission.OutcomeDuplicate, Entry: entry, PreviousStatus: prev}
			return nil
		case commission.EntryWithdrawn:
			res = &commission.ReverseResult{Outcome: commission.OutcomeWithdrawn, Entry: entry, PreviousStatus: prev}
			return nil
		case commission.EntryPending:
			delta = earningsDelta{pending: entry.CommissionAmount.Neg(), lifetime: entry.CommissionAmount.Neg()}
		case commission.EntryAvailable:
			delta = earningsDelta{available: entry.CommissionAmount.Neg(), lifetime: entry.CommissionAmount.Neg()}
		}

		rel, err := t.relationship(entry.RelationshipID)
		if err != nil {
			return err
		}
		if err := t.loadEarnings(entry.ReferrerID); err != nil {
			return err
		}

		entry.Status = commission.EntryCancelled
		entry.UpdatedAt = req.Now
		if err := t.tx.Set(ref, entryData(entry)); err != nil {
			return err
		}
		if rel != nil {
			rel.TotalCommissionEarned = commission.FloorZero(rel.TotalCommissionEarned.Sub(entry.CommissionAmount))
			rel.UpdatedAt = req.Now
			if err := t.saveRelationship(rel); err != nil {
				return err
			}
		}
		t.adjust(entry.ReferrerID, delta, req.Now)

		res = &commission.ReverseResult{Outcome: commission.OutcomeApplied, Entry: entry, PreviousStatus: prev}
		return t.flush()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reverse commission: %w", err)
	}
	return res, nil
}

// MatureCommissions implements commission.Storage
func (s *Storage) MatureCommissions(ctx context.Context, req *commission.MatureRequest) ([]*commission.Entry, error) {
	var matured []*commission.Entry
	err := s.run(ctx, func(t *txn) error {
		q := s.commissions().
			Where("status", "==", string(commission.EntryPending)).
			Where("becomesAvailableAt", "<=", req.Now).
			OrderBy("becomesAvailableAt", firestore.Asc)
		if req.Limit > 0 {
			q = q.Limit(req.Limit)
		}
		snaps, err := t.tx.Documents(q).GetAll()
		if err != nil {
			return err
		}

		entries := make([]*commission.Entry, 0, len(snaps))
		for _, snap := range snaps {
			e := entryFromData(snap.Data())
			if err := t.loadEarnings(e.ReferrerID); err != nil {
				return err
			}
			entries = append(entries, e)
		}

		for i, e := range entries {
			e.Status = commission.EntryAvailable
			e.UpdatedAt = req.Now
			if err := t.tx.Set(snaps[i].Ref, entryData(e)); err != nil {
				return err
			}
			t.adjust(e.ReferrerID, earningsDelta{
				pending:   e.CommissionAmount.Neg(),
				available: e.CommissionAmount,
			}, req.Now)
		}
		matured = entries
		return t.flush()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mature commissions: %w", err)
	}
	return matured, nil
}

// CompleteExpired implements commission.Storage
func (s *Storage) CompleteExpired(ctx context.Context, req *commission.CompleteRequest) ([]*commission.Relationship, error) {
	var completed []*commission.Relationship
	err := s.run(ctx, func(t *txn) error {
		q := s.relationships().
			Where("status", "==", string(commission.RelationshipActive)).
			Where("commissionEndDate", "<", req.Now).
			OrderBy("commissionEndDate", firestore.Asc)
		if req.Limit > 0 {
			q = q.Limit(req.Limit)
		}
		snaps, err := t.tx.Documents(q).GetAll()
		if err != nil {
			return err
		}

		rels := make([]*commission.Relationship, 0, len(snaps))
		for _, snap := range snaps {
			rel := relationshipFromSnap(snap)
			if err := t.loadEarnings(rel.ReferrerID); err != nil {
				return err
			}
			rels = append(rels, rel)
		}
		for _, rel := range rels {
			if err := t.complete(rel, req.Now); err != nil {
				return err
			}
		}
		completed = rels
		return t.flush()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete relationships: %w", err)
	}
	return completed, nil
}

// Withdraw implements commission.Storage
func (s *Storage) Withdraw(ctx context.Context, req *commission.WithdrawRequest) (*commission.WithdrawResult, error) {
	var res *commission.WithdrawResult
	err := s.run(ctx, func(t *txn) error {
		ref := s.withdrawalRef(req.WithdrawalID)
		data, err := t.get(ref)
		if err != nil {
			return err
		}
		if data != nil {
			w := withdrawalFromData(data)
			if w.ReferrerID != req.ReferrerID {
				return commission.ErrWithdrawalConflict
			}
			snaps, err := t.tx.Documents(s.commissions().Where("withdrawalId", "==", w.ID)).GetAll()
			if err != nil {
				return err
			}
			entries := entriesFromSnaps(snaps)
			sortByCreated(entries)
			res = &commission.WithdrawResult{Outcome: commission.OutcomeDuplicate, Withdrawal: w, Entries: entries}
			return nil
		}

		snaps, err := t.tx.Documents(s.commissions().
			Where("referrerId", "==", req.ReferrerID).
			Where("status", "==", string(commission.EntryAvailable))).GetAll()
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			res = &commission.WithdrawResult{Outcome: commission.OutcomeEmpty}
			return nil
		}
		if err := t.loadEarnings(req.ReferrerID); err != nil {
			return err
		}

		total := decimal.Zero
		paid := make([]*commission.Entry, 0, len(snaps))
		for _, snap := range snaps {
			e := entryFromData(snap.Data())
			e.Status = commission.EntryWithdrawn
			e.WithdrawalID = req.WithdrawalID
			e.UpdatedAt = req.Now
			if err := t.tx.Set(snap.Ref, entryData(e)); err != nil {
				return err
			}
			total = total.Add(e.CommissionAmount)
			paid = append(paid, e)
		}
		sortByCreated(paid)

		w := &commission.Withdrawal{
			ID:         req.WithdrawalID,
			ReferrerID: req.ReferrerID,
			Amount:     total,
			EntryCount: len(paid),
			CreatedAt:  req.Now,
		}
		if err := t.tx.Create(ref, withdrawalData(w)); err != nil {
			return err
		}
		t.adjust(req.ReferrerID, earningsDelta{available: total.Neg(), withdrawn: total}, req.Now)

		res = &commission.WithdrawResult{Outcome: commission.OutcomeApplied, Withdrawal: w, Entries: paid}
		return t.flush()
	})
	if errors.Is(err, commission.ErrWithdrawalConflict) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to withdraw: %w", err)
	}
	return res, nil
}

// GetEarnings implements commission.Storage
func (s *Storage) GetEarnings(ctx context.Context, userID string) (*commission.Earnings, error) {
	snap, err := s.earningsRef(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, commission.ErrEarningsNotFound
		}
		return nil, fmt.Errorf("failed to get earnings: %w", err)
	}
	if !snap.Exists() {
		return nil, commission.ErrEarningsNotFound
	}
	return earningsFromData(userID, snap.Data()), nil
}

// ListEntries implements commission.Storage
func (s *Storage) ListEntries(ctx context.Context, filter commission.EntryFilter) ([]*commission.Entry, error) {
	q := s.commissions().Query
	if filter.ReferrerID != "" {
		q = q.Where("referrerId", "==", filter.ReferrerID)
	}
	if filter.RelationshipID != "" {
		q = q.Where("relationshipId", "==", filter.RelationshipID)
	}
	if filter.Status != "" {
		q = q.Where("status", "==", string(filter.Status))
	}
	q = q.OrderBy("createdAt", firestore.Desc)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entriesFromSnaps(snaps), nil
}

// RebuildEarnings implements commission.Storage
func (s *Storage) RebuildEarnings(ctx context.Context, userID string, now time.Time) (*commission.Earnings, error) {
	var rebuilt *commission.Earnings
	err := s.run(ctx, func(t *txn) error {
		entrySnaps, err := t.tx.Documents(s.commissions().Where("referrerId", "==", userID)).GetAll()
		if err != nil {
			return err
		}
		relSnaps, err := t.tx.Documents(s.relationships().Where("referrerId", "==", userID)).GetAll()
		if err != nil {
			return err
		}
		rels := make([]*commission.Relationship, 0, len(relSnaps))
		for _, snap := range relSnaps {
			rels = append(rels, relationshipFromSnap(snap))
		}

		rebuilt = commission.FoldEarnings(userID, entriesFromSnaps(entrySnaps), rels, now)
		return t.tx.Set(s.earningsRef(userID), earningsData(rebuilt))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild earnings: %w", err)
	}
	return rebuilt, nil
}

// PutEarnings overwrites the cached earnings row without touching entries
func (s *Storage) PutEarnings(ctx context.Context, e *commission.Earnings) error {
	if _, err := s.earningsRef(e.UserID).Set(ctx, earningsData(e)); err != nil {
		return fmt.Errorf("failed to put earnings: %w", err)
	}
	return nil
}

// txn carries one transaction attempt. Firestore requires every read to
// precede every write, so earnings rows are loaded up front, adjusted in
// memory and written by flush.
type txn struct {
	s        *Storage
	tx       *firestore.Transaction
	earnings map[string]*commission.Earnings
	order    []string
}

// get returns the document data, or nil if the document does not exist
func (t *txn) get(ref *firestore.DocumentRef) (map[string]interface{}, error) {
	snap, err := t.tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	return snap.Data(), nil
}

func (t *txn) relationship(id string) (*commission.Relationship, error) {
	if id == "" {
		return nil, nil
	}
	snap, err := t.tx.Get(t.s.relationships().Doc(id))
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	return relationshipFromSnap(snap), nil
}

// findRelationship prefers the referred user's open relationship, then their
// most recent one, then the most recent one carrying the subscription id.
func (t *txn) findRelationship(referredUserID, subscriptionID string) (*commission.Relationship, error) {
	if referredUserID != "" {
		open, err := t.get(t.s.openRef(referredUserID))
		if err != nil {
			return nil, err
		}
		if open != nil {
			rel, err := t.relationship(getString(open, "relationshipId"))
			if err != nil || rel != nil {
				return rel, err
			}
		}
		rel, err := t.latest(t.s.relationships().Where("referredUserId", "==", referredUserID))
		if err != nil || rel != nil {
			return rel, err
		}
	}
	if subscriptionID != "" {
		return t.latest(t.s.relationships().Where("externalSubscriptionId", "==", subscriptionID))
	}
	return nil, nil
}

// latest returns an open relationship among the results, else the most recent one
func (t *txn) latest(q firestore.Query) (*commission.Relationship, error) {
	snaps, err := t.tx.Documents(q).GetAll()
	if err != nil {
		return nil, err
	}
	var best *commission.Relationship
	for _, snap := range snaps {
		rel := relationshipFromSnap(snap)
		if rel.Status.IsOpen() {
			return rel, nil
		}
		if best == nil || rel.CreatedAt.After(best.CreatedAt) {
			best = rel
		}
	}
	return best, nil
}

// findEntry matches keys against external ids first, then payment refs
func (t *txn) findEntry(keys []string) (*firestore.DocumentRef, *commission.Entry, error) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		ref := t.s.entryRef(k)
		data, err := t.get(ref)
		if err != nil {
			return nil, nil, err
		}
		if data != nil {
			return ref, entryFromData(data), nil
		}
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		snaps, err := t.tx.Documents(t.s.commissions().Where("paymentRef", "==", k).Limit(1)).GetAll()
		if err != nil {
			return nil, nil, err
		}
		if len(snaps) > 0 {
			return snaps[0].Ref, entryFromData(snaps[0].Data()), nil
		}
	}
	return nil, nil, nil
}

func (t *txn) saveRelationship(rel *commission.Relationship) error {
	return t.tx.Set(t.s.relationships().Doc(rel.ID), relationshipData(rel))
}

func (t *txn) markOpen(rel *commission.Relationship) error {
	return t.tx.Set(t.s.openRef(rel.ReferredUserID), map[string]interface{}{
		"relationshipId": rel.ID,
		"referrerId":     rel.ReferrerID,
		"createdAt":      rel.CreatedAt,
	})
}

// complete closes an active relationship whose window has elapsed.
// The referrer's earnings must already be loaded.
func (t *txn) complete(rel *commission.Relationship, now time.Time) error {
	rel.Status = commission.RelationshipCompleted
	rel.UpdatedAt = now
	if err := t.saveRelationship(rel); err != nil {
		return err
	}
	if err := t.tx.Delete(t.s.openRef(rel.ReferredUserID)); err != nil {
		return err
	}
	t.adjust(rel.ReferrerID, earningsDelta{active: -1}, now)
	return nil
}

func (t *txn) loadEarnings(userIDs ...string) error {
	for _, id := range userIDs {
		if _, ok := t.earnings[id]; ok {
			continue
		}
		data, err := t.get(t.s.earningsRef(id))
		if err != nil {
			return err
		}
		e := &commission.Earnings{UserID: id}
		if data != nil {
			e = earningsFromData(id, data)
		}
		t.earnings[id] = e
		t.order = append(t.order, id)
	}
	return nil
}

type earningsDelta struct {
	pending   decimal.Decimal
	available decimal.Decimal
	lifetime  decimal.Decimal
	withdrawn decimal.Decimal
	active    int
	total     int
}

// adjust applies delta to a loaded earnings row. Balances and counters never go below zero.
func (t *txn) adjust(userID string, d earningsDelta, now time.Time) {
	e := t.earnings[userID]
	e.PendingBalance = commission.FloorZero(e.PendingBalance.Add(d.pending))
	e.AvailableBalance = commission.FloorZero(e.AvailableBalance.Add(d.available))
	e.LifetimeEarnings = commission.FloorZero(e.LifetimeEarnings.Add(d.lifetime))
	e.TotalWithdrawn = commission.FloorZero(e.TotalWithdrawn.Add(d.withdrawn))
	e.ActiveReferralsCount = max(e.ActiveReferralsCount+d.active, 0)
	e.TotalReferralsCount = max(e.TotalReferralsCount+d.total, 0)
	e.UpdatedAt = now
}

// flush writes every earnings row that was adjusted
func (t *txn) flush() error {
	for _, id := range t.order {
		e := t.earnings[id]
		if e.UpdatedAt.IsZero() {
			continue
		}
		if err := t.tx.Set(t.s.earningsRef(id), earningsData(e)); err != nil {
			return err
		}
	}
	return nil
}

// docID returns key when it is a legal Firestore document id and a digest of it otherwise
func docID(key string) string {
	if key != "" && key != "." && key != ".." && len(key) <= 1500 &&
		!strings.Contains(key, "/") && !(strings.HasPrefix(key, "__") && strings.HasSuffix(key, "__")) {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "sha256_" + hex.EncodeToString(sum[:])
}

func sortByCreated(entries []*commission.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// Document encoding. Money is stored as decimal strings.

func relationshipData(r *commission.Relationship) map[string]interface{} {
	return map[string]interface{}{
		"referrerId":             r.ReferrerID,
		"referredUserId":         r.ReferredUserID,
		"referralCodeId":         r.ReferralCodeID,
		"status":                 string(r.Status),
		"subscriptionStartDate":  timePtrValue(r.SubscriptionStartDate),
		"commissionEndDate":      timePtrValue(r.CommissionEndDate),
		"totalPaymentsCount":     r.TotalPaymentsCount,
		"totalCommissionEarned":  r.TotalCommissionEarned.String(),
		"provider":               r.Provider,
		"externalSubscriptionId": r.ExternalSubscriptionID,
		"externalCustomerId":     r.ExternalCustomerID,
		"createdAt":              r.CreatedAt,
		"updatedAt":              r.UpdatedAt,
	}
}

func relationshipFromSnap(snap *firestore.DocumentSnapshot) *commission.Relationship {
	data := snap.Data()
	return &commission.Relationship{
		ID:                     snap.Ref.ID,
		ReferrerID:             getString(data, "referrerId"),
		ReferredUserID:         getString(data, "referredUserId"),
		ReferralCodeID:         getString(data, "referralCodeId"),
		Status:                 commission.RelationshipStatus(getString(data, "status")),
		SubscriptionStartDate:  getTimePtr(data, "subscriptionStartDate"),
		CommissionEndDate:      getTimePtr(data, "commissionEndDate"),
		TotalPaymentsCount:     getInt(data, "totalPaymentsCount"),
		TotalCommissionEarned:  getDecimal(data, "totalCommissionEarned"),
		Provider:               getString(data, "provider"),
		ExternalSubscriptionID: getString(data, "externalSubscriptionId"),
		ExternalCustomerID:     getString(data, "externalCustomerId"),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
}

func entryData(e *commission.Entry) map[string]interface{} {
	return map[string]interface{}{
		"id":                 e.ID,
		"relationshipId":     e.RelationshipID,
		"referrerId":         e.ReferrerID,
		"referredUserId":     e.ReferredUserID,
		"externalId":         e.ExternalID,
		"paymentRef":         e.PaymentRef,
		"subscriptionAmount": e.SubscriptionAmount.String(),
		"commissionAmount":   e.CommissionAmount.String(),
		"currency":           e.Currency,
		"paymentNumber":      e.PaymentNumber,
		"status":             string(e.Status),
		"becomesAvailableAt": e.BecomesAvailableAt,
		"withdrawalId":       e.WithdrawalID,
		"createdAt":          e.CreatedAt,
		"updatedAt":          e.UpdatedAt,
	}
}

func entryFromData(data map[string]interface{}) *commission.Entry {
	return &commission.Entry{
		ID:                 getString(data, "id"),
		RelationshipID:     getString(data, "relationshipId"),
		ReferrerID:         getString(data, "referrerId"),
		ReferredUserID:     getString(data, "referredUserId"),
		ExternalID:         getString(data, "externalId"),
		PaymentRef:         getString(data, "paymentRef"),
		SubscriptionAmount: getDecimal(data, "subscriptionAmount"),
		CommissionAmount:   getDecimal(data, "commissionAmount"),
		Currency:           getString(data, "currency"),
		PaymentNumber:      getInt(data, "paymentNumber"),
		Status:             commission.EntryStatus(getString(data, "status")),
		BecomesAvailableAt: getTime(data, "becomesAvailableAt"),
		WithdrawalID:       getString(data, "withdrawalId"),
		CreatedAt:          getTime(data, "createdAt"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}
}

func entriesFromSnaps(snaps []*firestore.DocumentSnapshot) []*commission.Entry {
	entries := make([]*commission.Entry, 0, len(snaps))
	for _, snap := range snaps {
		entries = append(entries, entryFromData(snap.Data()))
	}
	return entries
}

func earningsData(e *commission.Earnings) map[string]interface{} {
	return map[string]interface{}{
		"pendingBalance":       e.PendingBalance.String(),
		"availableBalance":     e.AvailableBalance.String(),
		"lifetimeEarnings":     e.LifetimeEarnings.String(),
		"totalWithdrawn":       e.TotalWithdrawn.String(),
		"activeReferralsCount": e.ActiveReferralsCount,
		"totalReferralsCount":  e.TotalReferralsCount,
		"updatedAt":            e.UpdatedAt,
	}
}

func earningsFromData(userID string, data map[string]interface{}) *commission.Earnings {
	return &commission.Earnings{
		UserID:               userID,
		PendingBalance:       getDecimal(data, "pendingBalance"),
		AvailableBalance:     getDecimal(data, "availableBalance"),
		LifetimeEarnings:     getDecimal(data, "lifetimeEarnings"),
		TotalWithdrawn:       getDecimal(data, "totalWithdrawn"),
		ActiveReferralsCount: getInt(data, "activeReferralsCount"),
		TotalReferralsCount:  getInt(data, "totalReferralsCount"),
		UpdatedAt:            getTime(data, "updatedAt"),
	}
}

func withdrawalData(w *commission.Withdrawal) map[string]interface{} {
	return map[string]interface{}{
		"id":         w.ID,
		"referrerId": w.ReferrerID,
		"amount":     w.Amount.String(),
		"entryCount": w.EntryCount,
		"createdAt":  w.CreatedAt,
	}
}

func withdrawalFromData(data map[string]interface{}) *commission.Withdrawal {
	return &commission.Withdrawal{
		ID:         getString(data, "id"),
		ReferrerID: getString(data, "referrerId"),
		Amount:     getDecimal(data, "amount"),
		EntryCount: getInt(data, "entryCount"),
		CreatedAt:  getTime(data, "createdAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	t := getTime(data, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

func getDecimal(data map[string]interface{}, key string) decimal.Decimal {
	d, err := decimal.NewFromString(getString(data, key))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func timePtrValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
