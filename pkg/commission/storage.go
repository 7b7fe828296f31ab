package commission

import (
	"context"
	"time"
)

// Storage defines the persistence contract of the ledger. Every mutating
// method is a single atomic unit: it re-reads the relationship or entry
// status under a lock (or uses a conditional update) and applies the
// balance changes in the same transaction. Business outcomes are reported
// through the result's Outcome; errors mean the effect was not applied.
type Storage interface {
	// CreateRelationship inserts a pending relationship and increments the
	// referrer's total_referrals_count. Returns ErrRelationshipExists if the
	// referred user already has a pending or active relationship.
	CreateRelationship(ctx context.Context, req *CreateRelationshipRequest) (*Relationship, error)

	// GetRelationship returns the referred user's open relationship, or the
	// most recent one. Returns ErrRelationshipNotFound if none exists.
	GetRelationship(ctx context.Context, referredUserID string) (*Relationship, error)

	// ActivateRelationship moves pending to active. Already active is OutcomeDuplicate.
	ActivateRelationship(ctx context.Context, req *ActivateRequest) (*ActivateResult, error)

	// RecordCommission inserts an entry and bumps the relationship and earnings.
	// A relationship past its window is completed instead (OutcomeWindowClosed).
	// A seen ExternalID is OutcomeDuplicate.
	RecordCommission(ctx context.Context, req *RecordRequest) (*RecordResult, error)

	// CancelRelationship moves active to cancelled and cancels its pending entries.
	CancelRelationship(ctx context.Context, req *CancelRequest) (*CancelResult, error)

	// ReverseCommission cancels the pending or available entry matching the request keys.
	ReverseCommission(ctx context.Context, req *ReverseRequest) (*ReverseResult, error)

	// MatureCommissions promotes due pending entries to available.
	MatureCommissions(ctx context.Context, req *MatureRequest) ([]*Entry, error)

	// CompleteExpired completes active relationships whose window has elapsed.
	CompleteExpired(ctx context.Context, req *CompleteRequest) ([]*Relationship, error)

	// Withdraw marks every available entry of the referrer withdrawn under
	// req.WithdrawalID. Replaying a withdrawal id is OutcomeDuplicate.
	Withdraw(ctx context.Context, req *WithdrawRequest) (*WithdrawResult, error)

	// GetEarnings returns the cached earnings row. Returns ErrEarningsNotFound if absent.
	GetEarnings(ctx context.Context, userID string) (*Earnings, error)

	// ListEntries returns entries newest first.
	ListEntries(ctx context.Context, filter EntryFilter) ([]*Entry, error)

	// RebuildEarnings recomputes the earnings row from entries and relationships.
	RebuildEarnings(ctx context.Context, userID string, now time.Time) (*Earnings, error)
}

// FoldEarnings computes the earnings row a referrer's entries and relationships imply.
// Backends without an aggregate query use it for RebuildEarnings.
func FoldEarnings(userID string, entries []*Entry, relationships []*Relationship, now time.Time) *Earnings {
	e := &Earnings{UserID: userID, UpdatedAt: now}
	for _, entry := range entries {
		if entry.ReferrerID != userID {
			continue
		}
		switch entry.Status {
		case EntryPending:
			e.PendingBalance = e.PendingBalance.Add(entry.CommissionAmount)
		case EntryAvailable:
			e.AvailableBalance = e.AvailableBalance.Add(entry.CommissionAmount)
		case EntryWithdrawn:
			e.TotalWithdrawn = e.TotalWithdrawn.Add(entry.CommissionAmount)
		}
		if entry.Status != EntryCancelled {
			e.LifetimeEarnings = e.LifetimeEarnings.Add(entry.CommissionAmount)
		}
	}
	for _, rel := range relationships {
		if rel.ReferrerID != userID {
			continue
		}
		e.TotalReferralsCount++
		if rel.Status == RelationshipActive {
			e.ActiveReferralsCount++
		}
	}
	return e
}
