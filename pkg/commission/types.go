package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

// RelationshipStatus is the lifecycle state of a referrer/referred pairing
type RelationshipStatus string

const (
	// RelationshipPending is set when a referral code is applied at signup
	RelationshipPending RelationshipStatus = "pending"
	// RelationshipActive is set on the referred user's first successful subscription payment
	RelationshipActive RelationshipStatus = "active"
	// RelationshipCompleted is set once the commission window has elapsed
	RelationshipCompleted RelationshipStatus = "completed"
	// RelationshipCancelled is set when the referred user's subscription is cancelled or expires
	RelationshipCancelled RelationshipStatus = "cancelled"
)

// IsOpen reports whether the status counts against the one-open-relationship-per-user rule
func (s RelationshipStatus) IsOpen() bool {
	return s == RelationshipPending || s == RelationshipActive
}

// EntryStatus is the lifecycle state of a commission entry
type EntryStatus string

const (
	// EntryPending is a commission inside its holding period
	EntryPending EntryStatus = "pending"
	// EntryAvailable is a matured commission that can be withdrawn
	EntryAvailable EntryStatus = "available"
	// EntryWithdrawn is a commission included in a paid-out withdrawal
	EntryWithdrawn EntryStatus = "withdrawn"
	// EntryCancelled is a reversed commission (refund or cancellation)
	EntryCancelled EntryStatus = "cancelled"
)

// Relationship is one referrer/referred-user pairing tracked for commission purposes
type Relationship struct {
	ID                     string
	ReferrerID             string
	ReferredUserID         string
	ReferralCodeID         string
	Status                 RelationshipStatus
	SubscriptionStartDate  *time.Time
	CommissionEndDate      *time.Time
	TotalPaymentsCount     int
	TotalCommissionEarned  decimal.Decimal
	Provider               string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// InWindow reports whether now falls inside the commission window.
// The window end is inclusive.
func (r *Relationship) InWindow(now time.Time) bool {
	if r == nil || r.CommissionEndDate == nil {
		return false
	}
	return !now.After(*r.CommissionEndDate)
}

// Entry is one commission ledger line tied to one referred-user payment
type Entry struct {
	ID                 string
	RelationshipID     string
	ReferrerID         string
	ReferredUserID     string
	ExternalID         string
	PaymentRef         string
	SubscriptionAmount decimal.Decimal
	CommissionAmount   decimal.Decimal
	Currency           string
	PaymentNumber      int
	Status             EntryStatus
	BecomesAvailableAt time.Time
	WithdrawalID       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Earnings is the per-referrer balance row. It is a cache of a fold over
// the referrer's entries and relationships and can be rebuilt from them.
type Earnings struct {
	UserID               string
	PendingBalance       decimal.Decimal
	AvailableBalance     decimal.Decimal
	LifetimeEarnings     decimal.Decimal
	TotalWithdrawn       decimal.Decimal
	ActiveReferralsCount int
	TotalReferralsCount  int
	UpdatedAt            time.Time
}

// Withdrawal records one payout of a referrer's available entries
type Withdrawal struct {
	ID         string
	ReferrerID string
	Amount     decimal.Decimal
	EntryCount int
	CreatedAt  time.Time
}

// CreateRelationshipRequest creates a pending relationship at signup
type CreateRelationshipRequest struct {
	ID             string
	ReferrerID     string
	ReferredUserID string
	ReferralCodeID string
	Now            time.Time
}

// ActivateRequest moves a pending relationship to active
type ActivateRequest struct {
	ReferredUserID string
	SubscriptionID string
	CustomerID     string
	Provider       string
	Now            time.Time
	WindowEnd      time.Time
}

// ActivateResult is the outcome of an activation attempt
type ActivateResult struct {
	Outcome      Outcome
	Relationship *Relationship
}

// RecordRequest records one commission entry for a payment
type RecordRequest struct {
	EntryID        string
	ReferredUserID string
	SubscriptionID string
	ExternalID     string
	PaymentRef     string
	Amount         decimal.Decimal
	Commission     decimal.Decimal
	Currency       string
	Now            time.Time
	AvailableAt    time.Time
	// MaxPayments caps payment_number per relationship; 0 means no cap
	MaxPayments int
}

// RecordResult is the outcome of a commission recording attempt
type RecordResult struct {
	Outcome      Outcome
	Entry        *Entry
	Relationship *Relationship
}

// CancelRequest cancels an active relationship
type CancelRequest struct {
	ReferredUserID string
	SubscriptionID string
	Now            time.Time
}

// CancelResult is the outcome of a cancellation attempt
type CancelResult struct {
	Outcome          Outcome
	Relationship     *Relationship
	CancelledEntries []*Entry
	ReversedAmount   decimal.Decimal
}

// ReverseRequest reverses the commission entry matching any of Keys.
// Keys are matched against Entry.ExternalID first, then Entry.PaymentRef.
type ReverseRequest struct {
	Keys []string
	Now  time.Time
}

// ReverseResult is the outcome of a reversal attempt
type ReverseResult struct {
	Outcome Outcome
	Entry   *Entry
	// PreviousStatus is the entry status before the reversal
	PreviousStatus EntryStatus
}

// MatureRequest promotes pending entries whose holding period has elapsed
type MatureRequest struct {
	Now   time.Time
	Limit int
}

// CompleteRequest completes active relationships whose window has elapsed
type CompleteRequest struct {
	Now   time.Time
	Limit int
}

// WithdrawRequest pays out every available entry of a referrer
type WithdrawRequest struct {
	WithdrawalID string
	ReferrerID   string
	Now          time.Time
}

// WithdrawResult is the outcome of a withdrawal
type WithdrawResult struct {
	Outcome    Outcome
	Withdrawal *Withdrawal
	Entries    []*Entry
}

// EntryFilter narrows ListEntries
type EntryFilter struct {
	ReferrerID     string
	RelationshipID string
	Status         EntryStatus
	Limit          int
}
