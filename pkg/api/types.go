package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/goreferral/pkg/notify"
)

// EarningsResponse is a referrer's balances plus their most recent entries
type EarningsResponse struct {
	UserID               string          `json:"user_id"`
	PendingBalance       decimal.Decimal `json:"pending_balance"`
	AvailableBalance     decimal.Decimal `json:"available_balance"`
	LifetimeEarnings     decimal.Decimal `json:"lifetime_earnings"`
	TotalWithdrawn       decimal.Decimal `json:"total_withdrawn"`
	ActiveReferralsCount int             `json:"active_referrals_count"`
	TotalReferralsCount  int             `json:"total_referrals_count"`
	RecentEntries        []EntryView     `json:"recent_entries"`
}

// EntryView is the public shape of a commission entry
type EntryView struct {
	ID                 string          `json:"id"`
	ReferredUserID     string          `json:"referred_user_id"`
	SubscriptionAmount decimal.Decimal `json:"subscription_amount"`
	CommissionAmount   decimal.Decimal `json:"commission_amount"`
	Currency           string          `json:"currency"`
	PaymentNumber      int             `json:"payment_number"`
	Status             string          `json:"status"`
	BecomesAvailableAt time.Time       `json:"becomes_available_at"`
	CreatedAt          time.Time       `json:"created_at"`
}

// CreateReferralRequest is sent by the product app at signup
type CreateReferralRequest struct {
	ReferrerID     string `json:"referrer_id"`
	ReferredUserID string `json:"referred_user_id,omitempty"` // defaults to the caller
	ReferralCodeID string `json:"referral_code_id,omitempty"`
}

// RelationshipView is the public shape of a referral relationship
type RelationshipView struct {
	ID                string     `json:"id"`
	ReferrerID        string     `json:"referrer_id"`
	ReferredUserID    string     `json:"referred_user_id"`
	ReferralCodeID    string     `json:"referral_code_id,omitempty"`
	Status            string     `json:"status"`
	CommissionEndDate *time.Time `json:"commission_end_date,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// WithdrawRequest asks for a payout of a referrer's available balance
type WithdrawRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	ReferrerID   string `json:"referrer_id"`
}

// WithdrawResponse reports the withdrawal outcome
type WithdrawResponse struct {
	Outcome      string          `json:"outcome"` // "applied", "duplicate", "empty"
	WithdrawalID string          `json:"withdrawal_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	EntryCount   int             `json:"entry_count"`
}

// NotificationsResponse is the caller's in-app feed
type NotificationsResponse struct {
	Notifications []*notify.InAppNotification `json:"notifications"`
}

// MarkReadRequest marks one in-app notification as read
type MarkReadRequest struct {
	ID string `json:"id"`
}
