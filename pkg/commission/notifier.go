package commission

import (
	"context"
	"time"
)

// NotificationKind identifies a ledger transition worth telling someone about
type NotificationKind string

const (
	NotifyReferralActivated   NotificationKind = "referral.activated"
	NotifyReferralCancelled   NotificationKind = "referral.cancelled"
	NotifyReferralCompleted   NotificationKind = "referral.completed"
	NotifyCommissionEarned    NotificationKind = "commission.earned"
	NotifyCommissionAvailable NotificationKind = "commission.available"
	NotifyCommissionReversed  NotificationKind = "commission.reversed"
	NotifyClawbackRequired    NotificationKind = "commission.clawback_required"
	NotifyWithdrawalPaid      NotificationKind = "withdrawal.paid"
)

// Notification is a best-effort message emitted after a committed transition.
// RecipientID receives an in-app notification when set; Operator also
// raises an operator alert.
type Notification struct {
	Kind        NotificationKind
	RecipientID string
	Operator    bool
	Title       string
	Message     string
	Data        map[string]string
	OccurredAt  time.Time
}

// Notifier delivers notifications. Errors are logged by the caller and never
// affect the ledger outcome.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (n *NoopNotifier) Notify(ctx context.Context, _ Notification) error { return nil }
