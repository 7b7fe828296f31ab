package commission

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind identifies the internal action a provider event normalizes into
type ActionKind string

const (
	ActionActivate ActionKind = "activate_relationship"
	ActionRecord   ActionKind = "record_commission"
	ActionCancel   ActionKind = "cancel_relationship"
	ActionReverse  ActionKind = "reverse_commission"
)

// Action is the provider-independent form of a payment event.
// Only the fields relevant to Kind are set.
type Action struct {
	Kind ActionKind

	// Provider, EventID and EventType describe where the action came from
	Provider  string
	EventID   string
	EventType string

	// ReferredUserID and SubscriptionID locate the relationship.
	// Either may be empty; the referred user wins when both are set.
	ReferredUserID string
	SubscriptionID string
	CustomerID     string

	// Payment details (ActionRecord)
	Amount      decimal.Decimal
	Currency    string
	ExternalID  string
	PaymentRef  string
	PeriodStart time.Time
	PeriodEnd   time.Time

	// RefundKeys are candidate external ids for refund correlation (ActionReverse)
	RefundKeys []string

	OccurredAt time.Time
}

// ActivateRelationship builds an activation action
func ActivateRelationship(referredUserID, subscriptionID string, periodStart time.Time) Action {
	return Action{
		Kind:           ActionActivate,
		ReferredUserID: referredUserID,
		SubscriptionID: subscriptionID,
		PeriodStart:    periodStart,
	}
}

// RecordCommission builds a commission recording action
func RecordCommission(referredUserID string, amount decimal.Decimal, externalID string, periodStart, periodEnd time.Time) Action {
	return Action{
		Kind:           ActionRecord,
		ReferredUserID: referredUserID,
		Amount:         amount,
		ExternalID:     externalID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
	}
}

// CancelRelationship builds a cancellation action
func CancelRelationship(referredUserID string) Action {
	return Action{
		Kind:           ActionCancel,
		ReferredUserID: referredUserID,
	}
}

// ReverseCommission builds a reversal action. The first non-empty key is the primary external id.
func ReverseCommission(keys ...string) Action {
	cleaned := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	a := Action{Kind: ActionReverse, RefundKeys: cleaned}
	if len(cleaned) > 0 {
		a.ExternalID = cleaned[0]
	}
	return a
}

// Validate checks that the fields required by Kind are present
func (a Action) Validate() error {
	switch a.Kind {
	case ActionActivate, ActionCancel:
		if a.ReferredUserID == "" && a.SubscriptionID == "" {
			return fmt.Errorf("%w: %s needs a referred user or subscription id", ErrInvalidAction, a.Kind)
		}
	case ActionRecord:
		if a.ReferredUserID == "" && a.SubscriptionID == "" {
			return fmt.Errorf("%w: %s needs a referred user or subscription id", ErrInvalidAction, a.Kind)
		}
		if a.ExternalID == "" {
			return fmt.Errorf("%w: %s needs an external id", ErrInvalidAction, a.Kind)
		}
		if a.Amount.IsNegative() {
			return ErrInvalidAmount
		}
	case ActionReverse:
		if len(a.RefundKeys) == 0 && a.ExternalID == "" {
			return fmt.Errorf("%w: %s needs an external id", ErrInvalidAction, a.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	return nil
}

func (a Action) refundKeys() []string {
	if len(a.RefundKeys) > 0 {
		return a.RefundKeys
	}
	if a.ExternalID != "" {
		return []string{a.ExternalID}
	}
	return nil
}

// Outcome describes what an action did. Outcomes are not errors: every
// outcome is a durable, acknowledged result.
type Outcome string

const (
	// OutcomeApplied means the action changed state
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the effect was already applied (redelivery)
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeNoRelationship means no relationship matched (user was not referred)
	OutcomeNoRelationship Outcome = "no_relationship"
	// OutcomeInvalidState means the relationship status does not allow the transition
	OutcomeInvalidState Outcome = "invalid_state"
	// OutcomeWindowClosed means the payment arrived after the commission window
	OutcomeWindowClosed Outcome = "window_closed"
	// OutcomePaymentCap means the relationship reached its configured payment cap
	OutcomePaymentCap Outcome = "payment_cap"
	// OutcomeZeroAmount means the payment carried no money
	OutcomeZeroAmount Outcome = "zero_amount"
	// OutcomeNotFound means no entry matched the refund keys
	OutcomeNotFound Outcome = "not_found"
	// OutcomeWithdrawn means the refunded entry was already paid out and needs manual review
	OutcomeWithdrawn Outcome = "withdrawn"
	// OutcomeEmpty means a withdrawal had nothing available to pay
	OutcomeEmpty Outcome = "empty"
)

// Result pairs an applied action with its outcome
type Result struct {
	Kind    ActionKind
	Outcome Outcome
}
