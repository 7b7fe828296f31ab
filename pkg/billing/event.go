package billing

import (
	"time"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

// Event is a verified provider event after normalization.
// Actions is empty for event types that do not touch the ledger.
type Event struct {
	// ID is the provider's event id (Stripe evt_..., RevenueCat event.id)
	ID string

	// Provider is the billing provider name ("stripe", "revenuecat")
	Provider string

	// Type is the provider-specific event type
	// Stripe: "invoice.payment_succeeded", "charge.refunded", etc.
	// RevenueCat: "INITIAL_PURCHASE", "RENEWAL", "REFUND", etc.
	Type string

	// OccurredAt is when the event occurred (from provider)
	OccurredAt time.Time

	Actions []commission.Action
}
