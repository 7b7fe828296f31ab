package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

// Provider is the generic interface every payment provider integration implements.
// A provider verifies inbound webhooks, normalizes them into ledger actions and
// applies them; nothing provider-specific leaves the provider package.
type Provider interface {
	// Name returns the provider name (e.g., "revenuecat", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	WebhookHandler() http.Handler
}

// Ledger is the subset of commission.Ledger the providers drive
type Ledger interface {
	ApplyAll(ctx context.Context, actions []commission.Action) ([]commission.Result, error)
}
