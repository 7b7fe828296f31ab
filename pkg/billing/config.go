package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// Ledger receives the normalized actions (required)
	Ledger Ledger

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the provider (e.g. Stripe customer lookup).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// RequireSignature rejects requests that carry no signature when a secret is configured.
	// Defaults to false: such requests are accepted with a warning.
	RequireSignature bool

	// EventLog deduplicates provider deliveries before they reach the ledger (optional).
	EventLog EventLog

	// RateLimit is the maximum number of webhook requests per IP per RateLimitWindow
	// (default: 100 per minute).
	RateLimit       int
	RateLimitWindow time.Duration

	// Metrics is an optional metrics collector for tracking webhook processing.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger is used for structured logging (default: commission.NoopLogger)
	Logger commission.Logger
}
