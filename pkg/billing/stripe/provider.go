// Package stripe turns Stripe webhooks into commission ledger actions.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goreferral/pkg/billing"
	"github.com/mihaimyh/goreferral/pkg/billing/internal"
	"github.com/mihaimyh/goreferral/pkg/commission"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// CustomerResolver maps a Stripe customer id to the app user id when a
	// subscription or invoice carries no user_id metadata. It returns "" when
	// the customer is not linked to a user. Defaults to reading the
	// customer's user_id metadata through the Stripe API when APIKey is set.
	CustomerResolver func(ctx context.Context, customerID string) (string, error)
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	dispatcher    *billing.Dispatcher
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	resolver      func(context.Context, string) (string, error)
	metrics       billing.Metrics
	logger        commission.Logger
}

// NewProvider creates a Stripe provider. A webhook secret is required: Stripe
// deliveries are always signed.
func NewProvider(config Config) (*Provider, error) {
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &commission.NoopLogger{}
	}
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is required", billing.ErrProviderNotConfigured)
	}

	dispatcher, err := billing.NewDispatcher(providerName, config.Config)
	if err != nil {
		return nil, err
	}

	limit := config.RateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	p := &Provider{
		dispatcher:    dispatcher,
		rateLimiter:   internal.NewRateLimiter(limit, window),
		webhookSecret: secret,
		resolver:      config.CustomerResolver,
		metrics:       config.Metrics,
		logger:        config.Logger,
	}

	if p.resolver == nil {
		if apiKey := strings.TrimSpace(config.APIKey); apiKey != "" {
			p.resolver = newAPIResolver(apiKey, config.HTTPClient, config.Metrics)
		}
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// resolveCustomer returns "" when no resolver is configured or the customer is unknown
func (p *Provider) resolveCustomer(ctx context.Context, customerID string) (string, error) {
	if p.resolver == nil || customerID == "" {
		return "", nil
	}
	userID, err := p.resolver(ctx, customerID)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer %s: %w", customerID, err)
	}
	return strings.TrimSpace(userID), nil
}

// newAPIResolver reads metadata.user_id from the Stripe customer
func newAPIResolver(apiKey string, httpClient *http.Client, metrics billing.Metrics) func(context.Context, string) (string, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	client := stripe.NewClient(apiKey, stripe.WithBackends(backends))

	return func(ctx context.Context, customerID string) (string, error) {
		start := time.Now()
		cust, err := client.V1Customers.Retrieve(ctx, customerID, nil)
		metrics.RecordAPICallDuration(providerName, "customers.retrieve", time.Since(start))
		if err != nil {
			metrics.RecordAPICall(providerName, "customers.retrieve", "error")
			var stripeErr *stripe.Error
			if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
				return "", billing.ErrCustomerNotFound
			}
			return "", fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
		}
		metrics.RecordAPICall(providerName, "customers.retrieve", "success")
		if cust.Deleted || cust.Metadata == nil {
			return "", nil
		}
		return cust.Metadata["user_id"], nil
	}
}
