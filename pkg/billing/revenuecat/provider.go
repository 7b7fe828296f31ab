// Package revenuecat turns RevenueCat webhooks into commission ledger actions.
package revenuecat

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/goreferral/pkg/billing"
	"github.com/mihaimyh/goreferral/pkg/billing/internal"
	"github.com/mihaimyh/goreferral/pkg/commission"
)

const providerName = "revenuecat"

// Provider implements billing.Provider for RevenueCat
type Provider struct {
	dispatcher  *billing.Dispatcher
	verifier    *verifier
	rateLimiter *internal.RateLimiter
	metrics     billing.Metrics
	logger      commission.Logger
}

// NewProvider creates a RevenueCat provider. An empty WebhookSecret accepts
// unsigned deliveries and logs a warning for each one.
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &commission.NoopLogger{}
	}
	dispatcher, err := billing.NewDispatcher(providerName, config)
	if err != nil {
		return nil, err
	}

	limit := config.RateLimit
	if limit <= 0 {
		limit = 100
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}

	return &Provider{
		dispatcher:  dispatcher,
		verifier:    newVerifier(config.WebhookSecret, config.RequireSignature),
		rateLimiter: internal.NewRateLimiter(limit, window),
		metrics:     config.Metrics,
		logger:      config.Logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for RevenueCat webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			return
		}
		internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	signed, err := p.verifier.verify(r.Header, body)
	if err != nil {
		p.logger.Warn("revenuecat webhook rejected",
			commission.Field{Key: "error", Value: err.Error()},
			commission.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
		)
		internal.WriteError(w, http.StatusUnauthorized, "unauthorized")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}
	if !signed {
		p.logger.Warn("accepting unsigned revenuecat webhook",
			commission.Field{Key: "secret_configured", Value: p.verifier.configured()},
		)
	}

	ev, err := normalize(body)
	if err != nil {
		p.logger.Warn("malformed revenuecat webhook",
			commission.Field{Key: "error", Value: err.Error()},
		)
		internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	status, err := p.dispatcher.Dispatch(r.Context(), ev)
	p.metrics.RecordWebhookProcessingDuration(providerName, ev.Type, time.Since(start))
	if err != nil {
		p.logger.Error("failed to apply revenuecat webhook",
			commission.Field{Key: "event_id", Value: ev.ID},
			commission.Field{Key: "event_type", Value: ev.Type},
			commission.Field{Key: "error", Value: err.Error()},
		)
		internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		p.metrics.RecordWebhookEvent(providerName, ev.Type, billing.StatusError)
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return
	}

	p.metrics.RecordWebhookEvent(providerName, ev.Type, status)
	_ = internal.WriteReceived(w)
}

func bearerToken(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}
