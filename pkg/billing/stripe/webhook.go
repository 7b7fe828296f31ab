package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goreferral/pkg/billing"
	"github.com/mihaimyh/goreferral/pkg/billing/internal"
	"github.com/mihaimyh/goreferral/pkg/commission"
)

// SignatureHeader carries Stripe's timestamped signature
const SignatureHeader = "Stripe-Signature"

// handleWebhook processes incoming Stripe webhook events
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

	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		internal.WriteError(w, http.StatusBadRequest, "missing signature")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.logger.Warn("stripe webhook rejected",
			commission.Field{Key: "error", Value: err.Error()},
			commission.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
		)
		internal.WriteError(w, http.StatusBadRequest, "invalid signature")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	ev, err := p.normalize(r.Context(), &event)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidWebhookPayload) {
			p.logger.Warn("malformed stripe webhook",
				commission.Field{Key: "event_id", Value: event.ID},
				commission.Field{Key: "error", Value: err.Error()},
			)
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			return
		}
		p.fail(w, string(event.Type), event.ID, start, err)
		return
	}

	status, err := p.dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		p.fail(w, ev.Type, ev.ID, start, err)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, ev.Type, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, ev.Type, time.Since(start))
	_ = internal.WriteReceived(w)
}

func (p *Provider) fail(w http.ResponseWriter, eventType, eventID string, start time.Time, err error) {
	p.logger.Error("failed to apply stripe webhook",
		commission.Field{Key: "event_id", Value: eventID},
		commission.Field{Key: "event_type", Value: eventType},
		commission.Field{Key: "error", Value: err.Error()},
	)
	internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
	p.metrics.RecordWebhookEvent(providerName, eventType, billing.StatusError)
	p.metrics.RecordWebhookError(providerName, "processing_error")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
}

// eventTime converts the event's unix creation time
func eventTime(event *stripe.Event) time.Time {
	return unixTime(event.Created)
}
