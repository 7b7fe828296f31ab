package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goreferral/pkg/billing"
	"github.com/mihaimyh/goreferral/pkg/commission"
)

const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventInvoicePaid         = "invoice.payment_succeeded"
	eventChargeRefunded      = "charge.refunded"
)

// Metadata keys set at checkout
const (
	metadataUserID         = "user_id"
	metadataReferralCodeID = "referral_code_id"
	metadataReferrerID     = "referrer_id"
)

// invoice holds the invoice fields the ledger needs across Stripe API
// versions: older versions put subscription, charge and payment_intent on the
// invoice itself, newer ones nest them under parent and payments.
type invoice struct {
	ID                  string            `json:"id"`
	Customer            json.RawMessage   `json:"customer"`
	AmountPaid          int64             `json:"amount_paid"`
	Currency            string            `json:"currency"`
	BillingReason       string            `json:"billing_reason"`
	PeriodStart         int64             `json:"period_start"`
	PeriodEnd           int64             `json:"period_end"`
	Metadata            map[string]string `json:"metadata"`
	Subscription        json.RawMessage   `json:"subscription"`
	Charge              json.RawMessage   `json:"charge"`
	PaymentIntent       json.RawMessage   `json:"payment_intent"`
	SubscriptionDetails *subscriptionRef  `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionRef `json:"subscription_details"`
	} `json:"parent"`
	Payments struct {
		Data []struct {
			Payment struct {
				Charge        json.RawMessage `json:"charge"`
				PaymentIntent json.RawMessage `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
}

type subscriptionRef struct {
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func (inv *invoice) subscriptionDetails() *subscriptionRef {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails
	}
	return inv.SubscriptionDetails
}

func (inv *invoice) subscriptionID() string {
	if id := expandableID(inv.Subscription); id != "" {
		return id
	}
	if d := inv.subscriptionDetails(); d != nil {
		return expandableID(d.Subscription)
	}
	return ""
}

func (inv *invoice) subscriptionMetadata() map[string]string {
	if d := inv.subscriptionDetails(); d != nil && d.Metadata != nil {
		return d.Metadata
	}
	return inv.Metadata
}

// paymentRef is the charge or payment intent a later refund will name
func (inv *invoice) paymentRef() string {
	if id := expandableID(inv.Charge); id != "" {
		return id
	}
	if id := expandableID(inv.PaymentIntent); id != "" {
		return id
	}
	for _, p := range inv.Payments.Data {
		if id := expandableID(p.Payment.Charge); id != "" {
			return id
		}
		if id := expandableID(p.Payment.PaymentIntent); id != "" {
			return id
		}
	}
	return ""
}

type charge struct {
	ID            string          `json:"id"`
	Invoice       json.RawMessage `json:"invoice"`
	PaymentIntent json.RawMessage `json:"payment_intent"`
}

// normalize maps a verified Stripe event to ledger actions. Unhandled event
// types yield an event with no actions.
func (p *Provider) normalize(ctx context.Context, event *stripe.Event) (*billing.Event, error) {
	ev := &billing.Event{
		ID:         event.ID,
		Provider:   providerName,
		Type:       string(event.Type),
		OccurredAt: eventTime(event),
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}

	var (
		actions []commission.Action
		err     error
	)
	switch ev.Type {
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		actions, err = p.subscriptionActivated(ctx, event)
	case eventSubscriptionDeleted:
		actions, err = p.subscriptionDeleted(ctx, event)
	case eventInvoicePaid:
		actions, err = p.invoicePaid(ctx, event)
	case eventChargeRefunded:
		actions, err = chargeRefunded(event)
	}
	if err != nil {
		return nil, err
	}

	for _, a := range actions {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", billing.ErrInvalidWebhookPayload, ev.Type, err)
		}
	}
	ev.Actions = actions
	return ev, nil
}

func (p *Provider) subscriptionActivated(ctx context.Context, event *stripe.Event) ([]commission.Action, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if sub.Status != stripe.SubscriptionStatusActive || !referralLinked(sub.Metadata) {
		return nil, nil
	}
	if event.Type == eventSubscriptionUpdated {
		prev, _ := event.Data.PreviousAttributes["status"].(string)
		if prev != string(stripe.SubscriptionStatusTrialing) && prev != string(stripe.SubscriptionStatusIncomplete) {
			return nil, nil
		}
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	userID, err := p.userID(ctx, sub.Metadata, customerID)
	if err != nil {
		return nil, err
	}

	a := commission.ActivateRelationship(userID, sub.ID, unixTime(sub.StartDate))
	a.CustomerID = customerID
	return []commission.Action{a}, nil
}

func (p *Provider) subscriptionDeleted(ctx context.Context, event *stripe.Event) ([]commission.Action, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	userID, err := p.userID(ctx, sub.Metadata, customerID)
	if err != nil {
		return nil, err
	}

	a := commission.CancelRelationship(userID)
	a.SubscriptionID = sub.ID
	a.CustomerID = customerID
	return []commission.Action{a}, nil
}

func (p *Provider) invoicePaid(ctx context.Context, event *stripe.Event) ([]commission.Action, error) {
	var inv invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if inv.AmountPaid <= 0 {
		return nil, nil
	}

	subID := inv.subscriptionID()
	customerID := expandableID(inv.Customer)
	metadata := inv.subscriptionMetadata()
	userID, err := p.userID(ctx, metadata, customerID)
	if err != nil {
		return nil, err
	}
	if userID == "" && subID == "" {
		// one-off invoice for a customer we cannot place
		return nil, nil
	}

	// The subscription update that activates a converted trial can arrive
	// after its first invoice, so every referral-linked invoice activates.
	// Activation is a no-op once the relationship is active.
	var actions []commission.Action
	if referralLinked(metadata) {
		activate := commission.ActivateRelationship(userID, subID, unixTime(inv.PeriodStart))
		activate.CustomerID = customerID
		actions = append(actions, activate)
	}

	record := commission.RecordCommission(userID,
		commission.FromMinorUnits(inv.AmountPaid, inv.Currency),
		inv.ID, unixTime(inv.PeriodStart), unixTime(inv.PeriodEnd))
	record.SubscriptionID = subID
	record.CustomerID = customerID
	record.Currency = strings.ToUpper(inv.Currency)
	record.PaymentRef = inv.paymentRef()
	return append(actions, record), nil
}

func chargeRefunded(event *stripe.Event) ([]commission.Action, error) {
	var ch charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return nil, fmt.Errorf("%w: charge: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return []commission.Action{
		commission.ReverseCommission(expandableID(ch.Invoice), ch.ID, expandableID(ch.PaymentIntent)),
	}, nil
}

// userID reads user_id metadata, falling back to the customer resolver
func (p *Provider) userID(ctx context.Context, metadata map[string]string, customerID string) (string, error) {
	if id := strings.TrimSpace(metadata[metadataUserID]); id != "" {
		return id, nil
	}
	return p.resolveCustomer(ctx, customerID)
}

func referralLinked(metadata map[string]string) bool {
	return strings.TrimSpace(metadata[metadataReferralCodeID]) != "" ||
		strings.TrimSpace(metadata[metadataReferrerID]) != ""
}

// expandableID reads an id from a field that is either a string or an expanded object
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil {
			return id
		}
		return ""
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
