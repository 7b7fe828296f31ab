package revenuecat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/goreferral/pkg/billing"
	"github.com/mihaimyh/goreferral/pkg/commission"
)

// RevenueCat event types that move the ledger
const (
	eventInitialPurchase = "INITIAL_PURCHASE"
	eventRenewal         = "RENEWAL"
	eventCancellation    = "CANCELLATION"
	eventExpiration      = "EXPIRATION"
	eventRefund          = "REFUND"
	eventTest            = "TEST"
)

// cancelReasonRefund marks a CANCELLATION that RevenueCat reports for a store refund
const cancelReasonRefund = "CUSTOMER_SUPPORT"

const anonymousPrefix = "$RCAnonymousID:"

type webhookPayload struct {
	APIVersion string       `json:"api_version"`
	Event      webhookEvent `json:"event"`
}

type webhookEvent struct {
	ID                    string          `json:"id"`
	Type                  string          `json:"type"`
	AppUserID             string          `json:"app_user_id"`
	OriginalAppUserID     string          `json:"original_app_user_id"`
	Aliases               []string        `json:"aliases"`
	ProductID             string          `json:"product_id"`
	PeriodType            string          `json:"period_type"`
	Price                 decimal.Decimal `json:"price"`
	Currency              string          `json:"currency"`
	TransactionID         string          `json:"transaction_id"`
	OriginalTransactionID string          `json:"original_transaction_id"`
	PurchasedAtMs         int64           `json:"purchased_at_ms"`
	ExpirationAtMs        int64           `json:"expiration_at_ms"`
	EventTimestampMs      int64           `json:"event_timestamp_ms"`
	Store                 string          `json:"store"`
	Environment           string          `json:"environment"`
	CancelReason          string          `json:"cancel_reason"`
}

func parsePayload(body []byte) (*webhookPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var payload webhookPayload
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: multiple JSON objects in payload", billing.ErrInvalidWebhookPayload)
	}
	payload.Event.Type = strings.ToUpper(strings.TrimSpace(payload.Event.Type))
	if payload.Event.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", billing.ErrInvalidWebhookPayload)
	}
	return &payload, nil
}

// normalize maps a RevenueCat delivery to ledger actions. Event types that do
// not touch the ledger yield an event with no actions.
func normalize(body []byte) (*billing.Event, error) {
	payload, err := parsePayload(body)
	if err != nil {
		return nil, err
	}
	e := payload.Event

	ev := &billing.Event{
		ID:         strings.TrimSpace(e.ID),
		Provider:   providerName,
		Type:       e.Type,
		OccurredAt: msToTime(e.EventTimestampMs),
	}

	userID := e.userID()
	sub := strings.TrimSpace(e.OriginalTransactionID)
	txn := strings.TrimSpace(e.TransactionID)

	switch e.Type {
	case eventInitialPurchase:
		ev.Actions = append(ev.Actions, commission.ActivateRelationship(userID, sub, msToTime(e.PurchasedAtMs)))
		if e.Price.IsPositive() {
			ev.Actions = append(ev.Actions, e.record(userID, txn))
		}
	case eventRenewal:
		if e.Price.IsPositive() {
			ev.Actions = append(ev.Actions, e.record(userID, txn))
		}
	case eventCancellation:
		if strings.EqualFold(e.CancelReason, cancelReasonRefund) && txn != "" {
			ev.Actions = append(ev.Actions, commission.ReverseCommission(txn))
		}
		ev.Actions = append(ev.Actions, cancel(userID, sub))
	case eventExpiration:
		ev.Actions = append(ev.Actions, cancel(userID, sub))
	case eventRefund:
		// without a transaction id there is no entry to reverse; rejecting
		// the event would only trigger endless redelivery
		if txn != "" {
			ev.Actions = append(ev.Actions, commission.ReverseCommission(txn))
		}
	case eventTest:
		// dashboard test deliveries are acknowledged without touching the ledger
	}

	for _, a := range ev.Actions {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", billing.ErrInvalidWebhookPayload, e.Type, err)
		}
	}
	return ev, nil
}

func (e webhookEvent) record(userID, txn string) commission.Action {
	a := commission.RecordCommission(userID, e.Price, txn, msToTime(e.PurchasedAtMs), msToTime(e.ExpirationAtMs))
	a.SubscriptionID = strings.TrimSpace(e.OriginalTransactionID)
	// price is reported in USD; currency names the store purchase currency
	a.Currency = "USD"
	return a
}

func cancel(userID, sub string) commission.Action {
	a := commission.CancelRelationship(userID)
	a.SubscriptionID = sub
	return a
}

// userID prefers an identified app user over RevenueCat's anonymous ids
func (e webhookEvent) userID() string {
	candidates := append([]string{e.AppUserID, e.OriginalAppUserID}, e.Aliases...)
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if id != "" && !strings.HasPrefix(id, anonymousPrefix) {
			return id
		}
	}
	return strings.TrimSpace(e.AppUserID)
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
