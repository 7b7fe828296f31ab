package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

// Dispatch statuses, also used as the webhook metric status label
const (
	StatusSuccess   = "success"
	StatusIgnored   = "ignored"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
)

// Dispatcher applies normalized events to the ledger, skipping deliveries the
// EventLog has already seen.
type Dispatcher struct {
	provider string
	ledger   Ledger
	events   EventLog
	metrics  Metrics
	logger   commission.Logger
}

// NewDispatcher creates a dispatcher for one provider
func NewDispatcher(provider string, config Config) (*Dispatcher, error) {
	if config.Ledger == nil {
		return nil, ErrProviderNotConfigured
	}
	d := &Dispatcher{
		provider: provider,
		ledger:   config.Ledger,
		events:   config.EventLog,
		metrics:  config.Metrics,
		logger:   config.Logger,
	}
	if d.events == nil {
		d.events = NoopEventLog{}
	}
	if d.metrics == nil {
		d.metrics = &NoopMetrics{}
	}
	if d.logger == nil {
		d.logger = &commission.NoopLogger{}
	}
	return d, nil
}

// Dispatch applies the event's actions in order. The returned status is one of
// StatusSuccess, StatusIgnored or StatusDuplicate; an error means the provider
// should retry.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (string, error) {
	if len(ev.Actions) == 0 {
		d.logger.Debug("webhook event ignored",
			commission.Field{Key: "provider", Value: d.provider},
			commission.Field{Key: "event_type", Value: ev.Type},
			commission.Field{Key: "event_id", Value: ev.ID},
		)
		return StatusIgnored, nil
	}

	if ev.ID != "" {
		seen, err := d.events.Seen(ctx, d.provider, ev.ID)
		if err != nil {
			d.logger.Warn("event log lookup failed, relying on ledger idempotency",
				commission.Field{Key: "provider", Value: d.provider},
				commission.Field{Key: "event_id", Value: ev.ID},
				commission.Field{Key: "error", Value: err.Error()},
			)
		} else if seen {
			return StatusDuplicate, nil
		}
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	actions := make([]commission.Action, len(ev.Actions))
	for i, a := range ev.Actions {
		a.Provider = d.provider
		a.EventID = ev.ID
		a.EventType = ev.Type
		if a.OccurredAt.IsZero() {
			a.OccurredAt = occurred
		}
		actions[i] = a
	}

	results, err := d.ledger.ApplyAll(ctx, actions)
	for _, res := range results {
		d.metrics.RecordActionOutcome(d.provider, string(res.Kind), string(res.Outcome))
	}
	if err != nil {
		return StatusError, err
	}

	if ev.ID != "" {
		if err := d.events.MarkProcessed(ctx, d.provider, ev.ID); err != nil {
			d.logger.Warn("failed to mark event processed",
				commission.Field{Key: "provider", Value: d.provider},
				commission.Field{Key: "event_id", Value: ev.ID},
				commission.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return StatusSuccess, nil
}
