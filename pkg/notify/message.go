// Package notify delivers ledger notifications through a persistent outbox.
//
// The ledger hands each notification to OutboxNotifier, which stores one
// message per channel and returns. Processor later publishes stored messages
// through a Publisher, retrying with backoff and dead-lettering messages that
// keep failing.
package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

// Delivery channels
const (
	ChannelInApp    = "in_app"
	ChannelOperator = "operator"
)

// Message is one outbox row
type Message struct {
	ID               int64
	EventID          uuid.UUID
	Channel          string
	Kind             string
	RecipientID      string
	Payload          json.RawMessage
	CreatedAt        time.Time
	PublishedAt      *time.Time
	NextRetryAt      *time.Time
	RetryCount       int
	LastError        *string
	DeadLetteredAt   *time.Time
	DeadLetterReason *string
}

// Payload is the JSON body stored with every message and sent to publishers
type Payload struct {
	EventID     string            `json:"event_id"`
	Kind        string            `json:"kind"`
	Channel     string            `json:"channel"`
	RecipientID string            `json:"recipient_id,omitempty"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Data        map[string]string `json:"data,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// NewMessage builds an outbox message for one channel of a notification
func NewMessage(channel string, n commission.Notification) (*Message, error) {
	id := uuid.New()
	recipient := n.RecipientID
	if channel == ChannelOperator {
		recipient = ""
	}
	payload, err := json.Marshal(Payload{
		EventID:     id.String(),
		Kind:        string(n.Kind),
		Channel:     channel,
		RecipientID: recipient,
		Title:       n.Title,
		Message:     n.Message,
		Data:        n.Data,
		OccurredAt:  n.OccurredAt,
	})
	if err != nil {
		return nil, err
	}

	return &Message{
		EventID:     id,
		Channel:     channel,
		Kind:        string(n.Kind),
		RecipientID: recipient,
		Payload:     payload,
		CreatedAt:   n.OccurredAt,
	}, nil
}

// RoutingKey is the broker routing key, e.g. "in_app.commission.earned"
func (m *Message) RoutingKey() string {
	return m.Channel + "." + m.Kind
}

// IsPublished returns true if the message has been published.
func (m *Message) IsPublished() bool {
	return m.PublishedAt != nil
}

// Decode unmarshals the stored payload
func (m *Message) Decode() (Payload, error) {
	var p Payload
	err := json.Unmarshal(m.Payload, &p)
	return p, err
}
