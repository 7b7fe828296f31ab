package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMissingRecipient is returned when an in-app message has no recipient
var ErrMissingRecipient = errors.New("notify: in-app message has no recipient")

// InAppNotification is one row of a user's notification feed
type InAppNotification struct {
	ID        uuid.UUID         `json:"id"`
	UserID    string            `json:"user_id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}

// Inbox stores in-app notifications. Deliver must be idempotent on ID.
type Inbox interface {
	Deliver(ctx context.Context, n *InAppNotification) error
	List(ctx context.Context, userID string, limit int) ([]*InAppNotification, error)
	MarkRead(ctx context.Context, userID string, id uuid.UUID) error
}

// InAppPublisher turns in-app outbox messages into inbox rows
type InAppPublisher struct {
	inbox Inbox
}

func NewInAppPublisher(inbox Inbox) *InAppPublisher {
	return &InAppPublisher{inbox: inbox}
}

func (p *InAppPublisher) Publish(ctx context.Context, msg *Message) error {
	if msg.RecipientID == "" {
		return ErrMissingRecipient
	}
	payload, err := msg.Decode()
	if err != nil {
		return err
	}
	return p.inbox.Deliver(ctx, &InAppNotification{
		ID:        msg.EventID,
		UserID:    msg.RecipientID,
		Kind:      msg.Kind,
		Title:     payload.Title,
		Message:   payload.Message,
		Data:      payload.Data,
		CreatedAt: payload.OccurredAt,
	})
}

// MemoryInbox is an in-process Inbox
type MemoryInbox struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*InAppNotification
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{rows: make(map[uuid.UUID]*InAppNotification)}
}

func (b *MemoryInbox) Deliver(_ context.Context, n *InAppNotification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rows[n.ID]; ok {
		return nil
	}
	row := *n
	b.rows[n.ID] = &row
	return nil
}

// List returns the user's notifications, newest first
func (b *MemoryInbox) List(_ context.Context, userID string, limit int) ([]*InAppNotification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*InAppNotification
	for _, row := range b.rows {
		if row.UserID == userID {
			r := *row
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryInbox) MarkRead(_ context.Context, userID string, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row, ok := b.rows[id]; ok && row.UserID == userID {
		row.Read = true
	}
	return nil
}
