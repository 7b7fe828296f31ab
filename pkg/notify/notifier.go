package notify

import (
	"context"
	"fmt"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

// OutboxNotifier implements commission.Notifier by storing one outbox
// message per channel. Delivery happens later in the Processor.
type OutboxNotifier struct {
	repo Repository
}

var _ commission.Notifier = (*OutboxNotifier)(nil)

func NewOutboxNotifier(repo Repository) *OutboxNotifier {
	return &OutboxNotifier{repo: repo}
}

func (n *OutboxNotifier) Notify(ctx context.Context, note commission.Notification) error {
	var msgs []*Message
	if note.RecipientID != "" {
		msg, err := NewMessage(ChannelInApp, note)
		if err != nil {
			return fmt.Errorf("build in-app message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if note.Operator {
		msg, err := NewMessage(ChannelOperator, note)
		if err != nil {
			return fmt.Errorf("build operator message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := n.repo.SaveBatch(ctx, msgs); err != nil {
		return fmt.Errorf("save outbox messages: %w", err)
	}
	return nil
}
