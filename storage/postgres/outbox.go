package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/goreferral/pkg/notify"
)

var (
	_ notify.Repository = (*OutboxRepository)(nil)
	_ notify.Inbox      = (*Inbox)(nil)
)

// OutboxRepository implements notify.Repository on the notification_outbox table
type OutboxRepository struct {
	s *Storage
}

// Outbox returns the notification outbox sharing this storage's pool
func (s *Storage) Outbox() *OutboxRepository {
	return &OutboxRepository{s: s}
}

const messageColumns = `id, event_id, channel, kind, recipient_id, payload, created_at,
	published_at, next_retry_at, retry_count, last_error, dead_lettered_at, dead_letter_reason`

// SaveBatch stores messages in one transaction
func (r *OutboxRepository) SaveBatch(ctx context.Context, msgs []*notify.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.s.inTx(ctx, func(tx pgx.Tx) error {
		for _, msg := range msgs {
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = time.Now().UTC()
			}
			err := tx.QueryRow(ctx, `
				INSERT INTO notification_outbox
					(event_id, channel, kind, recipient_id, payload, created_at, next_retry_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id`,
				msg.EventID, msg.Channel, msg.Kind, msg.RecipientID, []byte(msg.Payload),
				msg.CreatedAt, msg.NextRetryAt,
			).Scan(&msg.ID)
			if err != nil {
				return fmt.Errorf("failed to save outbox message: %w", err)
			}
		}
		return nil
	})
}

// GetUnpublished claims due messages ordered by creation time. Claimed rows
// are locked with SKIP LOCKED and leased by pushing next_retry_at forward, so
// concurrent processors receive disjoint batches. MarkPublished, MarkFailed
// and MarkDead settle the claim; an abandoned claim expires with its lease.
func (r *OutboxRepository) GetUnpublished(ctx context.Context, now time.Time, limit int) ([]*notify.Message, error) {
	lease := r.s.config.OutboxClaimLease
	if lease <= 0 {
		lease = DefaultConfig().OutboxClaimLease
	}
	rows, err := r.s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM notification_outbox
			WHERE published_at IS NULL
			  AND dead_lettered_at IS NULL
			  AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY created_at, id
			LIMIT NULLIF($2::int, 0)
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE notification_outbox SET next_retry_at = $3
			WHERE id IN (SELECT id FROM due)
			RETURNING `+messageColumns+`
		)
		SELECT `+messageColumns+` FROM claimed
		ORDER BY created_at, id`, now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []*notify.Message
	for rows.Next() {
		var msg notify.Message
		var payload []byte
		err := rows.Scan(
			&msg.ID, &msg.EventID, &msg.Channel, &msg.Kind, &msg.RecipientID, &payload, &msg.CreatedAt,
			&msg.PublishedAt, &msg.NextRetryAt, &msg.RetryCount, &msg.LastError,
			&msg.DeadLetteredAt, &msg.DeadLetterReason,
		)
		if err != nil {
			return nil, err
		}
		msg.Payload = json.RawMessage(payload)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := r.s.pool.Exec(ctx,
		`UPDATE notification_outbox SET published_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	_, err := r.s.pool.Exec(ctx, `
		UPDATE notification_outbox
		SET retry_count = retry_count + 1,
			last_error = $2,
			next_retry_at = $3
		WHERE id = $1`, id, errMsg, nextRetryAt)
	return err
}

func (r *OutboxRepository) MarkDead(ctx context.Context, id int64, reason string, at time.Time) error {
	_, err := r.s.pool.Exec(ctx, `
		UPDATE notification_outbox
		SET retry_count = retry_count + 1,
			dead_lettered_at = $3,
			dead_letter_reason = $2
		WHERE id = $1`, id, reason, at)
	return err
}

// DeleteOld removes messages published before cutoff
func (r *OutboxRepository) DeleteOld(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.s.pool.Exec(ctx, `
		DELETE FROM notification_outbox
		WHERE published_at IS NOT NULL AND published_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Inbox implements notify.Inbox on the notifications table
type Inbox struct {
	s *Storage
}

// Inbox returns the in-app notification feed sharing this storage's pool
func (s *Storage) Inbox() *Inbox {
	return &Inbox{s: s}
}

// Deliver inserts the notification unless its id is already stored
func (b *Inbox) Deliver(ctx context.Context, n *notify.InAppNotification) error {
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = b.s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, message, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, n.Kind, n.Title, n.Message, raw, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	return nil
}

// List returns the user's notifications, newest first
func (b *Inbox) List(ctx context.Context, userID string, limit int) ([]*notify.InAppNotification, error) {
	rows, err := b.s.pool.Query(ctx, `
		SELECT id, user_id, kind, title, message, data, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2::int, 0)`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*notify.InAppNotification
	for rows.Next() {
		var n notify.InAppNotification
		var raw []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &raw, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &n.Data); err != nil {
				return nil, fmt.Errorf("failed to decode notification data: %w", err)
			}
		}
		if len(n.Data) == 0 {
			n.Data = nil
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkRead flags one of the user's notifications as read. Other users' rows are left untouched.
func (b *Inbox) MarkRead(ctx context.Context, userID string, id uuid.UUID) error {
	_, err := b.s.pool.Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	return err
}
