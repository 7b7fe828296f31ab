package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/goreferral/pkg/billing"
)

var _ billing.EventLog = (*EventLog)(nil)

// EventLog implements billing.EventLog on the webhook_events table.
// Expired rows are purged by Storage.Cleanup.
type EventLog struct {
	s   *Storage
	ttl time.Duration
	now func() time.Time
}

// EventLog returns a webhook event log that remembers events for ttl
func (s *Storage) EventLog(ttl time.Duration) *EventLog {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &EventLog{s: s, ttl: ttl, now: time.Now}
}

func (l *EventLog) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	var one int
	err := l.s.pool.QueryRow(ctx, `
		SELECT 1 FROM webhook_events
		WHERE provider = $1 AND event_id = $2 AND expires_at >= $3`,
		provider, eventID, l.now().UTC()).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return true, nil
}

func (l *EventLog) MarkProcessed(ctx context.Context, provider, eventID string) error {
	now := l.now().UTC()
	_, err := l.s.pool.Exec(ctx, `
		INSERT INTO webhook_events (provider, event_id, processed_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO UPDATE SET
			processed_at = EXCLUDED.processed_at,
			expires_at = EXCLUDED.expires_at`,
		provider, eventID, now, now.Add(l.ttl))
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}
