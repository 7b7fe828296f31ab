package billing

import (
	"context"
	"sync"
	"time"
)

// EventLog remembers provider event ids whose actions were fully applied.
// It is a fast path only: the ledger stays idempotent without it.
type EventLog interface {
	// Seen reports whether the event was already processed.
	Seen(ctx context.Context, provider, eventID string) (bool, error)

	// MarkProcessed records the event after its actions committed.
	MarkProcessed(ctx context.Context, provider, eventID string) error
}

// NoopEventLog never reports an event as seen.
type NoopEventLog struct{}

func (NoopEventLog) Seen(context.Context, string, string) (bool, error) { return false, nil }
func (NoopEventLog) MarkProcessed(context.Context, string, string) error { return nil }

// MemoryEventLog is an in-process EventLog with a retention TTL.
type MemoryEventLog struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryEventLog creates an in-memory event log that forgets events after ttl
func NewMemoryEventLog(ttl time.Duration) *MemoryEventLog {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &MemoryEventLog{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (l *MemoryEventLog) Seen(_ context.Context, provider, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expires, ok := l.entries[provider+":"+eventID]
	if !ok {
		return false, nil
	}
	if l.now().After(expires) {
		delete(l.entries, provider+":"+eventID)
		return false, nil
	}
	return true, nil
}

func (l *MemoryEventLog) MarkProcessed(_ context.Context, provider, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	// drop expired keys once the map grows
	if len(l.entries) > 10000 {
		for k, exp := range l.entries {
			if now.After(exp) {
				delete(l.entries, k)
			}
		}
	}
	l.entries[provider+":"+eventID] = now.Add(l.ttl)
	return nil
}
