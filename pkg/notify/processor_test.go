package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []*Message
}

func (p *countingPublisher) Publish(_ context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, msg)
	return nil
}

func (p *countingPublisher) Published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func newTestProcessor(t *testing.T, repo Repository, pub Publisher, config ProcessorConfig) (*Processor, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: testNow}
	p := NewProcessor(repo, pub, config, zerolog.Nop())
	p.now = clock.Now
	return p, clock
}

func saveNotification(t *testing.T, repo Repository, n commission.Notification) {
	t.Helper()
	require.NoError(t, NewOutboxNotifier(repo).Notify(context.Background(), n))
}

func earned(recipient string) commission.Notification {
	return commission.Notification{
		Kind:        commission.NotifyCommissionEarned,
		RecipientID: recipient,
		Title:       "You earned a commission",
		Message:     "You earned $5.998",
		Data:        map[string]string{"amount": "5.998"},
		OccurredAt:  testNow.Add(-time.Minute),
	}
}

func TestProcessor_PublishesDueMessages(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &countingPublisher{}
	p, _ := newTestProcessor(t, repo, pub, DefaultProcessorConfig())

	saveNotification(t, repo, earned("referrer_1"))
	saveNotification(t, repo, earned("referrer_2"))

	n, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, pub.Published())

	for _, msg := range repo.All() {
		assert.True(t, msg.IsPublished())
		assert.Equal(t, testNow, *msg.PublishedAt)
	}

	n, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "published messages must not be picked up again")

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, testNow, stats.LastProcessedAt)
}

func TestProcessor_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &countingPublisher{failures: 10}
	config := DefaultProcessorConfig()
	config.MaxRetries = 3
	config.RetryBackoffBase = time.Second
	p, clock := newTestProcessor(t, repo, pub, config)

	saveNotification(t, repo, earned("referrer_1"))
	ctx := context.Background()

	_, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	msg := repo.All()[0]
	require.Equal(t, 1, msg.RetryCount)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, "broker unavailable", *msg.LastError)
	assert.Equal(t, testNow.Add(time.Second), *msg.NextRetryAt)

	// not due yet
	_, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.calls)

	clock.Advance(time.Second)
	_, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	msg = repo.All()[0]
	assert.Equal(t, 2, msg.RetryCount)
	assert.Equal(t, clock.Now().Add(2*time.Second), *msg.NextRetryAt)

	clock.Advance(2 * time.Second)
	_, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	msg = repo.All()[0]
	require.NotNil(t, msg.DeadLetteredAt)
	assert.Equal(t, "broker unavailable", *msg.DeadLetterReason)

	clock.Advance(time.Hour)
	_, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pub.calls, "dead-lettered messages are never retried")

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(1), stats.Dead)
	assert.Equal(t, "broker unavailable", stats.LastError)
}

func TestProcessor_RecoversAfterTransientFailure(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &countingPublisher{failures: 1}
	p, clock := newTestProcessor(t, repo, pub, DefaultProcessorConfig())

	saveNotification(t, repo, earned("referrer_1"))

	_, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	clock.Advance(time.Second)
	n, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, repo.All()[0].IsPublished())
}

func TestProcessor_RetryBackoff(t *testing.T) {
	p := NewProcessor(NewMemoryRepository(), &countingPublisher{}, ProcessorConfig{
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  10 * time.Second,
	}, zerolog.Nop())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.retryBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestProcessor_Cleanup(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &countingPublisher{}
	config := DefaultProcessorConfig()
	config.Retention = 7 * 24 * time.Hour
	p, clock := newTestProcessor(t, repo, pub, config)

	saveNotification(t, repo, earned("referrer_1"))
	_, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	saveNotification(t, repo, earned("referrer_2"))

	clock.Advance(7 * 24 * time.Hour)
	deleted, err := p.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining := repo.All()
	require.Len(t, remaining, 1)
	assert.Equal(t, "referrer_2", remaining[0].RecipientID)
	assert.Equal(t, uint64(1), p.Stats().Deleted)
}

func TestProcessor_CleanupDisabled(t *testing.T) {
	repo := NewMemoryRepository()
	p, _ := newTestProcessor(t, repo, &countingPublisher{}, ProcessorConfig{})

	deleted, err := p.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestProcessor_RunStopsOnCancel(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &countingPublisher{}
	p := NewProcessor(repo, pub, ProcessorConfig{PollInterval: 10 * time.Millisecond}, zerolog.Nop())

	saveNotification(t, repo, earned("referrer_1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.Published() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
