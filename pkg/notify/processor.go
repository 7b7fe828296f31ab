package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProcessorConfig holds configuration for the outbox processor.
type ProcessorConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	// Retention is how long published messages are kept (0 keeps them forever).
	Retention       time.Duration
	CleanupInterval time.Duration
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:     time.Second,
		BatchSize:        100,
		MaxRetries:       5,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  5 * time.Minute,
		Retention:        7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}
}

// Stats are counters since the processor was created
type Stats struct {
	Published       uint64
	Failed          uint64
	Dead            uint64
	Deleted         uint64
	LagSeconds      float64
	LastError       string
	LastProcessedAt time.Time
}

// Processor polls the outbox and publishes due messages.
type Processor struct {
	repo      Repository
	publisher Publisher
	config    ProcessorConfig
	logger    zerolog.Logger
	now       func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

// NewProcessor creates a processor. Zero config fields take their defaults.
func NewProcessor(repo Repository, publisher Publisher, config ProcessorConfig, logger zerolog.Logger) *Processor {
	defaults := DefaultProcessorConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.RetryBackoffBase <= 0 {
		config.RetryBackoffBase = defaults.RetryBackoffBase
	}
	if config.RetryBackoffMax <= 0 {
		config.RetryBackoffMax = defaults.RetryBackoffMax
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	return &Processor{
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger.With().Str("component", "outbox").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (p *Processor) Run(ctx context.Context) error {
	poll := time.NewTicker(p.config.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(p.config.CleanupInterval)
	defer cleanup.Stop()

	p.logger.Info().
		Dur("poll_interval", p.config.PollInterval).
		Int("batch_size", p.config.BatchSize).
		Int("max_retries", p.config.MaxRetries).
		Msg("outbox processor started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("outbox processor stopped")
			return nil
		case <-poll.C:
			if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("failed to process outbox batch")
			}
		case <-cleanup.C:
			if _, err := p.Cleanup(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("failed to clean up outbox")
			}
		}
	}
}

// ProcessOnce publishes one batch and returns how many messages were published.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	now := p.now()
	messages, err := p.repo.GetUnpublished(ctx, now, p.config.BatchSize)
	if err != nil {
		p.recordError(err)
		return 0, err
	}
	p.recordProcessed(now, messages)

	published := 0
	for _, msg := range messages {
		if err := p.publisher.Publish(ctx, msg); err != nil {
			p.handleFailure(ctx, msg, err)
			continue
		}
		if err := p.repo.MarkPublished(ctx, msg.ID, p.now()); err != nil {
			p.logger.Error().Err(err).Int64("id", msg.ID).Msg("failed to mark message as published")
			continue
		}
		published++
		p.statsMu.Lock()
		p.stats.Published++
		p.statsMu.Unlock()
	}
	return published, nil
}

func (p *Processor) handleFailure(ctx context.Context, msg *Message, err error) {
	log := p.logger.With().
		Int64("id", msg.ID).
		Str("channel", msg.Channel).
		Str("kind", msg.Kind).
		Int("retry_count", msg.RetryCount).
		Logger()
	errStr := err.Error()

	if p.shouldDeadLetter(msg) {
		log.Error().Err(err).Msg("notification dead-lettered")
		p.statsMu.Lock()
		p.stats.Dead++
		p.stats.LastError = errStr
		p.statsMu.Unlock()
		if markErr := p.repo.MarkDead(ctx, msg.ID, errStr, p.now()); markErr != nil {
			log.Error().Err(markErr).Msg("failed to mark message as dead-lettered")
		}
		return
	}

	next := p.now().Add(p.retryBackoff(msg.RetryCount + 1))
	log.Warn().Err(err).Time("next_retry_at", next).Msg("failed to publish notification")
	p.statsMu.Lock()
	p.stats.Failed++
	p.stats.LastError = errStr
	p.statsMu.Unlock()
	if markErr := p.repo.MarkFailed(ctx, msg.ID, errStr, next); markErr != nil {
		log.Error().Err(markErr).Msg("failed to mark message as failed")
	}
}

func (p *Processor) shouldDeadLetter(msg *Message) bool {
	if p.config.MaxRetries <= 0 {
		return true
	}
	return msg.RetryCount+1 >= p.config.MaxRetries
}

// retryBackoff doubles from the base per attempt, capped at the max
func (p *Processor) retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.config.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.config.RetryBackoffMax {
			return p.config.RetryBackoffMax
		}
	}
	if backoff > p.config.RetryBackoffMax {
		return p.config.RetryBackoffMax
	}
	return backoff
}

// Cleanup deletes messages published before the retention window
func (p *Processor) Cleanup(ctx context.Context) (int64, error) {
	if p.config.Retention <= 0 {
		return 0, nil
	}
	deleted, err := p.repo.DeleteOld(ctx, p.now().Add(-p.config.Retention))
	if err != nil {
		p.recordError(err)
		return 0, err
	}
	if deleted > 0 {
		p.logger.Info().Int64("deleted", deleted).Msg("outbox cleaned up")
		p.statsMu.Lock()
		p.stats.Deleted += uint64(deleted)
		p.statsMu.Unlock()
	}
	return deleted, nil
}

// Stats returns a snapshot of the processor counters
func (p *Processor) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Processor) recordError(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.LastError = err.Error()
}

func (p *Processor) recordProcessed(now time.Time, messages []*Message) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.LastProcessedAt = now
	if len(messages) == 0 {
		p.stats.LagSeconds = 0
		return
	}
	oldest := messages[0].CreatedAt
	for _, msg := range messages[1:] {
		if msg.CreatedAt.Before(oldest) {
			oldest = msg.CreatedAt
		}
	}
	p.stats.LagSeconds = now.Sub(oldest).Seconds()
}
