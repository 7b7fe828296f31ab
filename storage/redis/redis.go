// Package redis provides a Redis implementation of the billing.EventLog interface.
// Processed provider deliveries are stored as expiring keys so every replica
// behind a load balancer shares the same duplicate-delivery fast path.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goreferral/pkg/billing"
)

var _ billing.EventLog = (*EventLog)(nil)

// EventLog implements billing.EventLog using Redis
type EventLog struct {
	client redis.UniversalClient
	config Config
	now    func() time.Time
}

// Config holds Redis event log configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goreferral:")
	KeyPrefix string

	// EventTTL is how long a processed event is remembered (default: 72h)
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "goreferral:",
		EventTTL:  72 * time.Hour,
	}
}

// New creates a new Redis event log
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*EventLog, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "goreferral:"
	}
	if config.EventTTL <= 0 {
		config.EventTTL = 72 * time.Hour
	}

	return &EventLog{client: client, config: config, now: time.Now}, nil
}

// NewFromURL parses a redis:// URL and creates an event log on a new client
func NewFromURL(url string, config Config) (*EventLog, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), config)
}

// Seen implements billing.EventLog
func (l *EventLog) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.eventKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements billing.EventLog. Re-marking an event refreshes its TTL.
func (l *EventLog) MarkProcessed(ctx context.Context, provider, eventID string) error {
	processedAt := strconv.FormatInt(l.now().UTC().Unix(), 10)
	if err := l.client.Set(ctx, l.eventKey(provider, eventID), processedAt, l.config.EventTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// eventKey generates the Redis key for a processed provider event
func (l *EventLog) eventKey(provider, eventID string) string {
	return fmt.Sprintf("%swebhook:%s:%s", l.config.KeyPrefix, provider, eventID)
}

// Close closes the Redis client connection
func (l *EventLog) Close() error {
	return l.client.Close()
}

// Ping checks the Redis connection
func (l *EventLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
