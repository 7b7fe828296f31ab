package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
		wantTTL    time.Duration
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "default config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     DefaultConfig(),
			wantPrefix: "goreferral:",
			wantTTL:    72 * time.Hour,
		},
		{
			name:       "custom config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:", EventTTL: time.Minute},
			wantPrefix: "test:",
			wantTTL:    time.Minute,
		},
		{
			name:       "empty config uses defaults",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "goreferral:",
			wantTTL:    72 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.client, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			defer log.Close()
			if log.config.KeyPrefix != tt.wantPrefix {
				t.Errorf("KeyPrefix = %q, want %q", log.config.KeyPrefix, tt.wantPrefix)
			}
			if log.config.EventTTL != tt.wantTTL {
				t.Errorf("EventTTL = %v, want %v", log.config.EventTTL, tt.wantTTL)
			}
		})
	}
}

func TestNewFromURL_Invalid(t *testing.T) {
	if _, err := NewFromURL("not a url", DefaultConfig()); err == nil {
		t.Error("expected error for invalid url")
	}
}

func TestEventLog_SeenAfterMarkProcessed(t *testing.T) {
	client := setupTestRedis(t)
	log, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer log.Close()
	ctx := context.Background()

	seen, err := log.Seen(ctx, "stripe", "evt_1")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if seen {
		t.Error("fresh event should not be seen")
	}

	if err := log.MarkProcessed(ctx, "stripe", "evt_1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	seen, err = log.Seen(ctx, "stripe", "evt_1")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if !seen {
		t.Error("processed event should be seen")
	}

	seen, _ = log.Seen(ctx, "revenuecat", "evt_1")
	if seen {
		t.Error("event ids are scoped per provider")
	}
}

func TestEventLog_KeysExpire(t *testing.T) {
	client := setupTestRedis(t)
	log, err := New(client, Config{EventTTL: time.Minute})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer log.Close()
	ctx := context.Background()

	if err := log.MarkProcessed(ctx, "stripe", "evt_ttl"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	ttl, err := client.TTL(ctx, log.eventKey("stripe", "evt_ttl")).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected TTL within (0, 1m], got %v", ttl)
	}
}

func TestEventLog_Ping(t *testing.T) {
	client := setupTestRedis(t)
	log, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer log.Close()

	if err := log.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
