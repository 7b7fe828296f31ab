// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv   string
	LogLevel string
	HTTPAddr string

	// Webhooks
	RevenueCatWebhookSecret    string
	RevenueCatRequireSignature bool
	StripeWebhookSecret        string
	StripeSecretKey            string
	WebhookRateLimit           int

	// Storage
	DatabaseURL        string
	RedisURL           string
	LedgerBackend      string
	FirestoreProjectID string

	// Notifications
	RabbitMQURL      string
	OperatorAlertURL string

	// Outbox
	OutboxPollInterval    time.Duration
	OutboxBatchSize       int
	OutboxMaxRetries      int
	OutboxRetentionDays   int
	OutboxCleanupInterval time.Duration

	// Ledger
	MaxPayments   int
	SweepInterval time.Duration

	// OperatorToken guards the withdrawal endpoint (Bearer token). Empty disables the route.
	OperatorToken string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		RevenueCatWebhookSecret:    getEnv("REVENUECAT_WEBHOOK_SECRET", ""),
		RevenueCatRequireSignature: getBoolEnv("REVENUECAT_REQUIRE_SIGNATURE", false),
		StripeWebhookSecret:        getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeSecretKey:            getEnv("STRIPE_SECRET_KEY", ""),
		WebhookRateLimit:           getIntEnv("WEBHOOK_RATE_LIMIT", 100),

		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		LedgerBackend:      getEnv("LEDGER_BACKEND", ""),
		FirestoreProjectID: getEnv("FIRESTORE_PROJECT_ID", ""),

		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		OperatorAlertURL: getEnv("OPERATOR_ALERT_URL", ""),

		OutboxPollInterval:    getDurationEnv("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:       getIntEnv("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxRetries:      getIntEnv("OUTBOX_MAX_RETRIES", 5),
		OutboxRetentionDays:   getIntEnv("OUTBOX_RETENTION_DAYS", 14),
		OutboxCleanupInterval: getDurationEnv("OUTBOX_CLEANUP_INTERVAL", time.Hour),

		MaxPayments:   getIntEnv("COMMISSION_MAX_PAYMENTS", 0),
		SweepInterval: getDurationEnv("SWEEP_INTERVAL", 15*time.Minute),

		OperatorToken: getEnv("OPERATOR_API_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no safe fallback
func (c *Config) Validate() error {
	if c.OutboxPollInterval <= 0 {
		return fmt.Errorf("config: OUTBOX_POLL_INTERVAL must be positive")
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("config: OUTBOX_BATCH_SIZE must be positive")
	}
	if c.OutboxMaxRetries < 0 {
		return fmt.Errorf("config: OUTBOX_MAX_RETRIES cannot be negative")
	}
	if c.OutboxRetentionDays < 0 {
		return fmt.Errorf("config: OUTBOX_RETENTION_DAYS cannot be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL must be positive")
	}
	if c.MaxPayments < 0 {
		return fmt.Errorf("config: COMMISSION_MAX_PAYMENTS cannot be negative")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required in production")
	}
	switch c.Ledger() {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: LEDGER_BACKEND=postgres requires DATABASE_URL")
		}
	case BackendFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("config: LEDGER_BACKEND=firestore requires FIRESTORE_PROJECT_ID")
		}
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("config: LEDGER_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("config: unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	return nil
}

// Ledger backends
const (
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// Ledger returns the ledger storage backend. Unset, it is postgres when
// DATABASE_URL is configured and memory otherwise.
func (c *Config) Ledger() string {
	if c.LedgerBackend != "" {
		return c.LedgerBackend
	}
	if c.DatabaseURL != "" {
		return BackendPostgres
	}
	return BackendMemory
}

// OutboxRetention converts the retention in days to a duration
func (c *Config) OutboxRetention() time.Duration {
	return time.Duration(c.OutboxRetentionDays) * 24 * time.Hour
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
