package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("OUTBOX_POLL_INTERVAL", "")
	t.Setenv("SWEEP_INTERVAL", "")
	t.Setenv("REVENUECAT_REQUIRE_SIGNATURE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, BackendMemory, cfg.Ledger())
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.False(t, cfg.RevenueCatRequireSignature)
	assert.Equal(t, 14*24*time.Hour, cfg.OutboxRetention())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://ledger@db/ledger")
	t.Setenv("REVENUECAT_WEBHOOK_SECRET", "rc_secret")
	t.Setenv("REVENUECAT_REQUIRE_SIGNATURE", "true")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("OUTBOX_BATCH_SIZE", "25")
	t.Setenv("OUTBOX_RETENTION_DAYS", "3")
	t.Setenv("SWEEP_INTERVAL", "5m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "rc_secret", cfg.RevenueCatWebhookSecret)
	assert.True(t, cfg.RevenueCatRequireSignature)
	assert.Equal(t, "whsec_test", cfg.StripeWebhookSecret)
	assert.Equal(t, 25, cfg.OutboxBatchSize)
	assert.Equal(t, 3*24*time.Hour, cfg.OutboxRetention())
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("OUTBOX_BATCH_SIZE", "lots")
	t.Setenv("SWEEP_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.OutboxBatchSize)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
}

func TestLoad_ProductionRequiresDatabase(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		OutboxPollInterval: time.Second,
		OutboxBatchSize:    10,
		SweepInterval:      time.Minute,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll interval", func(c *Config) { c.OutboxPollInterval = 0 }},
		{"zero batch", func(c *Config) { c.OutboxBatchSize = 0 }},
		{"negative retries", func(c *Config) { c.OutboxMaxRetries = -1 }},
		{"negative retention", func(c *Config) { c.OutboxRetentionDays = -1 }},
		{"zero sweep", func(c *Config) { c.SweepInterval = 0 }},
		{"negative cap", func(c *Config) { c.MaxPayments = -2 }},
		{"unknown backend", func(c *Config) { c.LedgerBackend = "mongo" }},
		{"postgres without url", func(c *Config) { c.LedgerBackend = BackendPostgres }},
		{"firestore without project", func(c *Config) { c.LedgerBackend = BackendFirestore }},
		{"memory in production", func(c *Config) {
			c.AppEnv = "production"
			c.DatabaseURL = "postgres://db"
			c.LedgerBackend = BackendMemory
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfig_Ledger(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"memory without database", Config{}, BackendMemory},
		{"postgres with database", Config{DatabaseURL: "postgres://db"}, BackendPostgres},
		{"explicit firestore", Config{DatabaseURL: "postgres://db", LedgerBackend: BackendFirestore}, BackendFirestore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Ledger())
		})
	}
}
