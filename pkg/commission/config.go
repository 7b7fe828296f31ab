package commission

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultHoldingPeriod is how long a commission stays pending before it can be withdrawn
	DefaultHoldingPeriod = 30 * 24 * time.Hour

	// DefaultWindowMonths is how long after activation payments earn commission
	DefaultWindowMonths = 12

	// DefaultSweepBatch bounds one maturation or completion sweep
	DefaultSweepBatch = 500
)

// DefaultRate is the commission share of each payment (20%)
var DefaultRate = decimal.RequireFromString("0.20")

// Config holds ledger configuration
type Config struct {
	// Rate is the commission share of each payment (default: 0.20)
	Rate decimal.Decimal

	// HoldingPeriod delays availability of new entries (default: 30 days)
	HoldingPeriod time.Duration

	// WindowMonths is the commission window measured from activation (default: 12)
	WindowMonths int

	// MaxPayments caps commissionable payments per relationship; 0 disables the cap
	MaxPayments int

	// SweepBatch bounds MatureCommissions and CompleteExpired when called with limit 0
	SweepBatch int

	// Clock supplies the current time (default: SystemClock)
	Clock Clock

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Notifier receives post-commit notifications (default: NoopNotifier)
	Notifier Notifier

	// IDGenerator creates ids for relationships and entries (default: uuid v4)
	IDGenerator func() string
}

// DefaultConfig returns the production ledger configuration
func DefaultConfig() Config {
	return Config{
		Rate:          DefaultRate,
		HoldingPeriod: DefaultHoldingPeriod,
		WindowMonths:  DefaultWindowMonths,
		SweepBatch:    DefaultSweepBatch,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Rate.IsNegative() || c.Rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: rate must be between 0 and 1, got %s", ErrInvalidConfig, c.Rate)
	}
	if c.HoldingPeriod < 0 {
		return fmt.Errorf("%w: holding period cannot be negative", ErrInvalidConfig)
	}
	if c.WindowMonths < 0 {
		return fmt.Errorf("%w: window months cannot be negative", ErrInvalidConfig)
	}
	if c.MaxPayments < 0 {
		return fmt.Errorf("%w: max payments cannot be negative", ErrInvalidConfig)
	}
	if c.SweepBatch < 0 {
		return fmt.Errorf("%w: sweep batch cannot be negative", ErrInvalidConfig)
	}
	return nil
}
