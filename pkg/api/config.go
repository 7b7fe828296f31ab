package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/goreferral/pkg/commission"
	"github.com/mihaimyh/goreferral/pkg/notify"
)

const defaultRecentEntries = 20

// Config holds configuration for the referral API handler
type Config struct {
	// Ledger is the commission ledger (required)
	Ledger *commission.Ledger

	// GetUserID extracts the authenticated user ID from the request (required)
	GetUserID func(*http.Request) string

	// Inbox serves the in-app notification feed. Optional; the
	// notification routes answer 404 without it.
	Inbox notify.Inbox

	// RecentEntries is how many entries the earnings response includes (default: 20)
	RecentEntries int

	// OnError handles errors. If nil, errors are written as {"error": "..."}.
	OnError func(http.ResponseWriter, *http.Request, error, int)

	// OperatorAuth wraps the withdrawal route. If nil the route is mounted
	// unguarded and must be protected upstream.
	OperatorAuth func(http.Handler) http.Handler
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new referral API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.RecentEntries <= 0 {
		config.RecentEntries = defaultRecentEntries
	}
	return &Handler{
		config: config,
	}, nil
}

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
