package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// AlertConfig configures the operator alert publisher
type AlertConfig struct {
	// URL receives a JSON POST per operator message
	URL string

	// Timeout bounds each POST (default: 10s)
	Timeout time.Duration

	// FailureThreshold consecutive failures open the breaker (default: 5)
	FailureThreshold uint32

	// ResetTimeout is how long the breaker stays open (default: 1m)
	ResetTimeout time.Duration

	HTTPClient *http.Client
}

// AlertPublisher POSTs operator messages to a webhook endpoint (Slack relay,
// incident tooling). A circuit breaker stops hammering an endpoint that is down;
// while open, publishes fail fast and the outbox retries later.
type AlertPublisher struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker[any]
}

// NewAlertPublisher creates an alert publisher
func NewAlertPublisher(config AlertConfig, logger zerolog.Logger) (*AlertPublisher, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("notify: alert URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = time.Minute
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	threshold := config.FailureThreshold
	settings := gobreaker.Settings{
		Name:        "operator-alert",
		MaxRequests: 1,
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("alert circuit breaker state changed")
		},
	}

	return &AlertPublisher{
		url:    config.URL,
		client: client,
		cb:     gobreaker.NewCircuitBreaker[any](settings),
	}, nil
}

func (p *AlertPublisher) Publish(ctx context.Context, msg *Message) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.post(ctx, msg)
	})
	return err
}

func (p *AlertPublisher) post(ctx context.Context, msg *Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(msg.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.EventID.String())

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// State reports the breaker state
func (p *AlertPublisher) State() gobreaker.State {
	return p.cb.State()
}
