package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goreferral/pkg/commission"
	"github.com/mihaimyh/goreferral/pkg/config"
	"github.com/mihaimyh/goreferral/pkg/notify"
)

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:             "test",
		LogLevel:           "info",
		WebhookRateLimit:   100,
		OutboxPollInterval: 10 * time.Millisecond,
		OutboxBatchSize:    10,
		OutboxMaxRetries:   3,
		SweepInterval:      time.Minute,
		OperatorToken:      "op-secret",
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.close)

	a.eventLog, err = a.newEventLog()
	require.NoError(t, err)
	return a
}

func TestNewApp_InMemory(t *testing.T) {
	a := newTestApp(t)

	assert.Nil(t, a.pg)
	assert.NotNil(t, a.ledger)
	assert.IsType(t, &notify.MemoryRepository{}, a.outbox)
	assert.IsType(t, &notify.MemoryInbox{}, a.inbox)
	assert.Empty(t, a.health)
}

func TestNewApp_PostgresLedgerRequiresDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.LedgerBackend = config.BackendPostgres

	_, err := newApp(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestNewHandler_ServesReferralAPI(t *testing.T) {
	a := newTestApp(t)
	handler, err := a.newHandler()
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"referrer_id": "alice"})
	req := httptest.NewRequest(http.MethodPost, "/referrals", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "bob")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/referrals/earnings", nil)
	req.Header.Set("X-User-ID", "alice")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var earnings struct {
		TotalReferralsCount int `json:"total_referrals_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &earnings))
	assert.Equal(t, 1, earnings.TotalReferralsCount)
}

func TestNewHandler_WithdrawalsRequireOperatorToken(t *testing.T) {
	a := newTestApp(t)
	handler, err := a.newHandler()
	require.NoError(t, err)

	body := []byte(`{"referrer_id":"alice","withdrawal_id":"w-1"}`)

	req := httptest.NewRequest(http.MethodPost, "/referrals/withdrawals", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/referrals/withdrawals", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer op-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"outcome":"empty"`)
}

func TestNewHandler_ExposesMetricsAndHealth(t *testing.T) {
	a := newTestApp(t)
	handler, err := a.newHandler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewPublisher_RoutesChannels(t *testing.T) {
	a := newTestApp(t)
	publisher, err := a.newPublisher()
	require.NoError(t, err)
	ctx := context.Background()

	note := commission.Notification{
		Kind:        commission.NotifyCommissionEarned,
		RecipientID: "alice",
		Operator:    true,
		Title:       "Commission earned",
		OccurredAt:  time.Now().UTC(),
	}
	inApp, err := notify.NewMessage(notify.ChannelInApp, note)
	require.NoError(t, err)
	operator, err := notify.NewMessage(notify.ChannelOperator, note)
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, inApp))
	require.NoError(t, publisher.Publish(ctx, operator))

	list, err := a.inbox.List(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runSweeper(ctx, a, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRebuild_FoldsEntries(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	_, err := a.ledger.CreateRelationship(ctx, "alice", "bob", "")
	require.NoError(t, err)

	require.NoError(t, rebuild(ctx, a, []string{"alice", "nobody"}))

	e, err := a.ledger.GetEarnings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, e.TotalReferralsCount)
	assert.True(t, e.AvailableBalance.IsZero())
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.LogLevel = "warn"
	l := newLogger(cfg, &buf)

	l.Info().Msg("hidden")
	l.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"referrald"`)
}
