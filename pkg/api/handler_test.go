package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/goreferral/pkg/commission"
	"github.com/mihaimyh/goreferral/pkg/notify"
	"github.com/mihaimyh/goreferral/storage/memory"
)

const (
	testReferrer = "referrer_1"
	testReferred = "user_1"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

// Helper to create a ledger with the in-memory store and an outbox notifier
func newTestLedger(t *testing.T) (*commission.Ledger, *testClock, *notify.MemoryRepository) {
	t.Helper()
	clock := &testClock{now: testNow}
	repo := notify.NewMemoryRepository()
	config := commission.DefaultConfig()
	config.Clock = clock
	config.Notifier = notify.NewOutboxNotifier(repo)
	ledger, err := commission.NewLedger(memory.New(), config)
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	return ledger, clock, repo
}

func newTestHandler(t *testing.T, ledger *commission.Ledger, inbox notify.Inbox) http.Handler {
	t.Helper()
	h, err := NewHandler(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		Inbox:     inbox,
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return h.Routes()
}

func do(handler http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// earnCommission activates the referral and records one $29.99 payment
func earnCommission(t *testing.T, ledger *commission.Ledger, externalID string) {
	t.Helper()
	ctx := context.Background()
	record := commission.RecordCommission(testReferred, decimal.RequireFromString("29.99"), externalID, testNow, testNow.AddDate(0, 1, 0))
	record.Currency = "USD"
	for _, a := range []commission.Action{commission.ActivateRelationship(testReferred, "sub_1", testNow), record} {
		if _, err := ledger.Apply(ctx, a); err != nil {
			t.Fatalf("Apply %s failed: %v", a.Kind, err)
		}
	}
}

func TestHandler_CreateReferral(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	handler := newTestHandler(t, ledger, nil)

	w := do(handler, http.MethodPost, "/referrals", testReferred, `{"referrer_id":"referrer_1","referral_code_id":"code_9"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var rel RelationshipView
	if err := json.NewDecoder(w.Body).Decode(&rel); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if rel.ReferredUserID != testReferred {
		t.Errorf("Expected referred user %s, got %s", testReferred, rel.ReferredUserID)
	}
	if rel.Status != string(commission.RelationshipPending) {
		t.Errorf("Expected pending status, got %s", rel.Status)
	}
	if rel.ReferralCodeID != "code_9" {
		t.Errorf("Expected referral code code_9, got %s", rel.ReferralCodeID)
	}

	// second signup for the same user conflicts
	w = do(handler, http.MethodPost, "/referrals", testReferred, `{"referrer_id":"referrer_2"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestHandler_CreateReferral_Errors(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	handler := newTestHandler(t, ledger, nil)

	tests := []struct {
		name   string
		userID string
		body   string
		want   int
	}{
		{"self referral", testReferred, `{"referrer_id":"user_1"}`, http.StatusBadRequest},
		{"missing referrer", testReferred, `{}`, http.StatusBadRequest},
		{"malformed body", testReferred, `{"referrer_id":`, http.StatusBadRequest},
		{"no caller and no referred user", "", `{"referrer_id":"referrer_1"}`, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(handler, http.MethodPost, "/referrals", tt.userID, tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_GetEarnings(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	handler := newTestHandler(t, ledger, nil)

	if _, err := ledger.CreateRelationship(context.Background(), testReferrer, testReferred, ""); err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	earnCommission(t, ledger, "in_1")

	w := do(handler, http.MethodGet, "/referrals/earnings", testReferrer, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp EarningsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.PendingBalance.Equal(decimal.RequireFromString("5.998")) {
		t.Errorf("Expected pending 5.998, got %s", resp.PendingBalance)
	}
	if !resp.AvailableBalance.IsZero() {
		t.Errorf("Expected available 0, got %s", resp.AvailableBalance)
	}
	if resp.ActiveReferralsCount != 1 || resp.TotalReferralsCount != 1 {
		t.Errorf("Expected 1 active / 1 total referral, got %d / %d", resp.ActiveReferralsCount, resp.TotalReferralsCount)
	}
	if len(resp.RecentEntries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(resp.RecentEntries))
	}
	entry := resp.RecentEntries[0]
	if entry.PaymentNumber != 1 || entry.Status != string(commission.EntryPending) {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if !entry.BecomesAvailableAt.Equal(testNow.Add(commission.DefaultHoldingPeriod)) {
		t.Errorf("Expected availability at %s, got %s", testNow.Add(commission.DefaultHoldingPeriod), entry.BecomesAvailableAt)
	}
}

func TestHandler_GetEarnings_NoHistory(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	handler := newTestHandler(t, ledger, nil)

	w := do(handler, http.MethodGet, "/referrals/earnings", "stranger", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp EarningsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.LifetimeEarnings.IsZero() || len(resp.RecentEntries) != 0 {
		t.Errorf("Expected empty earnings, got %+v", resp)
	}
}

func TestHandler_GetEarnings_Unauthorized(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	handler := newTestHandler(t, ledger, nil)

	w := do(handler, http.MethodGet, "/referrals/earnings", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}

	w = do(handler, http.MethodGet, "/referrals/earnings", strings.Repeat("x", maxUserIDLen+1), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_Withdraw(t *testing.T) {
	ledger, clock, _ := newTestLedger(t)
	handler := newTestHandler(t, ledger, nil)
	ctx := context.Background()

	if _, err := ledger.CreateRelationship(ctx, testReferrer, testReferred, ""); err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	earnCommission(t, ledger, "in_1")

	// nothing has matured yet
	w := do(handler, http.MethodPost, "/referrals/withdrawals", "", `{"withdrawal_id":"wd_0","referrer_id":"referrer_1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp WithdrawResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Outcome != string(commission.OutcomeEmpty) {
		t.Errorf("Expected outcome empty, got %s", resp.Outcome)
	}

	clock.now = testNow.Add(commission.DefaultHoldingPeriod)
	if _, err := ledger.MatureCommissions(ctx, 0); err != nil {
		t.Fatalf("MatureCommissions failed: %v", err)
	}

	body := `{"withdrawal_id":"wd_1","referrer_id":"referrer_1"}`
	w = do(handler, http.MethodPost, "/referrals/withdrawals", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	resp = WithdrawResponse{}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Outcome != string(commission.OutcomeApplied) {
		t.Errorf("Expected outcome applied, got %s", resp.Outcome)
	}
	if !resp.Amount.Equal(decimal.RequireFromString("5.998")) || resp.EntryCount != 1 {
		t.Errorf("Unexpected withdrawal: %+v", resp)
	}

	// replay returns the original payout
	w = do(handler, http.MethodPost, "/referrals/withdrawals", "", body)
	resp = WithdrawResponse{}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Outcome != string(commission.OutcomeDuplicate) || resp.WithdrawalID != "wd_1" {
		t.Errorf("Expected duplicate of wd_1, got %+v", resp)
	}

	e, _ := ledger.GetEarnings(ctx, testReferrer)
	if !e.TotalWithdrawn.Equal(decimal.RequireFromString("5.998")) || !e.AvailableBalance.IsZero() {
		t.Errorf("Unexpected earnings after withdrawal: %+v", e)
	}
}

func TestHandler_Withdraw_RequiresReferrer(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	handler := newTestHandler(t, ledger, nil)

	w := do(handler, http.MethodPost, "/referrals/withdrawals", "", `{"withdrawal_id":"wd_1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_Notifications(t *testing.T) {
	ledger, _, repo := newTestLedger(t)
	inbox := notify.NewMemoryInbox()
	handler := newTestHandler(t, ledger, inbox)
	ctx := context.Background()

	if _, err := ledger.CreateRelationship(ctx, testReferrer, testReferred, ""); err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	earnCommission(t, ledger, "in_1")

	publisher := notify.NewInAppPublisher(inbox)
	for _, msg := range repo.All() {
		if msg.Channel != notify.ChannelInApp {
			continue
		}
		if err := publisher.Publish(ctx, msg); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	w := do(handler, http.MethodGet, "/notifications", testReferrer, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp NotificationsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Notifications) == 0 {
		t.Fatal("Expected notifications for the referrer")
	}

	target := resp.Notifications[0]
	w = do(handler, http.MethodPost, "/notifications/read", testReferrer, `{"id":"`+target.ID.String()+`"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}
	rows, _ := inbox.List(ctx, testReferrer, 0)
	for _, row := range rows {
		if row.ID == target.ID && !row.Read {
			t.Error("Expected notification to be marked read")
		}
	}

	w = do(handler, http.MethodPost, "/notifications/read", testReferrer, `{"id":"not-a-uuid"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_NotificationsWithoutInbox(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	handler := newTestHandler(t, ledger, nil)

	w := do(handler, http.MethodGet, "/notifications", testReferrer, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandler_CustomOnError(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	var gotStatus int
	h, err := NewHandler(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(w http.ResponseWriter, _ *http.Request, _ error, status int) {
			gotStatus = status
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := do(h.Routes(), http.MethodGet, "/referrals/earnings", "", "")
	if w.Code != http.StatusTeapot || gotStatus != http.StatusUnauthorized {
		t.Errorf("Expected custom handler with 401, got %d / %d", w.Code, gotStatus)
	}
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")}); err == nil {
		t.Error("Expected error for missing ledger")
	}
	ledger, _, _ := newTestLedger(t)
	if _, err := NewHandler(Config{Ledger: ledger}); err == nil {
		t.Error("Expected error for missing GetUserID")
	}
}

type ctxKey struct{}

func TestFromContext(t *testing.T) {
	get := FromContext(ctxKey{})
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if got := get(req); got != "" {
		t.Errorf("Expected empty user, got %q", got)
	}
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "user_9"))
	if got := get(req); got != "user_9" {
		t.Errorf("Expected user_9, got %q", got)
	}
}
