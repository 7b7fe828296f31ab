package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

const (
	maxUserIDLen  = 255
	maxBodyBytes  = 16 * 1024
	notifyListMax = 50
)

// Handler provides HTTP endpoints for the product app and operators
type Handler struct {
	config Config
}

// Routes mounts every endpoint on a chi router:
//
//	GET  /referrals/earnings
//	POST /referrals
//	POST /referrals/withdrawals
//	GET  /notifications
//	POST /notifications/read
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/referrals/earnings", h.GetEarnings)
	r.Post("/referrals", h.CreateReferral)
	if h.config.OperatorAuth != nil {
		r.With(h.config.OperatorAuth).Post("/referrals/withdrawals", h.Withdraw)
	} else {
		r.Post("/referrals/withdrawals", h.Withdraw)
	}
	r.Get("/notifications", h.ListNotifications)
	r.Post("/notifications/read", h.MarkNotificationRead)
	return r
}

// GetEarnings returns the caller's balances and most recent commission entries
func (h *Handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	earnings, err := h.config.Ledger.GetEarnings(ctx, userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get earnings: %w", err), statusFor(err))
		return
	}

	entries, err := h.config.Ledger.ListEntries(ctx, commission.EntryFilter{
		ReferrerID: userID,
		Limit:      h.config.RecentEntries,
	})
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list entries: %w", err), statusFor(err))
		return
	}

	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, EntryView{
			ID:                 e.ID,
			ReferredUserID:     e.ReferredUserID,
			SubscriptionAmount: e.SubscriptionAmount,
			CommissionAmount:   e.CommissionAmount,
			Currency:           e.Currency,
			PaymentNumber:      e.PaymentNumber,
			Status:             string(e.Status),
			BecomesAvailableAt: e.BecomesAvailableAt,
			CreatedAt:          e.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, EarningsResponse{
		UserID:               userID,
		PendingBalance:       earnings.PendingBalance,
		AvailableBalance:     earnings.AvailableBalance,
		LifetimeEarnings:     earnings.LifetimeEarnings,
		TotalWithdrawn:       earnings.TotalWithdrawn,
		ActiveReferralsCount: earnings.ActiveReferralsCount,
		TotalReferralsCount:  earnings.TotalReferralsCount,
		RecentEntries:        views,
	})
}

// CreateReferral records a pending relationship when a referred user signs up.
// The referred user defaults to the caller.
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.ReferredUserID == "" {
		userID, ok := h.userID(w, r)
		if !ok {
			return
		}
		req.ReferredUserID = userID
	}

	rel, err := h.config.Ledger.CreateRelationship(r.Context(), req.ReferrerID, req.ReferredUserID, req.ReferralCodeID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	writeJSON(w, http.StatusCreated, RelationshipView{
		ID:                rel.ID,
		ReferrerID:        rel.ReferrerID,
		ReferredUserID:    rel.ReferredUserID,
		ReferralCodeID:    rel.ReferralCodeID,
		Status:            string(rel.Status),
		CommissionEndDate: rel.CommissionEndDate,
		CreatedAt:         rel.CreatedAt,
	})
}

// Withdraw pays out a referrer's available balance. Mount it behind operator auth.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ReferrerID) == "" {
		h.handleError(w, r, fmt.Errorf("referrer_id is required"), http.StatusBadRequest)
		return
	}

	res, err := h.config.Ledger.Withdraw(r.Context(), commission.WithdrawalRequest{
		ID:         req.WithdrawalID,
		ReferrerID: req.ReferrerID,
	})
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	resp := WithdrawResponse{Outcome: string(res.Outcome), Amount: decimal.Zero}
	if res.Withdrawal != nil {
		resp.WithdrawalID = res.Withdrawal.ID
		resp.Amount = res.Withdrawal.Amount
		resp.EntryCount = res.Withdrawal.EntryCount
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListNotifications returns the caller's in-app notifications, newest first
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	if h.config.Inbox == nil {
		http.NotFound(w, r)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	rows, err := h.config.Inbox.List(r.Context(), userID, notifyListMax)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list notifications: %w", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, NotificationsResponse{Notifications: rows})
}

// MarkNotificationRead marks one of the caller's notifications as read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if h.config.Inbox == nil {
		http.NotFound(w, r)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req MarkReadRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("invalid notification id"), http.StatusBadRequest)
		return
	}

	if err := h.config.Inbox.MarkRead(r.Context(), userID, id); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to mark notification read: %w", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// statusFor maps ledger errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, commission.ErrInvalidAction), errors.Is(err, commission.ErrSelfReferral):
		return http.StatusBadRequest
	case errors.Is(err, commission.ErrRelationshipNotFound):
		return http.StatusNotFound
	case errors.Is(err, commission.ErrRelationshipExists), errors.Is(err, commission.ErrWithdrawalConflict):
		return http.StatusConflict
	case errors.Is(err, commission.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("request body too large")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
