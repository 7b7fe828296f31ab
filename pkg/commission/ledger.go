package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ledger applies normalized payment actions to the relationship state
// machine and the commission ledger. All correctness comes from Storage;
// Ledger computes amounts and dates, then notifies after commit.
type Ledger struct {
	storage  Storage
	config   Config
	clock    Clock
	logger   Logger
	metrics  Metrics
	notifier Notifier
	newID    func() string
}

// NewLedger creates a new ledger. Zero-valued config fields take their defaults.
func NewLedger(storage Storage, config Config) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	defaults := DefaultConfig()
	if config.Rate.IsZero() {
		config.Rate = defaults.Rate
	}
	if config.HoldingPeriod == 0 {
		config.HoldingPeriod = defaults.HoldingPeriod
	}
	if config.WindowMonths == 0 {
		config.WindowMonths = defaults.WindowMonths
	}
	if config.SweepBatch == 0 {
		config.SweepBatch = defaults.SweepBatch
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Notifier == nil {
		config.Notifier = &NoopNotifier{}
	}
	if config.IDGenerator == nil {
		config.IDGenerator = func() string { return uuid.NewString() }
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Ledger{
		storage:  storage,
		config:   config,
		clock:    config.Clock,
		logger:   config.Logger,
		metrics:  config.Metrics,
		notifier: config.Notifier,
		newID:    config.IDGenerator,
	}, nil
}

// Config returns the effective configuration
func (l *Ledger) Config() Config {
	return l.config
}

func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC()
}

// Apply applies one action. A returned error means nothing was committed and
// the provider should retry; every business outcome is a nil error.
func (l *Ledger) Apply(ctx context.Context, action Action) (Result, error) {
	if err := action.Validate(); err != nil {
		return Result{Kind: action.Kind}, err
	}

	start := time.Now()
	var (
		outcome Outcome
		err     error
	)
	switch action.Kind {
	case ActionActivate:
		outcome, err = l.activate(ctx, action)
	case ActionRecord:
		outcome, err = l.record(ctx, action)
	case ActionCancel:
		outcome, err = l.cancel(ctx, action)
	case ActionReverse:
		outcome, err = l.reverse(ctx, action)
	}

	if err != nil {
		l.metrics.RecordAction(action.Kind, "error", time.Since(start))
		l.logger.Error("failed to apply action",
			Field{"kind", string(action.Kind)},
			Field{"provider", action.Provider},
			Field{"event_id", action.EventID},
			Field{"error", err.Error()},
		)
		return Result{Kind: action.Kind}, err
	}

	l.metrics.RecordAction(action.Kind, outcome, time.Since(start))
	l.logger.Info("action applied",
		Field{"kind", string(action.Kind)},
		Field{"outcome", string(outcome)},
		Field{"provider", action.Provider},
		Field{"event_id", action.EventID},
		Field{"event_type", action.EventType},
		Field{"referred_user_id", action.ReferredUserID},
	)
	return Result{Kind: action.Kind, Outcome: outcome}, nil
}

// ApplyAll applies actions in order and stops at the first error.
// Actions applied before the error stay committed and absorb redelivery.
func (l *Ledger) ApplyAll(ctx context.Context, actions []Action) ([]Result, error) {
	results := make([]Result, 0, len(actions))
	for _, action := range actions {
		res, err := l.Apply(ctx, action)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// CreateRelationship records that referredUserID signed up with referrerID's code
func (l *Ledger) CreateRelationship(ctx context.Context, referrerID, referredUserID, referralCodeID string) (*Relationship, error) {
	referrerID = strings.TrimSpace(referrerID)
	referredUserID = strings.TrimSpace(referredUserID)
	if referrerID == "" || referredUserID == "" {
		return nil, fmt.Errorf("%w: referrer and referred user are required", ErrInvalidAction)
	}
	if referrerID == referredUserID {
		return nil, ErrSelfReferral
	}

	rel, err := l.storage.CreateRelationship(ctx, &CreateRelationshipRequest{
		ID:             l.newID(),
		ReferrerID:     referrerID,
		ReferredUserID: referredUserID,
		ReferralCodeID: referralCodeID,
		Now:            l.now(),
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("referral relationship created",
		Field{"relationship_id", rel.ID},
		Field{"referrer_id", rel.ReferrerID},
		Field{"referred_user_id", rel.ReferredUserID},
	)
	return rel, nil
}

// GetRelationship returns the referred user's current relationship
func (l *Ledger) GetRelationship(ctx context.Context, referredUserID string) (*Relationship, error) {
	return l.storage.GetRelationship(ctx, referredUserID)
}

// GetEarnings returns the referrer's balances. Users without a row get zero balances.
func (l *Ledger) GetEarnings(ctx context.Context, userID string) (*Earnings, error) {
	e, err := l.storage.GetEarnings(ctx, userID)
	if errors.Is(err, ErrEarningsNotFound) {
		return &Earnings{UserID: userID}, nil
	}
	return e, err
}

// ListEntries returns commission entries newest first
func (l *Ledger) ListEntries(ctx context.Context, filter EntryFilter) ([]*Entry, error) {
	return l.storage.ListEntries(ctx, filter)
}

// RebuildEarnings recomputes the referrer's earnings row from their entries
func (l *Ledger) RebuildEarnings(ctx context.Context, userID string) (*Earnings, error) {
	e, err := l.storage.RebuildEarnings(ctx, userID, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild earnings for %s: %w", userID, err)
	}
	return e, nil
}

func (l *Ledger) activate(ctx context.Context, a Action) (Outcome, error) {
	now := l.now()
	res, err := l.storage.ActivateRelationship(ctx, &ActivateRequest{
		ReferredUserID: a.ReferredUserID,
		SubscriptionID: a.SubscriptionID,
		CustomerID:     a.CustomerID,
		Provider:       a.Provider,
		Now:            now,
		WindowEnd:      now.AddDate(0, l.config.WindowMonths, 0),
	})
	if err != nil {
		return "", fmt.Errorf("failed to activate relationship: %w", err)
	}

	if res.Outcome == OutcomeApplied && res.Relationship != nil {
		rel := res.Relationship
		data := map[string]string{
			"relationship_id":  rel.ID,
			"referred_user_id": rel.ReferredUserID,
			"provider":         a.Provider,
		}
		if rel.CommissionEndDate != nil {
			data["commission_end_date"] = rel.CommissionEndDate.Format(time.RFC3339)
		}
		l.notify(ctx, Notification{
			Kind:        NotifyReferralActivated,
			RecipientID: rel.ReferrerID,
			Operator:    true,
			Title:       "Your referral subscribed",
			Message:     "A user you referred started a paid subscription. You now earn commission on their payments for 12 months.",
			Data:        data,
		})
	}
	return res.Outcome, nil
}

func (l *Ledger) record(ctx context.Context, a Action) (Outcome, error) {
	if a.Amount.IsZero() {
		return OutcomeZeroAmount, nil
	}

	now := l.now()
	commission := CommissionFor(a.Amount, l.config.Rate)
	res, err := l.storage.RecordCommission(ctx, &RecordRequest{
		EntryID:        l.newID(),
		ReferredUserID: a.ReferredUserID,
		SubscriptionID: a.SubscriptionID,
		ExternalID:     a.ExternalID,
		PaymentRef:     a.PaymentRef,
		Amount:         a.Amount,
		Commission:     commission,
		Currency:       strings.ToUpper(a.Currency),
		Now:            now,
		AvailableAt:    now.Add(l.config.HoldingPeriod),
		MaxPayments:    l.config.MaxPayments,
	})
	if err != nil {
		return "", fmt.Errorf("failed to record commission: %w", err)
	}

	switch res.Outcome {
	case OutcomeApplied:
		entry := res.Entry
		f, _ := entry.CommissionAmount.Float64()
		l.metrics.RecordAmount("earned", f)
		l.notify(ctx, Notification{
			Kind:        NotifyCommissionEarned,
			RecipientID: entry.ReferrerID,
			Title:       "You earned a commission",
			Message: fmt.Sprintf("You earned %s from a referral payment. It becomes available on %s.",
				formatMoney(entry.CommissionAmount, entry.Currency), entry.BecomesAvailableAt.Format("Jan 2, 2006")),
			Data: map[string]string{
				"entry_id":       entry.ID,
				"amount":         entry.CommissionAmount.String(),
				"payment_number": fmt.Sprint(entry.PaymentNumber),
			},
		})
	case OutcomeWindowClosed:
		if res.Relationship != nil {
			l.notifyCompleted(ctx, res.Relationship)
		}
	}
	return res.Outcome, nil
}

func (l *Ledger) cancel(ctx context.Context, a Action) (Outcome, error) {
	res, err := l.storage.CancelRelationship(ctx, &CancelRequest{
		ReferredUserID: a.ReferredUserID,
		SubscriptionID: a.SubscriptionID,
		Now:            l.now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to cancel relationship: %w", err)
	}

	if res.Outcome == OutcomeApplied && res.Relationship != nil {
		rel := res.Relationship
		f, _ := res.ReversedAmount.Float64()
		if f > 0 {
			l.metrics.RecordAmount("reversed", f)
		}
		l.notify(ctx, Notification{
			Kind:        NotifyReferralCancelled,
			RecipientID: rel.ReferrerID,
			Operator:    true,
			Title:       "A referral cancelled",
			Message:     "A user you referred cancelled their subscription. Pending commissions from them were cancelled.",
			Data: map[string]string{
				"relationship_id":   rel.ID,
				"referred_user_id":  rel.ReferredUserID,
				"cancelled_entries": fmt.Sprint(len(res.CancelledEntries)),
				"reversed_amount":   res.ReversedAmount.String(),
			},
		})
	}
	return res.Outcome, nil
}

func (l *Ledger) reverse(ctx context.Context, a Action) (Outcome, error) {
	res, err := l.storage.ReverseCommission(ctx, &ReverseRequest{
		Keys: a.refundKeys(),
		Now:  l.now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to reverse commission: %w", err)
	}

	switch res.Outcome {
	case OutcomeApplied:
		entry := res.Entry
		f, _ := entry.CommissionAmount.Float64()
		l.metrics.RecordAmount("reversed", f)
		l.notify(ctx, Notification{
			Kind:        NotifyCommissionReversed,
			RecipientID: entry.ReferrerID,
			Title:       "A commission was reversed",
			Message: fmt.Sprintf("A referral payment was refunded, so its %s commission was cancelled.",
				formatMoney(entry.CommissionAmount, entry.Currency)),
			Data: map[string]string{
				"entry_id":        entry.ID,
				"amount":          entry.CommissionAmount.String(),
				"previous_status": string(res.PreviousStatus),
			},
		})
	case OutcomeWithdrawn:
		entry := res.Entry
		l.logger.Warn("refund for withdrawn commission needs manual clawback",
			Field{"entry_id", entry.ID},
			Field{"referrer_id", entry.ReferrerID},
			Field{"withdrawal_id", entry.WithdrawalID},
			Field{"amount", entry.CommissionAmount.String()},
		)
		l.notify(ctx, Notification{
			Kind:     NotifyClawbackRequired,
			Operator: true,
			Title:    "Refund on a withdrawn commission",
			Message: fmt.Sprintf("Entry %s (%s) was refunded after withdrawal %s. Manual clawback required.",
				entry.ID, formatMoney(entry.CommissionAmount, entry.Currency), entry.WithdrawalID),
			Data: map[string]string{
				"entry_id":      entry.ID,
				"referrer_id":   entry.ReferrerID,
				"withdrawal_id": entry.WithdrawalID,
				"external_id":   entry.ExternalID,
			},
		})
	}
	return res.Outcome, nil
}

// MatureCommissions promotes pending entries whose holding period has
// elapsed. limit 0 uses the configured sweep batch.
func (l *Ledger) MatureCommissions(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = l.config.SweepBatch
	}
	entries, err := l.storage.MatureCommissions(ctx, &MatureRequest{Now: l.now(), Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to mature commissions: %w", err)
	}
	if len(entries) == 0 {
		return entries, nil
	}

	// one notification per referrer
	byReferrer := make(map[string][]*Entry)
	var order []string
	for _, e := range entries {
		f, _ := e.CommissionAmount.Float64()
		l.metrics.RecordAmount("matured", f)
		if _, ok := byReferrer[e.ReferrerID]; !ok {
			order = append(order, e.ReferrerID)
		}
		byReferrer[e.ReferrerID] = append(byReferrer[e.ReferrerID], e)
	}
	for _, referrerID := range order {
		group := byReferrer[referrerID]
		total := group[0].CommissionAmount
		for _, e := range group[1:] {
			total = total.Add(e.CommissionAmount)
		}
		l.notify(ctx, Notification{
			Kind:        NotifyCommissionAvailable,
			RecipientID: referrerID,
			Title:       "Commission available",
			Message:     fmt.Sprintf("%s in referral commission is now available to withdraw.", formatMoney(total, group[0].Currency)),
			Data: map[string]string{
				"entries": fmt.Sprint(len(group)),
				"amount":  total.String(),
			},
		})
	}

	l.logger.Info("commissions matured", Field{"count", len(entries)})
	return entries, nil
}

// CompleteExpired completes active relationships past their commission
// window. limit 0 uses the configured sweep batch.
func (l *Ledger) CompleteExpired(ctx context.Context, limit int) ([]*Relationship, error) {
	if limit <= 0 {
		limit = l.config.SweepBatch
	}
	rels, err := l.storage.CompleteExpired(ctx, &CompleteRequest{Now: l.now(), Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to complete expired relationships: %w", err)
	}
	for _, rel := range rels {
		l.notifyCompleted(ctx, rel)
	}
	if len(rels) > 0 {
		l.logger.Info("relationships completed", Field{"count", len(rels)})
	}
	return rels, nil
}

// WithdrawalRequest asks for a payout of every available entry of a referrer.
// ID is the caller's idempotency key.
type WithdrawalRequest struct {
	ID         string
	ReferrerID string
}

// Withdraw pays out the referrer's available balance. Replaying a
// withdrawal id returns the original withdrawal with OutcomeDuplicate.
func (l *Ledger) Withdraw(ctx context.Context, req WithdrawalRequest) (*WithdrawResult, error) {
	if strings.TrimSpace(req.ReferrerID) == "" {
		return nil, fmt.Errorf("%w: referrer is required", ErrInvalidAction)
	}
	if req.ID == "" {
		req.ID = l.newID()
	}

	res, err := l.storage.Withdraw(ctx, &WithdrawRequest{
		WithdrawalID: req.ID,
		ReferrerID:   req.ReferrerID,
		Now:          l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to withdraw: %w", err)
	}

	if res.Outcome == OutcomeApplied && res.Withdrawal != nil {
		w := res.Withdrawal
		f, _ := w.Amount.Float64()
		l.metrics.RecordAmount("withdrawn", f)
		currency := ""
		if len(res.Entries) > 0 {
			currency = res.Entries[0].Currency
		}
		l.notify(ctx, Notification{
			Kind:        NotifyWithdrawalPaid,
			RecipientID: w.ReferrerID,
			Operator:    true,
			Title:       "Withdrawal processed",
			Message:     fmt.Sprintf("Your withdrawal of %s has been processed.", formatMoney(w.Amount, currency)),
			Data: map[string]string{
				"withdrawal_id": w.ID,
				"amount":        w.Amount.String(),
				"entries":       fmt.Sprint(w.EntryCount),
			},
		})
	}
	return res, nil
}

func (l *Ledger) notifyCompleted(ctx context.Context, rel *Relationship) {
	l.notify(ctx, Notification{
		Kind:        NotifyReferralCompleted,
		RecipientID: rel.ReferrerID,
		Title:       "Referral commission window ended",
		Message:     "The 12-month commission window for one of your referrals has ended.",
		Data: map[string]string{
			"relationship_id":  rel.ID,
			"referred_user_id": rel.ReferredUserID,
			"total_earned":     rel.TotalCommissionEarned.String(),
			"payments":         fmt.Sprint(rel.TotalPaymentsCount),
		},
	})
}

// notify runs after commit; failures are logged and counted only
func (l *Ledger) notify(ctx context.Context, n Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = l.now()
	}
	if err := l.notifier.Notify(ctx, n); err != nil {
		l.metrics.RecordNotificationFailure(n.Kind)
		l.logger.Warn("notification failed",
			Field{"kind", string(n.Kind)},
			Field{"recipient_id", n.RecipientID},
			Field{"error", err.Error()},
		)
	}
}
