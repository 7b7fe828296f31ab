package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

const uniqueViolation = "23505"

const relationshipColumns = `id, referrer_id, referred_user_id, referral_code_id, status,
	subscription_start_date, commission_end_date, total_payments_count, total_commission_earned,
	provider, external_subscription_id, external_customer_id, created_at, updated_at`

const entryColumns = `id, relationship_id, referrer_id, referred_user_id, external_id, payment_ref,
	subscription_amount, commission_amount, currency, payment_number, status,
	becomes_available_at, withdrawal_id, created_at, updated_at`

var _ commission.Storage = (*Storage)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelationship(row rowScanner) (*commission.Relationship, error) {
	var r commission.Relationship
	var status string
	err := row.Scan(
		&r.ID, &r.ReferrerID, &r.ReferredUserID, &r.ReferralCodeID, &status,
		&r.SubscriptionStartDate, &r.CommissionEndDate, &r.TotalPaymentsCount, &r.TotalCommissionEarned,
		&r.Provider, &r.ExternalSubscriptionID, &r.ExternalCustomerID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = commission.RelationshipStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.SubscriptionStartDate != nil {
		t := r.SubscriptionStartDate.UTC()
		r.SubscriptionStartDate = &t
	}
	if r.CommissionEndDate != nil {
		t := r.CommissionEndDate.UTC()
		r.CommissionEndDate = &t
	}
	return &r, nil
}

func scanEntry(row rowScanner) (*commission.Entry, error) {
	var e commission.Entry
	var status string
	err := row.Scan(
		&e.ID, &e.RelationshipID, &e.ReferrerID, &e.ReferredUserID, &e.ExternalID, &e.PaymentRef,
		&e.SubscriptionAmount, &e.CommissionAmount, &e.Currency, &e.PaymentNumber, &status,
		&e.BecomesAvailableAt, &e.WithdrawalID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = commission.EntryStatus(status)
	e.BecomesAvailableAt = e.BecomesAvailableAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*commission.Entry, error) {
	defer rows.Close()
	var out []*commission.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// sortByCreated restores insertion order, which RETURNING does not guarantee
func sortByCreated(entries []*commission.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

type earningsDelta struct {
	pending   decimal.Decimal
	available decimal.Decimal
	lifetime  decimal.Decimal
	withdrawn decimal.Decimal
	active    int
	total     int
}

// adjustEarnings upserts the referrer's row, applying delta with every column floored at zero
func adjustEarnings(ctx context.Context, tx pgx.Tx, userID string, d earningsDelta, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO referrer_earnings
			(user_id, pending_balance, available_balance, lifetime_earnings, total_withdrawn,
			 active_referrals_count, total_referrals_count, updated_at)
		VALUES ($1, GREATEST($2::numeric, 0), GREATEST($3::numeric, 0), GREATEST($4::numeric, 0),
			GREATEST($5::numeric, 0), GREATEST($6::int, 0), GREATEST($7::int, 0), $8)
		ON CONFLICT (user_id) DO UPDATE SET
			pending_balance        = GREATEST(referrer_earnings.pending_balance + $2::numeric, 0),
			available_balance      = GREATEST(referrer_earnings.available_balance + $3::numeric, 0),
			lifetime_earnings      = GREATEST(referrer_earnings.lifetime_earnings + $4::numeric, 0),
			total_withdrawn        = GREATEST(referrer_earnings.total_withdrawn + $5::numeric, 0),
			active_referrals_count = GREATEST(referrer_earnings.active_referrals_count + $6::int, 0),
			total_referrals_count  = GREATEST(referrer_earnings.total_referrals_count + $7::int, 0),
			updated_at             = $8`,
		userID, d.pending, d.available, d.lifetime, d.withdrawn, d.active, d.total, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update earnings: %w", err)
	}
	return nil
}

// lockRelationship mirrors the lookup order of the memory store: the
// referred user's open relationship, then their latest, then the latest
// carrying the subscription id. The row is locked for the transaction.
func lockRelationship(ctx context.Context, tx pgx.Tx, referredUserID, subscriptionID string) (*commission.Relationship, error) {
	query := func(column, value string) (*commission.Relationship, error) {
		rel, err := scanRelationship(tx.QueryRow(ctx, `
			SELECT `+relationshipColumns+`
			FROM referral_relationships
			WHERE `+column+` = $1
			ORDER BY (status IN ('pending', 'active')) DESC, created_at DESC, id DESC
			LIMIT 1
			FOR UPDATE`, value))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock relationship: %w", err)
		}
		return rel, nil
	}

	if referredUserID != "" {
		rel, err := query("referred_user_id", referredUserID)
		if rel != nil || err != nil {
			return rel, err
		}
	}
	if subscriptionID != "" {
		return query("external_subscription_id", subscriptionID)
	}
	return nil, nil
}

// CreateRelationship implements commission.Storage
func (s *Storage) CreateRelationship(ctx context.Context, req *commission.CreateRelationshipRequest) (*commission.Relationship, error) {
	if req == nil || req.ReferrerID == "" || req.ReferredUserID == "" {
		return nil, fmt.Errorf("invalid relationship request")
	}

	var rel *commission.Relationship
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		rel, err = scanRelationship(tx.QueryRow(ctx, `
			INSERT INTO referral_relationships
				(id, referrer_id, referred_user_id, referral_code_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			RETURNING `+relationshipColumns,
			req.ID, req.ReferrerID, req.ReferredUserID, req.ReferralCodeID,
			string(commission.RelationshipPending), req.Now,
		))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return commission.ErrRelationshipExists
			}
			return fmt.Errorf("failed to insert relationship: %w", err)
		}
		return adjustEarnings(ctx, tx, req.ReferrerID, earningsDelta{total: 1}, req.Now)
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// GetRelationship implements commission.Storage
func (s *Storage) GetRelationship(ctx context.Context, referredUserID string) (*commission.Relationship, error) {
	rel, err := scanRelationship(s.pool.QueryRow(ctx, `
		SELECT `+relationshipColumns+`
		FROM referral_relationships
		WHERE referred_user_id = $1
		ORDER BY (status IN ('pending', 'active')) DESC, created_at DESC, id DESC
		LIMIT 1`, referredUserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, commission.ErrRelationshipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	return rel, nil
}

// ActivateRelationship implements commission.Storage
func (s *Storage) ActivateRelationship(ctx context.Context, req *commission.ActivateRequest) (*commission.ActivateResult, error) {
	var res *commission.ActivateResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rel, err := lockRelationship(ctx, tx, req.ReferredUserID, req.SubscriptionID)
		if err != nil {
			return err
		}
		if rel == nil {
			res = &commission.ActivateResult{Outcome: commission.OutcomeNoRelationship}
			return nil
		}
		switch rel.Status {
		case commission.RelationshipActive:
			res = &commission.ActivateResult{Outcome: commission.OutcomeDuplicate, Relationship: rel}
			return nil
		case commission.RelationshipPending:
		default:
			res = &commission.ActivateResult{Outcome: commission.OutcomeInvalidState, Relationship: rel}
			return nil
		}

		updated, err := scanRelationship(tx.QueryRow(ctx, `
			UPDATE referral_relationships SET
				status = $2,
				subscription_start_date = $3,
				commission_end_date = $4,
				provider = $5,
				external_subscription_id = COALESCE(NULLIF($6, ''), external_subscription_id),
				external_customer_id = COALESCE(NULLIF($7, ''), external_customer_id),
				updated_at = $3
			WHERE id = $1 AND status = 'pending'
			RETURNING `+relationshipColumns,
			rel.ID, string(commission.RelationshipActive), req.Now, req.WindowEnd,
			req.Provider, req.SubscriptionID, req.CustomerID,
		))
		if err != nil {
			return fmt.Errorf("failed to activate relationship: %w", err)
		}
		if err := adjustEarnings(ctx, tx, updated.ReferrerID, earningsDelta{active: 1}, req.Now); err != nil {
			return err
		}
		res = &commission.ActivateResult{Outcome: commission.OutcomeApplied, Relationship: updated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func getEntryByExternalID(ctx context.Context, tx pgx.Tx, externalID string) (*commission.Entry, error) {
	e, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM referral_commissions WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check external id: %w", err)
	}
	return e, nil
}

// RecordCommission implements commission.Storage
func (s *Storage) RecordCommission(ctx context.Context, req *commission.RecordRequest) (*commission.RecordResult, error) {
	var res *commission.RecordResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := getEntryByExternalID(ctx, tx, req.ExternalID)
		if err != nil {
			return err
		}
		if existing != nil {
			res = &commission.RecordResult{Outcome: commission.OutcomeDuplicate, Entry: existing}
			return nil
		}

		rel, err := lockRelationship(ctx, tx, req.ReferredUserID, req.SubscriptionID)
		if err != nil {
			return err
		}
		if rel == nil {
			res = &commission.RecordResult{Outcome: commission.OutcomeNoRelationship}
			return nil
		}
		if rel.Status != commission.RelationshipActive {
			res = &commission.RecordResult{Outcome: commission.OutcomeInvalidState, Relationship: rel}
			return nil
		}
		if !rel.InWindow(req.Now) {
			completed, err := scanRelationship(tx.QueryRow(ctx, `
				UPDATE referral_relationships SET status = $2, updated_at = $3
				WHERE id = $1
				RETURNING `+relationshipColumns,
				rel.ID, string(commission.RelationshipCompleted), req.Now))
			if err != nil {
				return fmt.Errorf("failed to complete relationship: %w", err)
			}
			if err := adjustEarnings(ctx, tx, rel.ReferrerID, earningsDelta{active: -1}, req.Now); err != nil {
				return err
			}
			res = &commission.RecordResult{Outcome: commission.OutcomeWindowClosed, Relationship: completed}
			return nil
		}
		if req.MaxPayments > 0 && rel.TotalPaymentsCount >= req.MaxPayments {
			res = &commission.RecordResult{Outcome: commission.OutcomePaymentCap, Relationship: rel}
			return nil
		}

		// a concurrent delivery holding the same relationship lock may have inserted first
		entry, err := scanEntry(tx.QueryRow(ctx, `
			INSERT INTO referral_commissions
				(id, relationship_id, referrer_id, referred_user_id, external_id, payment_ref,
				 subscription_amount, commission_amount, currency, payment_number, status,
				 becomes_available_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			ON CONFLICT (external_id) DO NOTHING
			RETURNING `+entryColumns,
			req.EntryID, rel.ID, rel.ReferrerID, rel.ReferredUserID, req.ExternalID, req.PaymentRef,
			req.Amount, req.Commission, req.Currency, rel.TotalPaymentsCount+1,
			string(commission.EntryPending), req.AvailableAt, req.Now,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			existing, err := getEntryByExternalID(ctx, tx, req.ExternalID)
			if err != nil {
				return err
			}
			res = &commission.RecordResult{Outcome: commission.OutcomeDuplicate, Entry: existing}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert commission: %w", err)
		}

		updated, err := scanRelationship(tx.QueryRow(ctx, `
			UPDATE referral_relationships SET
				total_payments_count = total_payments_count + 1,
				total_commission_earned = total_commission_earned + $2::numeric,
				updated_at = $3
			WHERE id = $1
			RETURNING `+relationshipColumns,
			rel.ID, req.Commission, req.Now))
		if err != nil {
			return fmt.Errorf("failed to update relationship totals: %w", err)
		}
		if err := adjustEarnings(ctx, tx, rel.ReferrerID, earningsDelta{
			pending:  req.Commission,
			lifetime: req.Commission,
		}, req.Now); err != nil {
			return err
		}

		res = &commission.RecordResult{Outcome: commission.OutcomeApplied, Entry: entry, Relationship: updated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelRelationship implements commission.Storage
func (s *Storage) CancelRelationship(ctx context.Context, req *commission.CancelRequest) (*commission.CancelResult, error) {
	var res *commission.CancelResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rel, err := lockRelationship(ctx, tx, req.ReferredUserID, req.SubscriptionID)
		if err != nil {
			return err
		}
		if rel == nil {
			res = &commission.CancelResult{Outcome: commission.OutcomeNoRelationship}
			return nil
		}
		if req.SubscriptionID != "" && rel.ExternalSubscriptionID != "" && rel.ExternalSubscriptionID != req.SubscriptionID {
			res = &commission.CancelResult{Outcome: commission.OutcomeNoRelationship, Relationship: rel}
			return nil
		}
		switch rel.Status {
		case commission.RelationshipCancelled:
			res = &commission.CancelResult{Outcome: commission.OutcomeDuplicate, Relationship: rel}
			return nil
		case commission.RelationshipActive:
		default:
			res = &commission.CancelResult{Outcome: commission.OutcomeInvalidState, Relationship: rel}
			return nil
		}

		rows, err := tx.Query(ctx, `
			UPDATE referral_commissions SET status = $2, updated_at = $3
			WHERE relationship_id = $1 AND status = 'pending'
			RETURNING `+entryColumns,
			rel.ID, string(commission.EntryCancelled), req.Now)
		if err != nil {
			return fmt.Errorf("failed to cancel pending commissions: %w", err)
		}
		cancelled, err := collectEntries(rows)
		if err != nil {
			return fmt.Errorf("failed to cancel pending commissions: %w", err)
		}
		sortByCreated(cancelled)
		reversed := decimal.Zero
		for _, e := range cancelled {
			reversed = reversed.Add(e.CommissionAmount)
		}

		updated, err := scanRelationship(tx.QueryRow(ctx, `
			UPDATE referral_relationships SET
				status = $2,
				total_commission_earned = GREATEST(total_commission_earned - $3::numeric, 0),
				updated_at = $4
			WHERE id = $1
			RETURNING `+relationshipColumns,
			rel.ID, string(commission.RelationshipCancelled), reversed, req.Now))
		if err != nil {
			return fmt.Errorf("failed to cancel relationship: %w", err)
		}
		if err := adjustEarnings(ctx, tx, rel.ReferrerID, earningsDelta{
			pending:  reversed.Neg(),
			lifetime: reversed.Neg(),
			active:   -1,
		}, req.Now); err != nil {
			return err
		}

		res = &commission.CancelResult{
			Outcome:          commission.OutcomeApplied,
			Relationship:     updated,
			CancelledEntries: cancelled,
			ReversedAmount:   reversed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// lockEntry matches keys against external ids first, then payment refs.
// Earlier keys win.
func lockEntry(ctx context.Context, tx pgx.Tx, keys []string) (*commission.Entry, error) {
	for _, column := range []string{"external_id", "payment_ref"} {
		e, err := scanEntry(tx.QueryRow(ctx, `
			SELECT `+entryColumns+`
			FROM referral_commissions
			WHERE `+column+` = ANY($1::text[]) AND `+column+` <> ''
			ORDER BY array_position($1::text[], `+column+`), created_at
			LIMIT 1
			FOR UPDATE`, keys))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock commission: %w", err)
		}
		return e, nil
	}
	return nil, nil
}

// ReverseCommission implements commission.Storage
func (s *Storage) ReverseCommission(ctx context.Context, req *commission.ReverseRequest) (*commission.ReverseResult, error) {
	var res *commission.ReverseResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		entry, err := lockEntry(ctx, tx, req.Keys)
		if err != nil {
			return err
		}
		if entry == nil {
			res = &commission.ReverseResult{Outcome: commission.OutcomeNotFound}
			return nil
		}

		prev := entry.Status
		var delta earningsDelta
		switch prev {
		case commission.EntryCancelled:
			res = &commission.ReverseResult{Outcome: commission.OutcomeDuplicate, Entry: entry, PreviousStatus: prev}
			return nil
		case commission.EntryWithdrawn:
			res = &commission.ReverseResult{Outcome: commission.OutcomeWithdrawn, Entry: entry, PreviousStatus: prev}
			return nil
		case commission.EntryPending:
			delta = earningsDelta{pending: entry.CommissionAmount.Neg(), lifetime: entry.CommissionAmount.Neg()}
		case commission.EntryAvailable:
			delta = earningsDelta{available: entry.CommissionAmount.Neg(), lifetime: entry.CommissionAmount.Neg()}
		}

		updated, err := scanEntry(tx.QueryRow(ctx, `
			UPDATE referral_commissions SET status = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+entryColumns,
			entry.ID, string(commission.EntryCancelled), req.Now))
		if err != nil {
			return fmt.Errorf("failed to reverse commission: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE referral_relationships SET
				total_commission_earned = GREATEST(total_commission_earned - $2::numeric, 0),
				updated_at = $3
			WHERE id = $1`,
			entry.RelationshipID, entry.CommissionAmount, req.Now); err != nil {
			return fmt.Errorf("failed to update relationship totals: %w", err)
		}
		if err := adjustEarnings(ctx, tx, entry.ReferrerID, delta, req.Now); err != nil {
			return err
		}

		res = &commission.ReverseResult{Outcome: commission.OutcomeApplied, Entry: updated, PreviousStatus: prev}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// MatureCommissions implements commission.Storage
func (s *Storage) MatureCommissions(ctx context.Context, req *commission.MatureRequest) ([]*commission.Entry, error) {
	var matured []*commission.Entry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE referral_commissions SET status = $2, updated_at = $1
			WHERE id IN (
				SELECT id FROM referral_commissions
				WHERE status = 'pending' AND becomes_available_at <= $1
				ORDER BY becomes_available_at
				LIMIT NULLIF($3::int, 0)
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+entryColumns,
			req.Now, string(commission.EntryAvailable), req.Limit)
		if err != nil {
			return fmt.Errorf("failed to mature commissions: %w", err)
		}
		matured, err = collectEntries(rows)
		if err != nil {
			return fmt.Errorf("failed to mature commissions: %w", err)
		}

		totals := make(map[string]decimal.Decimal)
		for _, e := range matured {
			totals[e.ReferrerID] = totals[e.ReferrerID].Add(e.CommissionAmount)
		}
		for referrerID, total := range totals {
			if err := adjustEarnings(ctx, tx, referrerID, earningsDelta{
				pending:   total.Neg(),
				available: total,
			}, req.Now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matured, func(i, j int) bool {
		return matured[i].BecomesAvailableAt.Before(matured[j].BecomesAvailableAt)
	})
	return matured, nil
}

// CompleteExpired implements commission.Storage
func (s *Storage) CompleteExpired(ctx context.Context, req *commission.CompleteRequest) ([]*commission.Relationship, error) {
	var completed []*commission.Relationship
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE referral_relationships SET status = $2, updated_at = $1
			WHERE id IN (
				SELECT id FROM referral_relationships
				WHERE status = 'active' AND commission_end_date < $1
				ORDER BY commission_end_date
				LIMIT NULLIF($3::int, 0)
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+relationshipColumns,
			req.Now, string(commission.RelationshipCompleted), req.Limit)
		if err != nil {
			return fmt.Errorf("failed to complete relationships: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rel, err := scanRelationship(rows)
			if err != nil {
				return err
			}
			completed = append(completed, rel)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, rel := range completed {
			if err := adjustEarnings(ctx, tx, rel.ReferrerID, earningsDelta{active: -1}, req.Now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

var errWithdrawalRaced = errors.New("withdrawal id inserted concurrently")

// Withdraw implements commission.Storage
func (s *Storage) Withdraw(ctx context.Context, req *commission.WithdrawRequest) (*commission.WithdrawResult, error) {
	var res *commission.WithdrawResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = existingWithdrawal(ctx, tx, req)
		if err != nil || res != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			UPDATE referral_commissions SET status = $3, withdrawal_id = $1, updated_at = $4
			WHERE referrer_id = $2 AND status = 'available'
			RETURNING `+entryColumns,
			req.WithdrawalID, req.ReferrerID, string(commission.EntryWithdrawn), req.Now)
		if err != nil {
			return fmt.Errorf("failed to withdraw commissions: %w", err)
		}
		paid, err := collectEntries(rows)
		if err != nil {
			return fmt.Errorf("failed to withdraw commissions: %w", err)
		}
		sortByCreated(paid)
		if len(paid) == 0 {
			res = &commission.WithdrawResult{Outcome: commission.OutcomeEmpty}
			return nil
		}

		total := decimal.Zero
		for _, e := range paid {
			total = total.Add(e.CommissionAmount)
		}
		w := &commission.Withdrawal{
			ID:         req.WithdrawalID,
			ReferrerID: req.ReferrerID,
			Amount:     total,
			EntryCount: len(paid),
			CreatedAt:  req.Now,
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO referral_withdrawals (id, referrer_id, amount, entry_count, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			w.ID, w.ReferrerID, w.Amount, w.EntryCount, w.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert withdrawal: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errWithdrawalRaced
		}
		if err := adjustEarnings(ctx, tx, req.ReferrerID, earningsDelta{
			available: total.Neg(),
			withdrawn: total,
		}, req.Now); err != nil {
			return err
		}

		res = &commission.WithdrawResult{Outcome: commission.OutcomeApplied, Withdrawal: w, Entries: paid}
		return nil
	})
	if errors.Is(err, errWithdrawalRaced) {
		// the winner committed; replay resolves to its result
		return s.Withdraw(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func existingWithdrawal(ctx context.Context, tx pgx.Tx, req *commission.WithdrawRequest) (*commission.WithdrawResult, error) {
	var w commission.Withdrawal
	err := tx.QueryRow(ctx, `
		SELECT id, referrer_id, amount, entry_count, created_at
		FROM referral_withdrawals WHERE id = $1`, req.WithdrawalID,
	).Scan(&w.ID, &w.ReferrerID, &w.Amount, &w.EntryCount, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check withdrawal: %w", err)
	}
	if w.ReferrerID != req.ReferrerID {
		return nil, commission.ErrWithdrawalConflict
	}
	w.CreatedAt = w.CreatedAt.UTC()

	rows, err := tx.Query(ctx,
		`SELECT `+entryColumns+` FROM referral_commissions WHERE withdrawal_id = $1 ORDER BY created_at`, w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal entries: %w", err)
	}
	return &commission.WithdrawResult{Outcome: commission.OutcomeDuplicate, Withdrawal: &w, Entries: entries}, nil
}

// GetEarnings implements commission.Storage
func (s *Storage) GetEarnings(ctx context.Context, userID string) (*commission.Earnings, error) {
	e, err := scanEarnings(s.pool.QueryRow(ctx, `
		SELECT user_id, pending_balance, available_balance, lifetime_earnings, total_withdrawn,
			active_referrals_count, total_referrals_count, updated_at
		FROM referrer_earnings WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, commission.ErrEarningsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get earnings: %w", err)
	}
	return e, nil
}

// PutEarnings overwrites the cached earnings row without touching entries
func (s *Storage) PutEarnings(ctx context.Context, e *commission.Earnings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referrer_earnings
			(user_id, pending_balance, available_balance, lifetime_earnings, total_withdrawn,
			 active_referrals_count, total_referrals_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			pending_balance        = EXCLUDED.pending_balance,
			available_balance      = EXCLUDED.available_balance,
			lifetime_earnings      = EXCLUDED.lifetime_earnings,
			total_withdrawn        = EXCLUDED.total_withdrawn,
			active_referrals_count = EXCLUDED.active_referrals_count,
			total_referrals_count  = EXCLUDED.total_referrals_count,
			updated_at             = EXCLUDED.updated_at`,
		e.UserID, e.PendingBalance, e.AvailableBalance, e.LifetimeEarnings, e.TotalWithdrawn,
		e.ActiveReferralsCount, e.TotalReferralsCount, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put earnings: %w", err)
	}
	return nil
}

func scanEarnings(row rowScanner) (*commission.Earnings, error) {
	var e commission.Earnings
	err := row.Scan(&e.UserID, &e.PendingBalance, &e.AvailableBalance, &e.LifetimeEarnings,
		&e.TotalWithdrawn, &e.ActiveReferralsCount, &e.TotalReferralsCount, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// ListEntries implements commission.Storage
func (s *Storage) ListEntries(ctx context.Context, filter commission.EntryFilter) ([]*commission.Entry, error) {
	var where []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("referrer_id", filter.ReferrerID)
	add("relationship_id", filter.RelationshipID)
	add("status", string(filter.Status))

	query := `SELECT ` + entryColumns + ` FROM referral_commissions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// RebuildEarnings implements commission.Storage
func (s *Storage) RebuildEarnings(ctx context.Context, userID string, now time.Time) (*commission.Earnings, error) {
	var e *commission.Earnings
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		e, err = scanEarnings(tx.QueryRow(ctx, `
			WITH entries AS (
				SELECT
					COALESCE(SUM(commission_amount) FILTER (WHERE status = 'pending'), 0)    AS pending,
					COALESCE(SUM(commission_amount) FILTER (WHERE status = 'available'), 0)  AS available,
					COALESCE(SUM(commission_amount) FILTER (WHERE status <> 'cancelled'), 0) AS lifetime,
					COALESCE(SUM(commission_amount) FILTER (WHERE status = 'withdrawn'), 0)  AS withdrawn
				FROM referral_commissions WHERE referrer_id = $1
			), rels AS (
				SELECT
					COUNT(*) FILTER (WHERE status = 'active') AS active,
					COUNT(*) AS total
				FROM referral_relationships WHERE referrer_id = $1
			)
			INSERT INTO referrer_earnings
				(user_id, pending_balance, available_balance, lifetime_earnings, total_withdrawn,
				 active_referrals_count, total_referrals_count, updated_at)
			SELECT $1, entries.pending, entries.available, entries.lifetime, entries.withdrawn,
				rels.active, rels.total, $2
			FROM entries, rels
			ON CONFLICT (user_id) DO UPDATE SET
				pending_balance        = EXCLUDED.pending_balance,
				available_balance      = EXCLUDED.available_balance,
				lifetime_earnings      = EXCLUDED.lifetime_earnings,
				total_withdrawn        = EXCLUDED.total_withdrawn,
				active_referrals_count = EXCLUDED.active_referrals_count,
				total_referrals_count  = EXCLUDED.total_referrals_count,
				updated_at             = EXCLUDED.updated_at
			RETURNING user_id, pending_balance, available_balance, lifetime_earnings, total_withdrawn,
				active_referrals_count, total_referrals_count, updated_at`,
			userID, now))
		if err != nil {
			return fmt.Errorf("failed to rebuild earnings: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}
