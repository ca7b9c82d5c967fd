package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/session-settlement-api/internal/models"
)

const payoutColumns = `id, teacher_ref, payout_month, total_amount, sessions_count, status, breakdown,
       approved_by, approved_at, rejection_reason, rejected_at, paid_at,
       payment_method, payment_reference, payment_notes, created_at, updated_at`

// ErrPayoutStatus is returned when a payout is not in the status an action requires.
var ErrPayoutStatus = errors.New("payout is not in the required status")

// PayoutBuilder turns the gathered earnings into a payout row.
type PayoutBuilder func(teacherRef string, month time.Time, earnings []models.EarningRecord) *models.Payout

// PayoutValidator returns the failed approval checks for a locked payout.
type PayoutValidator func(payout *models.Payout, earnings []models.EarningRecord) []models.PayoutViolation

// PayoutRepository persists monthly payouts and their earning links.
type PayoutRepository struct {
	db *sqlx.DB
}

// NewPayoutRepository constructs the repository.
func NewPayoutRepository(db *sqlx.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// GetByID fetches a payout by identifier.
func (r *PayoutRepository) GetByID(ctx context.Context, id string) (*models.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	var payout models.Payout
	if err := r.db.GetContext(ctx, &payout, query, id); err != nil {
		return nil, err
	}
	return &payout, nil
}

// ListEarnings returns the earnings linked to a payout.
func (r *PayoutRepository) ListEarnings(ctx context.Context, payoutID string) ([]models.EarningRecord, error) {
	return listPayoutEarnings(ctx, r.db, payoutID, false)
}

// Generate creates the teacher's payout for month unless a non-rejected one exists,
// in which case that payout is returned with created=false. Without eligible
// earnings nothing is written and (nil, false, nil) is returned.
func (r *PayoutRepository) Generate(ctx context.Context, teacherRef string, month time.Time, build PayoutBuilder) (payout *models.Payout, created bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin payout transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := fmt.Sprintf("payout:%s:%s", teacherRef, month.Format("2006-01"))
	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return nil, false, fmt.Errorf("lock payout month: %w", err)
	}

	existingQuery := `SELECT ` + payoutColumns + ` FROM payouts
	WHERE teacher_ref = $1 AND payout_month = $2 AND status <> 'REJECTED'`
	var existing models.Payout
	err = tx.GetContext(ctx, &existing, existingQuery, teacherRef, month)
	switch {
	case err == nil:
		if err = tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit payout lookup: %w", err)
		}
		committed = true
		return &existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("find existing payout: %w", err)
	}

	const earningsQuery = `SELECT ` + earningColumns + ` FROM earnings
	WHERE teacher_ref = $1 AND earning_month = $2 AND payout_id IS NULL AND is_disputed = FALSE
	ORDER BY created_at ASC, id ASC
	FOR UPDATE`
	var earnings []models.EarningRecord
	if err = tx.SelectContext(ctx, &earnings, earningsQuery, teacherRef, month); err != nil {
		return nil, false, fmt.Errorf("gather payout earnings: %w", err)
	}
	if len(earnings) == 0 {
		if err = tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit empty payout: %w", err)
		}
		committed = true
		return nil, false, nil
	}

	payout = build(teacherRef, month, earnings)
	now := time.Now().UTC()
	if payout.ID == "" {
		payout.ID = uuid.NewString()
	}
	payout.Status = models.PayoutStatusPending
	payout.CreatedAt = now
	payout.UpdatedAt = now

	const insertQuery = `INSERT INTO payouts
	(id, teacher_ref, payout_month, total_amount, sessions_count, status, breakdown, created_at, updated_at)
	VALUES (:id, :teacher_ref, :payout_month, :total_amount, :sessions_count, :status, :breakdown, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insertQuery, payout); err != nil {
		return nil, false, fmt.Errorf("insert payout: %w", err)
	}

	ids := make([]string, len(earnings))
	for i, earning := range earnings {
		ids[i] = earning.ID
	}
	const linkQuery = `UPDATE earnings SET payout_id = $1, is_finalized = TRUE, updated_at = $2 WHERE id = ANY($3)`
	if _, err = tx.ExecContext(ctx, linkQuery, payout.ID, now, pq.Array(ids)); err != nil {
		return nil, false, fmt.Errorf("link payout earnings: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit payout: %w", err)
	}
	committed = true
	return payout, true, nil
}

// Approve locks a pending payout, runs validate over its linked earnings and
// approves it only when no violation is reported. Violations leave the row untouched.
func (r *PayoutRepository) Approve(ctx context.Context, id, approvedBy string, at time.Time, validate PayoutValidator) (*models.Payout, []models.PayoutViolation, error) {
	var violations []models.PayoutViolation
	payout, err := r.withLockedPayout(ctx, id, models.PayoutStatusPending, func(tx *sqlx.Tx, payout *models.Payout) (bool, error) {
		earnings, err := listPayoutEarnings(ctx, tx, payout.ID, true)
		if err != nil {
			return false, err
		}
		violations = validate(payout, earnings)
		if len(violations) > 0 {
			return false, nil
		}
		const query = `UPDATE payouts SET status = 'APPROVED', approved_by = $2, approved_at = $3, updated_at = $3 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, query, payout.ID, approvedBy, at); err != nil {
			return false, fmt.Errorf("approve payout: %w", err)
		}
		payout.Status = models.PayoutStatusApproved
		payout.ApprovedBy = &approvedBy
		payout.ApprovedAt = &at
		payout.UpdatedAt = at
		return true, nil
	})
	if err != nil {
		return payout, nil, err
	}
	return payout, violations, nil
}

// Reject releases every linked earning back to the unpaid pool and records the reason.
func (r *PayoutRepository) Reject(ctx context.Context, id, reason string, at time.Time) (*models.Payout, error) {
	return r.withLockedPayout(ctx, id, models.PayoutStatusPending, func(tx *sqlx.Tx, payout *models.Payout) (bool, error) {
		const unlinkQuery = `UPDATE earnings SET payout_id = NULL, is_finalized = FALSE, updated_at = $2 WHERE payout_id = $1`
		if _, err := tx.ExecContext(ctx, unlinkQuery, payout.ID, at); err != nil {
			return false, fmt.Errorf("unlink payout earnings: %w", err)
		}
		const query = `UPDATE payouts SET status = 'REJECTED', rejection_reason = $2, rejected_at = $3, updated_at = $3 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, query, payout.ID, reason, at); err != nil {
			return false, fmt.Errorf("reject payout: %w", err)
		}
		payout.Status = models.PayoutStatusRejected
		payout.RejectionReason = &reason
		payout.RejectedAt = &at
		payout.UpdatedAt = at
		return true, nil
	})
}

// MarkPaid records an out-of-band payment against an approved payout.
func (r *PayoutRepository) MarkPaid(ctx context.Context, id string, details models.PaymentDetails, at time.Time) (*models.Payout, error) {
	return r.withLockedPayout(ctx, id, models.PayoutStatusApproved, func(tx *sqlx.Tx, payout *models.Payout) (bool, error) {
		method := nullableString(details.Method)
		reference := nullableString(details.Reference)
		notes := nullableString(details.Notes)
		const query = `UPDATE payouts SET status = 'PAID', paid_at = $2, payment_method = $3,
		payment_reference = $4, payment_notes = $5, updated_at = $2 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, query, payout.ID, at, method, reference, notes); err != nil {
			return false, fmt.Errorf("mark payout paid: %w", err)
		}
		payout.Status = models.PayoutStatusPaid
		payout.PaidAt = &at
		payout.PaymentMethod = method
		payout.PaymentReference = reference
		payout.PaymentNotes = notes
		payout.UpdatedAt = at
		return true, nil
	})
}

// withLockedPayout runs fn against the payout row held FOR UPDATE. fn reports whether
// to commit. sql.ErrNoRows is returned for unknown ids and ErrPayoutStatus when the
// row is not in the required status; in both cases the current row is not changed.
func (r *PayoutRepository) withLockedPayout(ctx context.Context, id string, required models.PayoutStatus, fn func(*sqlx.Tx, *models.Payout) (bool, error)) (*models.Payout, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin payout transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1 FOR UPDATE`
	var payout models.Payout
	if err := tx.GetContext(ctx, &payout, query, id); err != nil {
		return nil, err
	}
	if payout.Status != required {
		return &payout, ErrPayoutStatus
	}

	commit, err := fn(tx, &payout)
	if err != nil {
		return nil, err
	}
	if !commit {
		return &payout, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit payout: %w", err)
	}
	committed = true
	return &payout, nil
}

func listPayoutEarnings(ctx context.Context, q sqlx.QueryerContext, payoutID string, lock bool) ([]models.EarningRecord, error) {
	query := `SELECT ` + earningColumns + ` FROM earnings WHERE payout_id = $1 ORDER BY created_at ASC, id ASC`
	if lock {
		query += ` FOR UPDATE`
	}
	var earnings []models.EarningRecord
	if err := sqlx.SelectContext(ctx, q, &earnings, query, payoutID); err != nil {
		return nil, fmt.Errorf("list payout earnings: %w", err)
	}
	return earnings, nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
