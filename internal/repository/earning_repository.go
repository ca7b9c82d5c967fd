package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/session-settlement-api/internal/models"
)

const earningColumns = `id, session_id, teacher_ref, amount, calculation_method, rate_snapshot, metadata,
       earning_month, payout_id, is_finalized, is_disputed, dispute_reason, calculated_at, created_at, updated_at`

// EarningRepository persists one earning record per session.
type EarningRepository struct {
	db *sqlx.DB
}

// NewEarningRepository constructs the repository.
func NewEarningRepository(db *sqlx.DB) *EarningRepository {
	return &EarningRepository{db: db}
}

// GetBySession returns the session's earning, or nil when none was written.
func (r *EarningRepository) GetBySession(ctx context.Context, sessionID string) (*models.EarningRecord, error) {
	query := `SELECT ` + earningColumns + ` FROM earnings WHERE session_id = $1`
	var record models.EarningRecord
	if err := r.db.GetContext(ctx, &record, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get earning by session: %w", err)
	}
	return &record, nil
}

// GetByID fetches an earning by identifier.
func (r *EarningRepository) GetByID(ctx context.Context, id string) (*models.EarningRecord, error) {
	query := `SELECT ` + earningColumns + ` FROM earnings WHERE id = $1`
	var record models.EarningRecord
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		return nil, err
	}
	return &record, nil
}

// CreateOnce inserts the record unless the session already has one, in which case
// the stored record is returned with created=false. Check and insert run in one
// transaction serialised on the session id; the unique constraint is the backstop.
func (r *EarningRepository) CreateOnce(ctx context.Context, record *models.EarningRecord) (stored *models.EarningRecord, created bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin earning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "earning:"+record.SessionID); err != nil {
		return nil, false, fmt.Errorf("lock earning session: %w", err)
	}

	existing, err := getEarningBySession(ctx, tx, record.SessionID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err = tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit earning lookup: %w", err)
		}
		return existing, false, nil
	}

	now := time.Now().UTC()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.CreatedAt = now
	record.UpdatedAt = now

	const insertQuery = `INSERT INTO earnings
	(id, session_id, teacher_ref, amount, calculation_method, rate_snapshot, metadata, earning_month,
	 payout_id, is_finalized, is_disputed, dispute_reason, calculated_at, created_at, updated_at)
	VALUES (:id, :session_id, :teacher_ref, :amount, :calculation_method, :rate_snapshot, :metadata, :earning_month,
	 :payout_id, :is_finalized, :is_disputed, :dispute_reason, :calculated_at, :created_at, :updated_at)
	ON CONFLICT (session_id) DO NOTHING`
	result, err := tx.NamedExecContext(ctx, insertQuery, record)
	if err != nil {
		return nil, false, fmt.Errorf("insert earning: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("check earning insert rows: %w", err)
	}
	if rows == 0 {
		existing, err = getEarningBySession(ctx, tx, record.SessionID)
		if err != nil {
			return nil, false, err
		}
		if err = tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit earning lookup: %w", err)
		}
		return existing, false, nil
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit earning: %w", err)
	}
	return record, true, nil
}

// SetDispute flags or clears a dispute. Earnings linked to an approved or paid payout
// are immutable; for those (and unknown ids) sql.ErrNoRows is returned.
func (r *EarningRepository) SetDispute(ctx context.Context, id string, disputed bool, reason *string) error {
	const query = `UPDATE earnings e SET is_disputed = $2, dispute_reason = $3, updated_at = $4
	WHERE e.id = $1
	  AND (e.payout_id IS NULL OR EXISTS (
	      SELECT 1 FROM payouts p WHERE p.id = e.payout_id AND p.status = 'PENDING'))`
	result, err := r.db.ExecContext(ctx, query, id, disputed, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update earning dispute: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check earning dispute rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func getEarningBySession(ctx context.Context, q sqlx.QueryerContext, sessionID string) (*models.EarningRecord, error) {
	query := `SELECT ` + earningColumns + ` FROM earnings WHERE session_id = $1`
	var record models.EarningRecord
	if err := sqlx.GetContext(ctx, q, &record, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get earning by session: %w", err)
	}
	return &record, nil
}
