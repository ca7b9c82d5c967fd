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

const attendanceColumns = `id, session_id, participant_id, role, cycles, total_duration_minutes,
       attendance_percentage, is_reconciled, first_join_at, last_leave_at, created_at, updated_at`

// AttendanceRepository persists reconciled attendance and the event idempotency keys.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

// ListBySession returns every participant record of a session.
func (r *AttendanceRepository) ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	query := `SELECT ` + attendanceColumns + ` FROM attendance_records WHERE session_id = $1 ORDER BY role, participant_id`
	var records []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &records, query, sessionID); err != nil {
		return nil, fmt.Errorf("list attendance for session %s: %w", sessionID, err)
	}
	return records, nil
}

// Get returns the record of a participant, or nil when no telemetry was ever received.
func (r *AttendanceRepository) Get(ctx context.Context, sessionID, participantID string, role models.ParticipantRole) (*models.AttendanceRecord, error) {
	query := `SELECT ` + attendanceColumns + ` FROM attendance_records
	WHERE session_id = $1 AND participant_id = $2 AND role = $3`
	var record models.AttendanceRecord
	if err := r.db.GetContext(ctx, &record, query, sessionID, participantID, role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attendance record: %w", err)
	}
	return &record, nil
}

// ApplyEvent claims the event id and mutates the participant's record under a row lock.
// A previously seen event id returns AttendanceDuplicate without touching the record.
func (r *AttendanceRepository) ApplyEvent(ctx context.Context, event models.AttendanceEvent, apply func(*models.AttendanceRecord) error) (outcome models.AttendanceOutcome, record *models.AttendanceRecord, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("begin attendance transaction: %w", err)
	}
	defer func() {
		if err != nil || outcome == models.AttendanceDuplicate {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	const claimQuery = `INSERT INTO attendance_events (event_id, session_id, participant_id, event_kind, occurred_at, received_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (event_id) DO NOTHING`
	result, err := tx.ExecContext(ctx, claimQuery, event.EventID, event.SessionID, event.ParticipantID, event.Kind, event.Timestamp, now)
	if err != nil {
		return "", nil, fmt.Errorf("claim attendance event %s: %w", event.EventID, err)
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return "", nil, fmt.Errorf("check attendance event claim: %w", err)
	}
	if claimed == 0 {
		return models.AttendanceDuplicate, nil, nil
	}

	const ensureQuery = `INSERT INTO attendance_records (id, session_id, participant_id, role, cycles, created_at, updated_at)
VALUES ($1, $2, $3, $4, '[]'::jsonb, $5, $5)
ON CONFLICT (session_id, participant_id, role) DO NOTHING`
	if _, err = tx.ExecContext(ctx, ensureQuery, uuid.NewString(), event.SessionID, event.ParticipantID, event.Role, now); err != nil {
		return "", nil, fmt.Errorf("ensure attendance record: %w", err)
	}

	var locked models.AttendanceRecord
	lockQuery := `SELECT ` + attendanceColumns + ` FROM attendance_records
	WHERE session_id = $1 AND participant_id = $2 AND role = $3 FOR UPDATE`
	if err = tx.GetContext(ctx, &locked, lockQuery, event.SessionID, event.ParticipantID, event.Role); err != nil {
		return "", nil, fmt.Errorf("lock attendance record: %w", err)
	}

	if err = apply(&locked); err != nil {
		return "", nil, err
	}
	locked.UpdatedAt = now

	const updateQuery = `UPDATE attendance_records SET
	cycles = :cycles,
	total_duration_minutes = :total_duration_minutes,
	attendance_percentage = :attendance_percentage,
	is_reconciled = :is_reconciled,
	first_join_at = :first_join_at,
	last_leave_at = :last_leave_at,
	updated_at = :updated_at
WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, updateQuery, &locked); err != nil {
		return "", nil, fmt.Errorf("update attendance record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("commit attendance event: %w", err)
	}
	return models.AttendanceRecorded, &locked, nil
}
