package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/session-settlement-api/internal/models"
)

const sessionColumns = `id, session_kind, program, status, scheduled_at, duration_minutes,
       preparation_completed_at, started_at, ended_at, actual_duration_minutes,
       teacher_ref, student_ref, group_ref, course_ref, is_trial,
       cancellation_reason, cancelled_at, created_at, updated_at`

// SessionRepository persists session lifecycle state.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// GetByID fetches a session by identifier.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListCandidates returns sessions in the given statuses whose scheduled time falls inside the window.
func (r *SessionRepository) ListCandidates(ctx context.Context, filter models.SessionFilter) ([]models.Session, error) {
	statuses := make([]string, len(filter.Statuses))
	for i, status := range filter.Statuses {
		statuses[i] = string(status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`SELECT %s FROM sessions
	WHERE status = ANY($1) AND scheduled_at >= $2 AND scheduled_at <= $3
	ORDER BY scheduled_at ASC, id ASC
	LIMIT %d`, sessionColumns, limit)

	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, pq.Array(statuses), filter.ScheduledFrom, filter.ScheduledUntil); err != nil {
		return nil, fmt.Errorf("list lifecycle candidates: %w", err)
	}
	return sessions, nil
}

// TransitionParams describes a guarded status change and the columns it stamps.
type TransitionParams struct {
	ID                     string
	From                   []models.SessionStatus
	To                     models.SessionStatus
	At                     time.Time
	PreparationCompletedAt *time.Time
	StartedAt              *time.Time
	EndedAt                *time.Time
	ActualDurationMinutes  *int
	CancellationReason     *string
	CancelledAt            *time.Time
}

// Transition performs the compare-and-set status update. It returns sql.ErrNoRows
// when the session is no longer in one of the expected source statuses.
func (r *SessionRepository) Transition(ctx context.Context, params TransitionParams) error {
	if len(params.From) == 0 {
		return fmt.Errorf("transition session %s: no source status", params.ID)
	}
	setParts := []string{"status = :to", "updated_at = :at"}
	if params.PreparationCompletedAt != nil {
		setParts = append(setParts, "preparation_completed_at = :preparation_completed_at")
	}
	if params.StartedAt != nil {
		setParts = append(setParts, "started_at = COALESCE(started_at, :started_at)")
	}
	if params.EndedAt != nil {
		setParts = append(setParts, "ended_at = :ended_at")
	}
	if params.ActualDurationMinutes != nil {
		setParts = append(setParts, "actual_duration_minutes = :actual_duration_minutes")
	}
	if params.CancelledAt != nil {
		setParts = append(setParts, "cancelled_at = :cancelled_at", "cancellation_reason = :cancellation_reason")
	}

	placeholders := make([]string, len(params.From))
	args := map[string]interface{}{
		"id":                       params.ID,
		"to":                       params.To,
		"at":                       params.At,
		"preparation_completed_at": params.PreparationCompletedAt,
		"started_at":               params.StartedAt,
		"ended_at":                 params.EndedAt,
		"actual_duration_minutes":  params.ActualDurationMinutes,
		"cancellation_reason":      params.CancellationReason,
		"cancelled_at":             params.CancelledAt,
	}
	for i, status := range params.From {
		key := fmt.Sprintf("from_%d", i)
		placeholders[i] = ":" + key
		args[key] = status
	}

	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = :id AND status IN (%s)",
		strings.Join(setParts, ", "),
		strings.Join(placeholders, ", "),
	)
	result, err := r.db.NamedExecContext(ctx, query, args)
	if err != nil {
		return fmt.Errorf("transition session %s to %s: %w", params.ID, params.To, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check session transition rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
