package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-settlement-api/internal/models"
)

var attendanceRowColumns = []string{
	"id", "session_id", "participant_id", "role", "cycles", "total_duration_minutes",
	"attendance_percentage", "is_reconciled", "first_join_at", "last_leave_at", "created_at", "updated_at",
}

func sampleAttendanceEvent() models.AttendanceEvent {
	return models.AttendanceEvent{
		EventID:       "evt-1",
		SessionID:     "s1",
		ParticipantID: "teacher-1",
		Role:          models.RoleTeacher,
		Kind:          models.CycleJoin,
		Timestamp:     time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC),
	}
}

func TestAttendanceRepositoryApplyEventDuplicate(t *testing.T) {
	db, mock, cleanup := newSettlementRepoMock(t)
	defer cleanup()

	repo := NewAttendanceRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance_events")).
		WithArgs("evt-1", "s1", "teacher-1", "join", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	called := false
	outcome, record, err := repo.ApplyEvent(context.Background(), sampleAttendanceEvent(), func(*models.AttendanceRecord) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceDuplicate, outcome)
	assert.Nil(t, record)
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryApplyEventUpdatesLockedRecord(t *testing.T) {
	db, mock, cleanup := newSettlementRepoMock(t)
	defer cleanup()

	repo := NewAttendanceRepository(db)
	created := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance_records")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, session_id, participant_id, role, cycles")).
		WithArgs("s1", "teacher-1", "teacher").
		WillReturnRows(sqlmock.NewRows(attendanceRowColumns).
			AddRow("rec-1", "s1", "teacher-1", "teacher", `[]`, 0, 0, true, nil, nil, created, created))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE attendance_records SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, record, err := repo.ApplyEvent(context.Background(), sampleAttendanceEvent(), func(r *models.AttendanceRecord) error {
		r.Cycles = append(r.Cycles, models.AttendanceCycle{Type: models.CycleJoin, EventID: "evt-1"})
		r.IsReconciled = false
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceRecorded, outcome)
	require.NotNil(t, record)
	assert.Equal(t, "rec-1", record.ID)
	assert.Len(t, record.Cycles, 1)
	assert.False(t, record.IsReconciled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryGetMissingRecord(t *testing.T) {
	db, mock, cleanup := newSettlementRepoMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, session_id, participant_id")).
		WithArgs("s1", "teacher-1", "teacher").
		WillReturnRows(sqlmock.NewRows(attendanceRowColumns))

	record, err := NewAttendanceRepository(db).Get(context.Background(), "s1", "teacher-1", models.RoleTeacher)
	require.NoError(t, err)
	assert.Nil(t, record)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventKeyCacheWithoutClient(t *testing.T) {
	cache := NewEventKeyCache(nil, 0)

	seen, err := cache.Seen(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.NoError(t, cache.Mark(context.Background(), "evt-1"))
}
