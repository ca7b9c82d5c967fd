package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/session-settlement-api/internal/models"
	"github.com/noah-isme/session-settlement-api/pkg/clock"
	"github.com/noah-isme/session-settlement-api/pkg/config"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

type memEarningStore struct {
	byID      map[string]*models.EarningRecord
	bySession map[string]string
	locked    map[string]bool
	creates   int
	createErr error
}

func newMemEarningStore() *memEarningStore {
	return &memEarningStore{byID: map[string]*models.EarningRecord{}, bySession: map[string]string{}, locked: map[string]bool{}}
}

func (m *memEarningStore) GetBySession(ctx context.Context, sessionID string) (*models.EarningRecord, error) {
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, nil
	}
	record := *m.byID[id]
	return &record, nil
}

func (m *memEarningStore) GetByID(ctx context.Context, id string) (*models.EarningRecord, error) {
	record, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *record
	return &clone, nil
}

func (m *memEarningStore) CreateOnce(ctx context.Context, record *models.EarningRecord) (*models.EarningRecord, bool, error) {
	if m.createErr != nil {
		return nil, false, m.createErr
	}
	if id, ok := m.bySession[record.SessionID]; ok {
		existing := *m.byID[id]
		return &existing, false, nil
	}
	m.creates++
	stored := *record
	stored.ID = fmt.Sprintf("earning-%d", m.creates)
	m.byID[stored.ID] = &stored
	m.bySession[stored.SessionID] = stored.ID
	out := stored
	return &out, true, nil
}

func (m *memEarningStore) SetDispute(ctx context.Context, id string, disputed bool, reason *string) error {
	record, ok := m.byID[id]
	if !ok || m.locked[id] {
		return sql.ErrNoRows
	}
	record.IsDisputed = disputed
	record.DisputeReason = reason
	return nil
}

type stubCompensation struct {
	rates    *models.TeacherRates
	course   *models.CourseTerms
	enrolled int
	err      error
}

func (s *stubCompensation) TeacherRates(ctx context.Context, program models.Program, teacherRef string) (*models.TeacherRates, error) {
	return s.rates, s.err
}

func (s *stubCompensation) CourseTerms(ctx context.Context, courseRef string) (*models.CourseTerms, error) {
	return s.course, s.err
}

func (s *stubCompensation) CircleEnrollmentCount(ctx context.Context, groupRef string) (int, error) {
	return s.enrolled, s.err
}

type earningsFixture struct {
	store        *memEarningStore
	sessions     *memSessionStore
	attendance   *memAttendance
	compensation *stubCompensation
	svc          *EarningsService
}

func newEarningsFixture(timezone string, sessions ...models.Session) *earningsFixture {
	f := &earningsFixture{
		store:        newMemEarningStore(),
		sessions:     newMemSessionStore(sessions...),
		attendance:   &memAttendance{records: map[string][]models.AttendanceRecord{}},
		compensation: &stubCompensation{rates: &models.TeacherRates{RateIndividual: nullDecimal("80"), RateGroup: nullDecimal("50")}, enrolled: 9},
	}
	cfg := config.EarningsConfig{MinTeacherAttendancePercent: 50, GraceMinutes: 15, Timezone: timezone}
	f.svc = NewEarningsService(f.store, f.sessions, f.attendance, f.compensation, cfg, zap.NewNop(),
		WithEarningsClock(clock.NewFixed(lifecycleBase.Add(3*time.Hour))),
	)
	return f
}

func endedSession(s models.Session, status models.SessionStatus, endedAt time.Time) models.Session {
	s.Status = status
	s.EndedAt = &endedAt
	return s
}

type presenceStep struct {
	kind models.CycleType
	at   time.Time
}

func joinAt(at time.Time) presenceStep  { return presenceStep{kind: models.CycleJoin, at: at} }
func leaveAt(at time.Time) presenceStep { return presenceStep{kind: models.CycleLeave, at: at} }

// teacherRecord replays join/leave steps for teacher-1 in a 60 minute session.
func teacherRecord(sessionID string, steps ...presenceStep) models.AttendanceRecord {
	record := models.AttendanceRecord{SessionID: sessionID, ParticipantID: "teacher-1", Role: models.RoleTeacher}
	for i, step := range steps {
		record.Cycles, _ = ApplyCycle(record.Cycles, models.AttendanceEvent{
			EventID:       fmt.Sprintf("%s-%d", sessionID, i),
			SessionID:     sessionID,
			ParticipantID: "teacher-1",
			Role:          models.RoleTeacher,
			Kind:          step.kind,
			Timestamp:     step.at,
		})
	}
	Reconcile(&record, 60)
	return record
}

// teacherPresence is a single stay from the scheduled start covering pct of the hour.
func teacherPresence(sessionID string, pct float64) models.AttendanceRecord {
	stay := time.Duration(pct*36+0.5) * time.Second
	return teacherRecord(sessionID, joinAt(lifecycleBase), leaveAt(lifecycleBase.Add(stay)))
}

func TestSettleSessionCreatesEarningOnce(t *testing.T) {
	ended := lifecycleBase.Add(time.Hour)
	f := newEarningsFixture("UTC", endedSession(groupSession("g1", ""), models.SessionStatusCompleted, ended))
	f.attendance.records["g1"] = []models.AttendanceRecord{teacherPresence("g1", 95)}
	ctx := context.Background()

	first, err := f.svc.SettleSession(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "50.00", first.Amount.StringFixed(2))
	assert.Equal(t, models.MethodGroupRate, first.CalculationMethod)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), first.EarningMonth)
	assert.True(t, first.Metadata.TeacherAttendanceRecorded)
	require.NotNil(t, first.Metadata.TeacherAttendancePercent)
	assert.Equal(t, 95.0, *first.Metadata.TeacherAttendancePercent)
	require.NotNil(t, first.Metadata.EnrolledCount)
	assert.Equal(t, 9, *first.Metadata.EnrolledCount)

	second, err := f.svc.SettleSession(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.store.creates)
}

func TestSettleSessionEarningMonthUsesTimezone(t *testing.T) {
	ended := time.Date(2024, 5, 31, 22, 30, 0, 0, time.UTC)
	f := newEarningsFixture("Asia/Jakarta", endedSession(individualSession("s1", ""), models.SessionStatusAbsent, ended))

	earning, err := f.svc.SettleSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, earning)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), earning.EarningMonth)
	assert.Equal(t, "80.00", earning.Amount.StringFixed(2))
	assert.False(t, earning.Metadata.TeacherAttendanceRecorded)
}

func TestSettleSessionIneligible(t *testing.T) {
	ended := lifecycleBase.Add(time.Hour)
	trial := endedSession(individualSession("trial", ""), models.SessionStatusCompleted, ended)
	trial.IsTrial = true

	f := newEarningsFixture("UTC",
		endedSession(individualSession("low", ""), models.SessionStatusCompleted, ended),
		trial,
		individualSession("open", models.SessionStatusOngoing),
	)
	f.attendance.records["low"] = []models.AttendanceRecord{teacherPresence("low", 20)}

	for _, id := range []string{"low", "trial", "open"} {
		earning, err := f.svc.SettleSession(context.Background(), id)
		require.NoError(t, err, id)
		assert.Nil(t, earning, id)
	}
	assert.Zero(t, f.store.creates)
}

func TestSettleSessionClosesOpenTeacherJoinAtEnd(t *testing.T) {
	ended := lifecycleBase.Add(time.Hour)
	f := newEarningsFixture("UTC", endedSession(groupSession("g-open", ""), models.SessionStatusCompleted, ended))
	f.attendance.records["g-open"] = []models.AttendanceRecord{
		teacherRecord("g-open", joinAt(lifecycleBase.Add(-5*time.Minute)), leaveAt(lifecycleBase.Add(10*time.Minute)), joinAt(lifecycleBase.Add(30*time.Minute))),
	}

	earning, err := f.svc.SettleSession(context.Background(), "g-open")
	require.NoError(t, err)
	require.NotNil(t, earning, "a teacher still connected at the end is present until ended_at")
	require.NotNil(t, earning.Metadata.TeacherAttendancePercent)
	assert.Equal(t, 75.0, *earning.Metadata.TeacherAttendancePercent)
}

func TestSettleSessionAbsentMeasuresTeacherAgainstGrace(t *testing.T) {
	ended := lifecycleBase.Add(20 * time.Minute)
	f := newEarningsFixture("UTC",
		endedSession(individualSession("waited", ""), models.SessionStatusAbsent, ended),
		endedSession(individualSession("still-waiting", ""), models.SessionStatusAbsent, ended),
		endedSession(individualSession("left-early", ""), models.SessionStatusAbsent, ended),
	)
	f.attendance.records["waited"] = []models.AttendanceRecord{
		teacherRecord("waited", joinAt(lifecycleBase), leaveAt(lifecycleBase.Add(18*time.Minute))),
	}
	f.attendance.records["still-waiting"] = []models.AttendanceRecord{
		teacherRecord("still-waiting", joinAt(lifecycleBase.Add(2*time.Minute))),
	}
	f.attendance.records["left-early"] = []models.AttendanceRecord{
		teacherRecord("left-early", joinAt(lifecycleBase), leaveAt(lifecycleBase.Add(5*time.Minute))),
	}
	ctx := context.Background()

	earning, err := f.svc.SettleSession(ctx, "waited")
	require.NoError(t, err)
	require.NotNil(t, earning)
	assert.Equal(t, "80.00", earning.Amount.StringFixed(2))
	assert.Equal(t, 100.0, *earning.Metadata.TeacherAttendancePercent)

	earning, err = f.svc.SettleSession(ctx, "still-waiting")
	require.NoError(t, err)
	require.NotNil(t, earning)
	assert.Equal(t, 100.0, *earning.Metadata.TeacherAttendancePercent)

	earning, err = f.svc.SettleSession(ctx, "left-early")
	require.NoError(t, err)
	assert.Nil(t, earning, "five minutes of a fifteen minute wait is below the threshold")
	assert.Equal(t, 2, f.store.creates)
}

func TestSettleSessionInvalidConfigurationWritesNothing(t *testing.T) {
	ended := lifecycleBase.Add(time.Hour)
	f := newEarningsFixture("UTC", endedSession(individualSession("s1", ""), models.SessionStatusCompleted, ended))
	f.compensation.rates = &models.TeacherRates{RateIndividual: nullDecimal("0")}

	earning, err := f.svc.SettleSession(context.Background(), "s1")
	require.Error(t, err)
	assert.Nil(t, earning)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidConfig.Code))
	assert.Zero(t, f.store.creates)
}

func TestSettleSessionCourseWithoutReference(t *testing.T) {
	ended := lifecycleBase.Add(time.Hour)
	session := models.Session{ID: "c1", Program: models.ProgramCourse, Kind: models.SessionKindCourse, TeacherRef: "teacher-1"}
	f := newEarningsFixture("UTC", endedSession(session, models.SessionStatusCompleted, ended))

	_, err := f.svc.SettleSession(context.Background(), "c1")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidConfig.Code))
}

func TestSettleSessionStoreFailureIsTransient(t *testing.T) {
	ended := lifecycleBase.Add(time.Hour)
	f := newEarningsFixture("UTC", endedSession(individualSession("s1", ""), models.SessionStatusCompleted, ended))
	f.store.createErr = errors.New("connection reset")

	_, err := f.svc.SettleSession(context.Background(), "s1")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrTransient.Code))
}

func TestDisputeAndResolveEarning(t *testing.T) {
	ended := lifecycleBase.Add(time.Hour)
	f := newEarningsFixture("UTC", endedSession(individualSession("s1", ""), models.SessionStatusCompleted, ended))
	ctx := context.Background()
	earning, err := f.svc.SettleSession(ctx, "s1")
	require.NoError(t, err)

	_, err = f.svc.DisputeEarning(ctx, earning.ID, "  ")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	_, err = f.svc.ResolveDispute(ctx, earning.ID)
	assert.True(t, appErrors.IsPreconditionNotMet(err))

	disputed, err := f.svc.DisputeEarning(ctx, earning.ID, "student says session ran short")
	require.NoError(t, err)
	assert.True(t, disputed.IsDisputed)
	require.NotNil(t, disputed.DisputeReason)

	resolved, err := f.svc.ResolveDispute(ctx, earning.ID)
	require.NoError(t, err)
	assert.False(t, resolved.IsDisputed)
	assert.Nil(t, resolved.DisputeReason)

	f.store.locked[earning.ID] = true
	_, err = f.svc.DisputeEarning(ctx, earning.ID, "too late")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrFinalized.Code))

	_, err = f.svc.GetEarning(ctx, "missing")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))
}
