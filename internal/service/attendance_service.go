package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/session-settlement-api/internal/dto"
	"github.com/noah-isme/session-settlement-api/internal/models"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

type attendanceStore interface {
	ApplyEvent(ctx context.Context, event models.AttendanceEvent, apply func(*models.AttendanceRecord) error) (models.AttendanceOutcome, *models.AttendanceRecord, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error)
}

type attendanceSessionReader interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
}

type eventKeyCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type sessionStarter interface {
	TransitionToOngoing(ctx context.Context, id string) error
}

type earningSettler interface {
	SettleSession(ctx context.Context, sessionID string) (*models.EarningRecord, error)
}

// AttendanceService ingests join/leave telemetry into reconciled attendance records.
type AttendanceService struct {
	store     attendanceStore
	sessions  attendanceSessionReader
	cache     eventKeyCache
	starter   sessionStarter
	settler   earningSettler
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
}

// AttendanceServiceOption configures the service.
type AttendanceServiceOption func(*AttendanceService)

// WithEventKeyCache enables the Redis duplicate fast path.
func WithEventKeyCache(cache eventKeyCache) AttendanceServiceOption {
	return func(s *AttendanceService) {
		s.cache = cache
	}
}

// WithSessionStarter wires the READY to ONGOING hand-off on first join.
func WithSessionStarter(starter sessionStarter) AttendanceServiceOption {
	return func(s *AttendanceService) {
		s.starter = starter
	}
}

// WithAttendanceSettler retries settlement when teacher telemetry arrives after
// the session already ended.
func WithAttendanceSettler(settler earningSettler) AttendanceServiceOption {
	return func(s *AttendanceService) {
		s.settler = settler
	}
}

// WithAttendanceMetrics attaches Prometheus counters.
func WithAttendanceMetrics(metrics *MetricsService) AttendanceServiceOption {
	return func(s *AttendanceService) {
		s.metrics = metrics
	}
}

// NewAttendanceService constructs the attendance service.
func NewAttendanceService(store attendanceStore, sessions attendanceSessionReader, validate *validator.Validate, logger *zap.Logger, opts ...AttendanceServiceOption) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AttendanceService{store: store, sessions: sessions, validator: validate, logger: logger}
	if err := registerAttendanceValidations(svc.validator); err != nil {
		logger.Error("attendance validation rules not registered", zap.Error(err))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

func registerAttendanceValidations(validate *validator.Validate) error {
	if err := validate.RegisterValidation("participant_role", func(fl validator.FieldLevel) bool {
		return models.ParticipantRole(fl.Field().String()).Valid()
	}); err != nil {
		return fmt.Errorf("register participant_role: %w", err)
	}
	return nil
}

// RecordAttendanceEvent applies one telemetry event exactly once. A redelivered
// event id yields AttendanceDuplicate and leaves the record untouched.
func (s *AttendanceService) RecordAttendanceEvent(ctx context.Context, req dto.AttendanceEventRequest) (models.AttendanceOutcome, error) {
	if err := s.validator.Struct(req); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance event")
	}
	event := models.AttendanceEvent{
		EventID:       req.EventID,
		SessionID:     req.SessionID,
		ParticipantID: req.ParticipantID,
		Role:          models.ParticipantRole(req.Role),
		Kind:          models.CycleType(req.Type),
		Timestamp:     req.Timestamp.UTC(),
		CorrelationID: req.CorrelationID,
	}

	if s.seen(ctx, event.EventID) {
		s.metrics.RecordAttendanceEvent(event.Role, string(models.AttendanceDuplicate))
		return models.AttendanceDuplicate, nil
	}

	session, err := s.sessions.GetByID(ctx, event.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return "", appErrors.Transient(err, "failed to load session")
	}

	outcome, record, err := s.store.ApplyEvent(ctx, event, func(record *models.AttendanceRecord) error {
		cycles, paired := ApplyCycle(record.Cycles, event)
		if !paired {
			s.logger.Warn("leave without matching join",
				zap.String("session_id", event.SessionID),
				zap.String("participant_id", event.ParticipantID),
				zap.String("event_id", event.EventID),
				zap.String("correlation_id", event.CorrelationID),
			)
		}
		record.Cycles = cycles
		Reconcile(record, session.DurationMinutes)
		return nil
	})
	if err != nil {
		return "", appErrors.Transient(err, "failed to record attendance event")
	}

	s.mark(ctx, event.EventID)
	s.metrics.RecordAttendanceEvent(event.Role, string(outcome))
	if outcome == models.AttendanceDuplicate {
		return outcome, nil
	}

	s.logger.Debug("attendance event recorded",
		zap.String("session_id", event.SessionID),
		zap.String("participant_id", event.ParticipantID),
		zap.String("type", string(event.Kind)),
		zap.Float64("total_minutes", record.TotalDurationMinutes),
		zap.Float64("percentage", record.AttendancePercentage),
	)

	s.maybeStart(ctx, session, event)
	s.maybeSettle(ctx, session, event)
	return outcome, nil
}

// SessionAttendance lists the reconciled records of a session.
func (s *AttendanceService) SessionAttendance(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Transient(err, "failed to load session")
	}
	records, err := s.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to list attendance")
	}
	if records == nil {
		records = []models.AttendanceRecord{}
	}
	return records, nil
}

// maybeStart moves a READY session to ONGOING on the first teacher or student join.
// It is skipped when the caller is already inside a lifecycle transition.
func (s *AttendanceService) maybeStart(ctx context.Context, session *models.Session, event models.AttendanceEvent) {
	if s.starter == nil || event.Kind != models.CycleJoin || session.Status != models.SessionStatusReady {
		return
	}
	if event.Role != models.RoleTeacher && event.Role != models.RoleStudent {
		return
	}
	if TransitionOriginFrom(ctx) != "" {
		return
	}
	err := s.starter.TransitionToOngoing(WithTransitionOrigin(ctx, OriginAttendance), session.ID)
	if err != nil && !appErrors.IsPreconditionNotMet(err) {
		s.logger.Warn("failed to start session from attendance", zap.String("session_id", session.ID), zap.Error(err))
	}
}

// maybeSettle re-runs settlement for a teacher event on a session that already
// ended, so a leave delivered late can still make the teacher eligible.
// SettleSession keeps an existing earning unchanged.
func (s *AttendanceService) maybeSettle(ctx context.Context, session *models.Session, event models.AttendanceEvent) {
	if s.settler == nil || event.Role != models.RoleTeacher {
		return
	}
	if session.Status != models.SessionStatusCompleted && session.Status != models.SessionStatusAbsent {
		return
	}
	if TransitionOriginFrom(ctx) != "" {
		return
	}
	earning, err := s.settler.SettleSession(WithTransitionOrigin(ctx, OriginAttendance), session.ID)
	if err != nil {
		s.logger.Warn("failed to settle session after late attendance", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	if earning != nil {
		s.logger.Debug("session settled after late attendance", zap.String("session_id", session.ID), zap.String("earning_id", earning.ID))
	}
}

func (s *AttendanceService) seen(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return false
	}
	seen, err := s.cache.Seen(ctx, eventID)
	if err != nil {
		s.logger.Debug("event key cache lookup failed", zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	return seen
}

func (s *AttendanceService) mark(ctx context.Context, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Mark(ctx, eventID); err != nil {
		s.logger.Debug("event key cache write failed", zap.String("event_id", eventID), zap.Error(err))
	}
}
