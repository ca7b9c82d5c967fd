package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/session-settlement-api/internal/models"
	"github.com/noah-isme/session-settlement-api/pkg/clock"
	"github.com/noah-isme/session-settlement-api/pkg/config"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

type earningStore interface {
	GetBySession(ctx context.Context, sessionID string) (*models.EarningRecord, error)
	GetByID(ctx context.Context, id string) (*models.EarningRecord, error)
	CreateOnce(ctx context.Context, record *models.EarningRecord) (*models.EarningRecord, bool, error)
	SetDispute(ctx context.Context, id string, disputed bool, reason *string) error
}

type earningSessionReader interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
}

type participantAttendanceReader interface {
	Get(ctx context.Context, sessionID, participantID string, role models.ParticipantRole) (*models.AttendanceRecord, error)
}

type compensationReader interface {
	TeacherRates(ctx context.Context, program models.Program, teacherRef string) (*models.TeacherRates, error)
	CourseTerms(ctx context.Context, courseRef string) (*models.CourseTerms, error)
	CircleEnrollmentCount(ctx context.Context, groupRef string) (int, error)
}

// EarningsService writes at most one earning per settled session.
type EarningsService struct {
	earnings     earningStore
	sessions     earningSessionReader
	attendance   participantAttendanceReader
	compensation compensationReader
	policy       EligibilityPolicy
	location     *time.Location
	clock        clock.Clock
	metrics      *MetricsService
	logger       *zap.Logger
}

// EarningsServiceOption configures the service.
type EarningsServiceOption func(*EarningsService)

// WithEarningsClock overrides the wall clock.
func WithEarningsClock(c clock.Clock) EarningsServiceOption {
	return func(s *EarningsService) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithEarningsMetrics attaches Prometheus counters.
func WithEarningsMetrics(metrics *MetricsService) EarningsServiceOption {
	return func(s *EarningsService) {
		s.metrics = metrics
	}
}

// NewEarningsService constructs the earnings ledger.
func NewEarningsService(
	earnings earningStore,
	sessions earningSessionReader,
	attendance participantAttendanceReader,
	compensation compensationReader,
	cfg config.EarningsConfig,
	logger *zap.Logger,
	opts ...EarningsServiceOption,
) *EarningsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &EarningsService{
		earnings:     earnings,
		sessions:     sessions,
		attendance:   attendance,
		compensation: compensation,
		policy:       NewEligibilityPolicy(cfg.MinTeacherAttendancePercent, cfg.GraceMinutes),
		location:     cfg.Location(),
		clock:        clock.Real{},
		logger:       logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// SettleSession returns the session's earning, creating it on first call. An
// ineligible session yields (nil, nil). Calculation failures write nothing.
func (s *EarningsService) SettleSession(ctx context.Context, sessionID string) (*models.EarningRecord, error) {
	existing, err := s.earnings.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to load earning")
	}
	if existing != nil {
		s.metrics.RecordSettlement("existing", existing.CalculationMethod)
		return existing, nil
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Transient(err, "failed to load session")
	}

	teacher, err := s.attendance.Get(ctx, session.ID, session.TeacherRef, models.RoleTeacher)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to load teacher attendance")
	}

	verdict := s.policy.Evaluate(session, teacher)
	if !verdict.Eligible {
		s.metrics.RecordSettlement("ineligible", "")
		s.logger.Info("session not eligible for earnings", zap.String("session_id", session.ID), zap.String("reason", verdict.Reason))
		return nil, nil
	}

	input, err := s.calculationInput(ctx, session)
	if err != nil {
		return nil, s.calculationFailed(session, err)
	}
	calc, err := Calculate(input)
	if err != nil {
		return nil, s.calculationFailed(session, err)
	}

	now := s.clock.Now()
	endedAt := now
	if session.EndedAt != nil {
		endedAt = *session.EndedAt
	}
	meta := calc.Metadata
	meta.TeacherAttendanceRecorded = teacher != nil
	meta.TeacherAttendancePercent = verdict.TeacherPercent

	record := &models.EarningRecord{
		SessionID:         session.ID,
		TeacherRef:        session.TeacherRef,
		Amount:            calc.Amount,
		CalculationMethod: calc.Method,
		RateSnapshot:      calc.RateSnapshot,
		Metadata:          meta,
		EarningMonth:      models.MonthStart(endedAt, s.location),
		CalculatedAt:      &now,
	}
	stored, created, err := s.earnings.CreateOnce(ctx, record)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to persist earning")
	}
	if created {
		s.metrics.RecordSettlement("created", stored.CalculationMethod)
		s.logger.Info("earning recorded",
			zap.String("session_id", session.ID),
			zap.String("teacher_ref", stored.TeacherRef),
			zap.String("amount", stored.Amount.StringFixed(2)),
			zap.String("method", string(stored.CalculationMethod)),
		)
	} else {
		s.metrics.RecordSettlement("existing", stored.CalculationMethod)
	}
	return stored, nil
}

// GetEarning fetches an earning by id.
func (s *EarningsService) GetEarning(ctx context.Context, id string) (*models.EarningRecord, error) {
	earning, err := s.earnings.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "earning not found")
		}
		return nil, appErrors.Transient(err, "failed to load earning")
	}
	return earning, nil
}

// DisputeEarning flags an earning so it is excluded from payout generation and
// blocks approval of a pending payout it already belongs to.
func (s *EarningsService) DisputeEarning(ctx context.Context, id, reason string) (*models.EarningRecord, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "dispute reason is required")
	}
	earning, err := s.GetEarning(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.earnings.SetDispute(ctx, id, true, &reason); err != nil {
		return nil, s.disputeError(err)
	}
	earning.IsDisputed = true
	earning.DisputeReason = &reason
	s.logger.Info("earning disputed", zap.String("earning_id", id), zap.String("reason", reason))
	return earning, nil
}

// ResolveDispute clears a dispute flag.
func (s *EarningsService) ResolveDispute(ctx context.Context, id string) (*models.EarningRecord, error) {
	earning, err := s.GetEarning(ctx, id)
	if err != nil {
		return nil, err
	}
	if !earning.IsDisputed {
		return nil, appErrors.Clone(appErrors.ErrPreconditionNotMet, "earning is not disputed")
	}
	if err := s.earnings.SetDispute(ctx, id, false, nil); err != nil {
		return nil, s.disputeError(err)
	}
	earning.IsDisputed = false
	earning.DisputeReason = nil
	s.logger.Info("earning dispute resolved", zap.String("earning_id", id))
	return earning, nil
}

func (s *EarningsService) calculationInput(ctx context.Context, session *models.Session) (CalculationInput, error) {
	input := CalculationInput{Session: session}
	switch session.Variant() {
	case models.VariantQuranIndividual, models.VariantAcademicIndividual, models.VariantQuranCircle:
		rates, err := s.compensation.TeacherRates(ctx, session.Program, session.TeacherRef)
		if err != nil {
			return input, appErrors.Transient(err, "failed to load teacher rates")
		}
		input.Rates = rates
		if session.Variant() == models.VariantQuranCircle && session.GroupRef != nil {
			enrolled, err := s.compensation.CircleEnrollmentCount(ctx, *session.GroupRef)
			if err != nil {
				return input, appErrors.Transient(err, "failed to count circle enrollment")
			}
			input.CircleEnrolled = &enrolled
		}
	case models.VariantCourseClass:
		if session.CourseRef == nil || *session.CourseRef == "" {
			return input, invalidConfig("course session has no course reference")
		}
		terms, err := s.compensation.CourseTerms(ctx, *session.CourseRef)
		if err != nil {
			return input, appErrors.Transient(err, "failed to load course terms")
		}
		input.Course = terms
	}
	return input, nil
}

func (s *EarningsService) calculationFailed(session *models.Session, err error) error {
	if appErrors.HasCode(err, appErrors.ErrInvalidConfig.Code) {
		s.metrics.RecordSettlement("invalid_configuration", "")
		s.logger.Error("earning calculation failed",
			zap.String("session_id", session.ID),
			zap.String("variant", string(session.Variant())),
			zap.Error(err),
		)
	}
	return err
}

func (s *EarningsService) disputeError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrFinalized, "earning belongs to an approved or paid payout")
	}
	return appErrors.Transient(err, "failed to update earning dispute")
}
