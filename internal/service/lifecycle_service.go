package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/session-settlement-api/internal/dto"
	"github.com/noah-isme/session-settlement-api/internal/models"
	"github.com/noah-isme/session-settlement-api/internal/repository"
	"github.com/noah-isme/session-settlement-api/pkg/clock"
	"github.com/noah-isme/session-settlement-api/pkg/config"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

// TransitionOrigin tells downstream hooks which path started a lifecycle change.
type TransitionOrigin string

const (
	OriginBatch      TransitionOrigin = "batch"
	OriginAttendance TransitionOrigin = "attendance"
	OriginManual     TransitionOrigin = "manual"
)

type transitionOriginKey struct{}

// WithTransitionOrigin marks ctx as running inside a lifecycle transition started by origin.
func WithTransitionOrigin(ctx context.Context, origin TransitionOrigin) context.Context {
	return context.WithValue(ctx, transitionOriginKey{}, origin)
}

// TransitionOriginFrom returns the origin stored in ctx, or "" outside a transition.
func TransitionOriginFrom(ctx context.Context) TransitionOrigin {
	origin, _ := ctx.Value(transitionOriginKey{}).(TransitionOrigin)
	return origin
}

type sessionStore interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
	ListCandidates(ctx context.Context, filter models.SessionFilter) ([]models.Session, error)
	Transition(ctx context.Context, params repository.TransitionParams) error
}

type sessionAttendanceReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error)
}

// SessionSettler converts a terminal session into an earning.
type SessionSettler interface {
	SettleSession(ctx context.Context, sessionID string) (*models.EarningRecord, error)
}

// TransitionResult describes a committed terminal transition and its settlement hand-off.
// SettleErr never undoes the transition.
type TransitionResult struct {
	Session   *models.Session
	Earning   *models.EarningRecord
	SettleErr error
}

// LifecycleService drives sessions through the lifecycle state machine.
type LifecycleService struct {
	sessions   sessionStore
	attendance sessionAttendanceReader
	settler    SessionSettler
	rooms      MeetingRoomProvider
	notifier   NotificationSink
	clock      clock.Clock
	metrics    *MetricsService
	cfg        config.LifecycleConfig
	logger     *zap.Logger
}

// LifecycleServiceOption configures the service.
type LifecycleServiceOption func(*LifecycleService)

// WithLifecycleClock overrides the wall clock.
func WithLifecycleClock(c clock.Clock) LifecycleServiceOption {
	return func(s *LifecycleService) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSessionSettler wires the earnings hand-off for COMPLETED and ABSENT sessions.
func WithSessionSettler(settler SessionSettler) LifecycleServiceOption {
	return func(s *LifecycleService) {
		s.settler = settler
	}
}

// WithMeetingRoomProvider sets the room provider.
func WithMeetingRoomProvider(rooms MeetingRoomProvider) LifecycleServiceOption {
	return func(s *LifecycleService) {
		if rooms != nil {
			s.rooms = rooms
		}
	}
}

// WithLifecycleNotifier sets the notification sink.
func WithLifecycleNotifier(notifier NotificationSink) LifecycleServiceOption {
	return func(s *LifecycleService) {
		s.notifier = notifier
	}
}

// WithLifecycleMetrics attaches Prometheus counters.
func WithLifecycleMetrics(metrics *MetricsService) LifecycleServiceOption {
	return func(s *LifecycleService) {
		s.metrics = metrics
	}
}

// NewLifecycleService constructs the lifecycle service.
func NewLifecycleService(sessions sessionStore, attendance sessionAttendanceReader, cfg config.LifecycleConfig, logger *zap.Logger, opts ...LifecycleServiceOption) *LifecycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &LifecycleService{
		sessions:   sessions,
		attendance: attendance,
		rooms:      NoopRoomProvider{},
		clock:      clock.Real{},
		cfg:        cfg,
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// GetSession returns a session with its meeting room when the room is relevant.
func (s *LifecycleService) GetSession(ctx context.Context, id string) (*dto.SessionDetail, error) {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &dto.SessionDetail{Session: session}
	if session.Status == models.SessionStatusReady || session.Status == models.SessionStatusOngoing {
		room, err := s.rooms.EnsureRoomExists(ctx, session)
		if err != nil {
			s.logger.Warn("meeting room unavailable", zap.String("session_id", id), zap.Error(err))
		} else {
			detail.Room = room
		}
	}
	return detail, nil
}

// TransitionToReady opens a session once its preparation window has started.
func (s *LifecycleService) TransitionToReady(ctx context.Context, id string) error {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if session.Status != models.SessionStatusScheduled {
		return s.notMet(models.TransitionReady, session, "session is %s", session.Status)
	}
	opensAt := session.ScheduledAt.Add(-time.Duration(s.cfg.PreparationMinutes) * time.Minute)
	if now.Before(opensAt) {
		return s.notMet(models.TransitionReady, session, "preparation window opens at %s", opensAt.Format(time.RFC3339))
	}

	if err := s.apply(ctx, models.TransitionReady, session, repository.TransitionParams{PreparationCompletedAt: &now}, now); err != nil {
		return err
	}

	if _, err := s.rooms.EnsureRoomExists(ctx, session); err != nil {
		s.logger.Warn("failed to provision meeting room", zap.String("session_id", id), zap.Error(err))
	}
	return nil
}

// TransitionToOngoing marks a READY session as started. It is driven by the first
// teacher or student join.
func (s *LifecycleService) TransitionToOngoing(ctx context.Context, id string) error {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusReady {
		return s.notMet(models.TransitionOngoing, session, "session is %s", session.Status)
	}
	now := s.clock.Now()
	return s.apply(ctx, models.TransitionOngoing, session, repository.TransitionParams{StartedAt: &now}, now)
}

// TransitionToAbsent ends an individual session whose student never showed up
// after the grace period. ABSENT sessions are settled like completed ones.
func (s *LifecycleService) TransitionToAbsent(ctx context.Context, id string) (*TransitionResult, error) {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.IsIndividual() {
		return nil, s.notMet(models.TransitionAbsent, session, "only individual sessions can be absent")
	}
	if !models.CanTransition(session.Status, models.SessionStatusAbsent) {
		return nil, s.notMet(models.TransitionAbsent, session, "session is %s", session.Status)
	}
	now := s.clock.Now()
	graceEnds := session.ScheduledAt.Add(time.Duration(s.cfg.GraceMinutes) * time.Minute)
	if !now.After(graceEnds) {
		return nil, s.notMet(models.TransitionAbsent, session, "grace period ends at %s", graceEnds.Format(time.RFC3339))
	}

	records, err := s.attendance.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to load session attendance")
	}
	if student := studentRecord(records, session); student != nil {
		if student.HasOpenJoin() || student.TotalDurationMinutes > 0 {
			return nil, s.notMet(models.TransitionAbsent, session, "student attended")
		}
	}

	if err := s.apply(ctx, models.TransitionAbsent, session, repository.TransitionParams{EndedAt: &now}, now); err != nil {
		return nil, err
	}
	session.Status = models.SessionStatusAbsent
	session.EndedAt = &now

	s.notify(ctx, session, NotificationSessionAbsent)
	return s.settle(ctx, session), nil
}

// TransitionToCompleted ends a READY or ONGOING session once its scheduled end plus
// buffer has passed. manual skips the time guard.
func (s *LifecycleService) TransitionToCompleted(ctx context.Context, id string, manual bool) (*TransitionResult, error) {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(session.Status, models.SessionStatusCompleted) {
		return nil, s.notMet(models.TransitionCompleted, session, "session is %s", session.Status)
	}
	now := s.clock.Now()
	if !manual {
		endsAt := session.EndsAt().Add(time.Duration(s.cfg.EndingBufferMinutes) * time.Minute)
		if now.Before(endsAt) {
			return nil, s.notMet(models.TransitionCompleted, session, "session ends at %s", endsAt.Format(time.RFC3339))
		}
	}

	records, err := s.attendance.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to load session attendance")
	}
	actual := actualDurationMinutes(records, session.StartedAt, now)

	params := repository.TransitionParams{EndedAt: &now, ActualDurationMinutes: &actual}
	if err := s.apply(ctx, models.TransitionCompleted, session, params, now); err != nil {
		return nil, err
	}
	session.Status = models.SessionStatusCompleted
	session.EndedAt = &now
	session.ActualDurationMinutes = &actual

	s.notify(ctx, session, NotificationSessionCompleted)
	return s.settle(ctx, session), nil
}

// TransitionToCancelled cancels a session that has not started.
func (s *LifecycleService) TransitionToCancelled(ctx context.Context, id, reason string) error {
	if reason == "" {
		return appErrors.Clone(appErrors.ErrValidation, "cancellation reason is required")
	}
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(session.Status, models.SessionStatusCancelled) {
		return s.notMet(models.TransitionCancelled, session, "session is %s", session.Status)
	}
	now := s.clock.Now()
	params := repository.TransitionParams{CancelledAt: &now, CancellationReason: &reason}
	if err := s.apply(ctx, models.TransitionCancelled, session, params, now); err != nil {
		return err
	}
	session.Status = models.SessionStatusCancelled
	session.CancelledAt = &now
	session.CancellationReason = &reason
	s.notify(ctx, session, NotificationSessionCancelled)
	return nil
}

func (s *LifecycleService) apply(ctx context.Context, kind models.TransitionKind, session *models.Session, params repository.TransitionParams, now time.Time) error {
	from, to := models.SourcesFor(kind)
	params.ID = session.ID
	params.From = from
	params.To = to
	params.At = now
	if err := s.sessions.Transition(ctx, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.notMet(kind, session, "session changed concurrently")
		}
		s.metrics.RecordTransition(kind, "error")
		return appErrors.Transient(err, fmt.Sprintf("failed to transition session to %s", to))
	}
	s.metrics.RecordTransition(kind, "applied")
	s.logger.Info("session transitioned",
		zap.String("session_id", session.ID),
		zap.String("from", string(session.Status)),
		zap.String("to", string(to)),
		zap.String("origin", string(TransitionOriginFrom(ctx))),
	)
	return nil
}

func (s *LifecycleService) notMet(kind models.TransitionKind, session *models.Session, format string, args ...interface{}) error {
	message := fmt.Sprintf("%s transition not applicable: %s", kind, fmt.Sprintf(format, args...))
	s.metrics.RecordTransition(kind, "skipped")
	s.logger.Debug("transition precondition not met", zap.String("session_id", session.ID), zap.String("reason", message))
	return appErrors.Clone(appErrors.ErrPreconditionNotMet, message)
}

func (s *LifecycleService) notify(ctx context.Context, session *models.Session, kind string) {
	if s.notifier == nil {
		return
	}
	payload := map[string]interface{}{
		"session_id":   session.ID,
		"status":       string(session.Status),
		"scheduled_at": session.ScheduledAt.Format(time.RFC3339),
	}
	if session.CancellationReason != nil {
		payload["reason"] = *session.CancellationReason
	}
	if err := s.notifier.Notify(ctx, session.TeacherRef, kind, payload); err != nil {
		s.logger.Warn("notification failed", zap.String("session_id", session.ID), zap.String("kind", kind), zap.Error(err))
	}
}

func (s *LifecycleService) settle(ctx context.Context, session *models.Session) *TransitionResult {
	result := &TransitionResult{Session: session}
	if s.settler == nil {
		return result
	}
	origin := TransitionOriginFrom(ctx)
	if origin == "" {
		origin = OriginManual
	}
	earning, err := s.settler.SettleSession(WithTransitionOrigin(ctx, origin), session.ID)
	if err != nil {
		s.logger.Error("settlement after transition failed", zap.String("session_id", session.ID), zap.Error(err))
		result.SettleErr = err
		return result
	}
	result.Earning = earning
	return result
}

func (s *LifecycleService) loadSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Transient(err, "failed to load session")
	}
	return session, nil
}

func studentRecord(records []models.AttendanceRecord, session *models.Session) *models.AttendanceRecord {
	for i := range records {
		record := &records[i]
		if record.Role != models.RoleStudent {
			continue
		}
		if session.StudentRef == nil || record.ParticipantID == *session.StudentRef {
			return record
		}
	}
	return nil
}

// actualDurationMinutes is the longest reconciled participant presence, falling back
// to the wall time between start and end when no telemetry was reconciled.
func actualDurationMinutes(records []models.AttendanceRecord, startedAt *time.Time, endedAt time.Time) int {
	var longest float64
	for _, record := range records {
		if record.TotalDurationMinutes > longest {
			longest = record.TotalDurationMinutes
		}
	}
	if longest > 0 {
		return int(math.Round(longest))
	}
	if startedAt != nil && endedAt.After(*startedAt) {
		return int(endedAt.Sub(*startedAt) / time.Minute)
	}
	return 0
}
