package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/session-settlement-api/internal/dto"
	"github.com/noah-isme/session-settlement-api/internal/models"
	"github.com/noah-isme/session-settlement-api/internal/repository"
	"github.com/noah-isme/session-settlement-api/pkg/clock"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

// Approval checks reported in PayoutViolation.Check.
const (
	CheckUncalculated  = "uncalculated_earning"
	CheckDisputed      = "disputed_earning"
	CheckTotalMismatch = "total_mismatch"
	CheckCountMismatch = "count_mismatch"
)

type payoutStore interface {
	GetByID(ctx context.Context, id string) (*models.Payout, error)
	ListEarnings(ctx context.Context, payoutID string) ([]models.EarningRecord, error)
	Generate(ctx context.Context, teacherRef string, month time.Time, build repository.PayoutBuilder) (*models.Payout, bool, error)
	Approve(ctx context.Context, id, approvedBy string, at time.Time, validate repository.PayoutValidator) (*models.Payout, []models.PayoutViolation, error)
	Reject(ctx context.Context, id, reason string, at time.Time) (*models.Payout, error)
	MarkPaid(ctx context.Context, id string, details models.PaymentDetails, at time.Time) (*models.Payout, error)
}

// PayoutService aggregates settled earnings into approvable monthly payouts.
type PayoutService struct {
	store     payoutStore
	notifier  NotificationSink
	clock     clock.Clock
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
}

// PayoutServiceOption configures the service.
type PayoutServiceOption func(*PayoutService)

// WithPayoutClock overrides the wall clock.
func WithPayoutClock(c clock.Clock) PayoutServiceOption {
	return func(s *PayoutService) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPayoutNotifier sets the notification sink.
func WithPayoutNotifier(notifier NotificationSink) PayoutServiceOption {
	return func(s *PayoutService) {
		s.notifier = notifier
	}
}

// WithPayoutMetrics attaches Prometheus counters.
func WithPayoutMetrics(metrics *MetricsService) PayoutServiceOption {
	return func(s *PayoutService) {
		s.metrics = metrics
	}
}

// NewPayoutService constructs the payout aggregator.
func NewPayoutService(store payoutStore, validate *validator.Validate, logger *zap.Logger, opts ...PayoutServiceOption) *PayoutService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &PayoutService{store: store, clock: clock.Real{}, validator: validate, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// GeneratePayout returns the teacher's payout for the month, creating it from unpaid,
// undisputed earnings when no non-rejected payout exists. Without such earnings it
// returns (nil, nil).
func (s *PayoutService) GeneratePayout(ctx context.Context, req dto.GeneratePayoutRequest) (*models.Payout, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payout request")
	}
	month := time.Date(req.Year, time.Month(req.Month), 1, 0, 0, 0, 0, time.UTC)
	payout, created, err := s.store.Generate(ctx, req.TeacherRef, month, BuildPayout)
	if err != nil {
		s.metrics.RecordPayoutAction("generate", "error")
		return nil, appErrors.Transient(err, "failed to generate payout")
	}
	switch {
	case payout == nil:
		s.metrics.RecordPayoutAction("generate", "empty")
		s.logger.Info("no earnings to pay out", zap.String("teacher_ref", req.TeacherRef), zap.String("month", month.Format("2006-01")))
	case created:
		s.metrics.RecordPayoutAction("generate", "created")
		s.logger.Info("payout generated",
			zap.String("payout_id", payout.ID),
			zap.String("teacher_ref", payout.TeacherRef),
			zap.String("month", month.Format("2006-01")),
			zap.String("total", payout.TotalAmount.StringFixed(2)),
			zap.Int("sessions", payout.SessionsCount),
		)
	default:
		s.metrics.RecordPayoutAction("generate", "existing")
	}
	return payout, nil
}

// GetPayout returns a payout with its linked earnings.
func (s *PayoutService) GetPayout(ctx context.Context, id string) (*dto.PayoutDetail, error) {
	payout, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.lookupError(err)
	}
	earnings, err := s.store.ListEarnings(ctx, id)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to list payout earnings")
	}
	if earnings == nil {
		earnings = []models.EarningRecord{}
	}
	return &dto.PayoutDetail{Payout: payout, Earnings: earnings}, nil
}

// ApprovePayout approves a pending payout after re-validating it under lock. Any
// failed check blocks the approval and is reported in the error details.
func (s *PayoutService) ApprovePayout(ctx context.Context, id, approvedBy string) (*models.Payout, error) {
	approvedBy = strings.TrimSpace(approvedBy)
	if approvedBy == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "approver is required")
	}
	payout, violations, err := s.store.Approve(ctx, id, approvedBy, s.clock.Now(), ValidatePayout)
	if err != nil {
		s.metrics.RecordPayoutAction("approve", "error")
		return nil, s.actionError(err, payout, "approve")
	}
	if len(violations) > 0 {
		s.metrics.RecordPayoutAction("approve", "rejected_by_checks")
		s.logger.Warn("payout failed approval checks", zap.String("payout_id", id), zap.Int("violations", len(violations)))
		return nil, appErrors.WithDetails(appErrors.ErrDataIntegrity, "payout failed approval checks", violations)
	}
	s.metrics.RecordPayoutAction("approve", "approved")
	s.notify(ctx, payout, NotificationPayoutApproved)
	return payout, nil
}

// RejectPayout rejects a pending payout and returns its earnings to the unpaid pool.
func (s *PayoutService) RejectPayout(ctx context.Context, id, reason string) (*models.Payout, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "rejection reason is required")
	}
	payout, err := s.store.Reject(ctx, id, reason, s.clock.Now())
	if err != nil {
		s.metrics.RecordPayoutAction("reject", "error")
		return nil, s.actionError(err, payout, "reject")
	}
	s.metrics.RecordPayoutAction("reject", "rejected")
	s.logger.Info("payout rejected", zap.String("payout_id", id), zap.String("reason", reason))
	return payout, nil
}

// MarkPayoutPaid records the external payment of an approved payout.
func (s *PayoutService) MarkPayoutPaid(ctx context.Context, id string, req dto.MarkPayoutPaidRequest) (*models.Payout, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment details")
	}
	details := models.PaymentDetails{Method: req.Method, Reference: req.Reference, Notes: req.Notes}
	payout, err := s.store.MarkPaid(ctx, id, details, s.clock.Now())
	if err != nil {
		s.metrics.RecordPayoutAction("mark_paid", "error")
		return nil, s.actionError(err, payout, "mark as paid")
	}
	s.metrics.RecordPayoutAction("mark_paid", "paid")
	s.notify(ctx, payout, NotificationPayoutPaid)
	return payout, nil
}

// BuildPayout sums earnings into a pending payout with a per-method breakdown.
func BuildPayout(teacherRef string, month time.Time, earnings []models.EarningRecord) *models.Payout {
	total := decimal.Zero
	breakdown := models.PayoutBreakdown{}
	for _, earning := range earnings {
		total = total.Add(earning.Amount)
		line := breakdown[earning.CalculationMethod]
		line.Amount = line.Amount.Add(earning.Amount)
		line.Sessions++
		breakdown[earning.CalculationMethod] = line
	}
	return &models.Payout{
		TeacherRef:    teacherRef,
		PayoutMonth:   month,
		TotalAmount:   total,
		SessionsCount: len(earnings),
		Status:        models.PayoutStatusPending,
		Breakdown:     breakdown,
	}
}

// ValidatePayout re-checks a payout against its linked earnings.
func ValidatePayout(payout *models.Payout, earnings []models.EarningRecord) []models.PayoutViolation {
	var violations []models.PayoutViolation
	live := decimal.Zero
	for _, earning := range earnings {
		live = live.Add(earning.Amount)
		if earning.CalculatedAt == nil {
			violations = append(violations, models.PayoutViolation{
				Check:     CheckUncalculated,
				Message:   "earning has not been calculated",
				EarningID: earning.ID,
			})
		}
		if earning.IsDisputed {
			violations = append(violations, models.PayoutViolation{
				Check:     CheckDisputed,
				Message:   "earning is disputed",
				EarningID: earning.ID,
			})
		}
	}
	if !live.Equal(payout.TotalAmount) {
		violations = append(violations, models.PayoutViolation{
			Check:   CheckTotalMismatch,
			Message: fmt.Sprintf("stored total %s differs from linked earnings %s", payout.TotalAmount.StringFixed(2), live.StringFixed(2)),
		})
	}
	if len(earnings) != payout.SessionsCount {
		violations = append(violations, models.PayoutViolation{
			Check:   CheckCountMismatch,
			Message: fmt.Sprintf("stored sessions count %d differs from %d linked earnings", payout.SessionsCount, len(earnings)),
		})
	}
	return violations
}

func (s *PayoutService) notify(ctx context.Context, payout *models.Payout, kind string) {
	if s.notifier == nil || payout == nil {
		return
	}
	payload := map[string]interface{}{
		"payout_id": payout.ID,
		"month":     payout.PayoutMonth.Format("2006-01"),
		"total":     payout.TotalAmount.StringFixed(2),
		"sessions":  payout.SessionsCount,
	}
	if err := s.notifier.Notify(ctx, payout.TeacherRef, kind, payload); err != nil {
		s.logger.Warn("notification failed", zap.String("payout_id", payout.ID), zap.String("kind", kind), zap.Error(err))
	}
}

func (s *PayoutService) lookupError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "payout not found")
	}
	return appErrors.Transient(err, "failed to load payout")
}

func (s *PayoutService) actionError(err error, payout *models.Payout, action string) error {
	if errors.Is(err, repository.ErrPayoutStatus) {
		status := ""
		if payout != nil {
			status = string(payout.Status)
		}
		return appErrors.Clone(appErrors.ErrPreconditionNotMet, fmt.Sprintf("cannot %s payout in status %s", action, status))
	}
	return s.lookupError(err)
}
