package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/session-settlement-api/internal/dto"
	"github.com/noah-isme/session-settlement-api/internal/models"
	"github.com/noah-isme/session-settlement-api/internal/repository"
	"github.com/noah-isme/session-settlement-api/pkg/clock"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

// memPayoutStore follows the locking contract of PayoutRepository without a database.
type memPayoutStore struct {
	earnings []*models.EarningRecord
	payouts  map[string]*models.Payout
	seq      int
}

func newMemPayoutStore(earnings ...models.EarningRecord) *memPayoutStore {
	store := &memPayoutStore{payouts: map[string]*models.Payout{}}
	for i := range earnings {
		earning := earnings[i]
		store.earnings = append(store.earnings, &earning)
	}
	return store
}

func (m *memPayoutStore) GetByID(ctx context.Context, id string) (*models.Payout, error) {
	payout, ok := m.payouts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *payout
	return &clone, nil
}

func (m *memPayoutStore) ListEarnings(ctx context.Context, payoutID string) ([]models.EarningRecord, error) {
	var out []models.EarningRecord
	for _, earning := range m.earnings {
		if earning.PayoutID != nil && *earning.PayoutID == payoutID {
			out = append(out, *earning)
		}
	}
	return out, nil
}

func (m *memPayoutStore) Generate(ctx context.Context, teacherRef string, month time.Time, build repository.PayoutBuilder) (*models.Payout, bool, error) {
	for _, payout := range m.payouts {
		if payout.TeacherRef == teacherRef && payout.PayoutMonth.Equal(month) && payout.Status != models.PayoutStatusRejected {
			clone := *payout
			return &clone, false, nil
		}
	}
	var eligible []models.EarningRecord
	for _, earning := range m.earnings {
		if earning.TeacherRef == teacherRef && earning.EarningMonth.Equal(month) && earning.PayoutID == nil && !earning.IsDisputed {
			eligible = append(eligible, *earning)
		}
	}
	if len(eligible) == 0 {
		return nil, false, nil
	}
	payout := build(teacherRef, month, eligible)
	m.seq++
	payout.ID = fmt.Sprintf("payout-%d", m.seq)
	payout.Status = models.PayoutStatusPending
	m.payouts[payout.ID] = payout
	for _, earning := range m.earnings {
		for _, picked := range eligible {
			if earning.ID == picked.ID {
				id := payout.ID
				earning.PayoutID = &id
				earning.IsFinalized = true
			}
		}
	}
	clone := *payout
	return &clone, true, nil
}

func (m *memPayoutStore) locked(id string, required models.PayoutStatus) (*models.Payout, error) {
	payout, ok := m.payouts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if payout.Status != required {
		clone := *payout
		return &clone, repository.ErrPayoutStatus
	}
	return payout, nil
}

func (m *memPayoutStore) Approve(ctx context.Context, id, approvedBy string, at time.Time, validate repository.PayoutValidator) (*models.Payout, []models.PayoutViolation, error) {
	payout, err := m.locked(id, models.PayoutStatusPending)
	if err != nil {
		return payout, nil, err
	}
	earnings, _ := m.ListEarnings(ctx, id)
	if violations := validate(payout, earnings); len(violations) > 0 {
		clone := *payout
		return &clone, violations, nil
	}
	payout.Status = models.PayoutStatusApproved
	payout.ApprovedBy = &approvedBy
	payout.ApprovedAt = &at
	clone := *payout
	return &clone, nil, nil
}

func (m *memPayoutStore) Reject(ctx context.Context, id, reason string, at time.Time) (*models.Payout, error) {
	payout, err := m.locked(id, models.PayoutStatusPending)
	if err != nil {
		return payout, err
	}
	for _, earning := range m.earnings {
		if earning.PayoutID != nil && *earning.PayoutID == id {
			earning.PayoutID = nil
			earning.IsFinalized = false
		}
	}
	payout.Status = models.PayoutStatusRejected
	payout.RejectionReason = &reason
	payout.RejectedAt = &at
	clone := *payout
	return &clone, nil
}

func (m *memPayoutStore) MarkPaid(ctx context.Context, id string, details models.PaymentDetails, at time.Time) (*models.Payout, error) {
	payout, err := m.locked(id, models.PayoutStatusApproved)
	if err != nil {
		return payout, err
	}
	payout.Status = models.PayoutStatusPaid
	payout.PaidAt = &at
	method := details.Method
	payout.PaymentMethod = &method
	clone := *payout
	return &clone, nil
}

func (m *memPayoutStore) earning(id string) *models.EarningRecord {
	for _, earning := range m.earnings {
		if earning.ID == id {
			return earning
		}
	}
	return nil
}

var payoutMonth = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func monthEarning(id, amount string, method models.CalculationMethod) models.EarningRecord {
	calculated := payoutMonth.Add(48 * time.Hour)
	return models.EarningRecord{
		ID:                id,
		SessionID:         "session-" + id,
		TeacherRef:        "teacher-1",
		Amount:            decimal.RequireFromString(amount),
		CalculationMethod: method,
		EarningMonth:      payoutMonth,
		CalculatedAt:      &calculated,
	}
}

func newPayoutFixture(earnings ...models.EarningRecord) (*memPayoutStore, *recordingNotifier, *PayoutService) {
	store := newMemPayoutStore(earnings...)
	notifier := &recordingNotifier{}
	svc := NewPayoutService(store, validator.New(), zap.NewNop(),
		WithPayoutClock(clock.NewFixed(payoutMonth.AddDate(0, 1, 2))),
		WithPayoutNotifier(notifier),
	)
	return store, notifier, svc
}

var mayRequest = dto.GeneratePayoutRequest{TeacherRef: "teacher-1", Year: 2024, Month: 5}

func TestGeneratePayoutAggregatesMonth(t *testing.T) {
	disputed := monthEarning("e3", "40", models.MethodIndividualRate)
	disputed.IsDisputed = true
	otherMonth := monthEarning("e4", "70", models.MethodIndividualRate)
	otherMonth.EarningMonth = payoutMonth.AddDate(0, 1, 0)
	store, _, svc := newPayoutFixture(
		monthEarning("e1", "80", models.MethodIndividualRate),
		monthEarning("e2", "50", models.MethodGroupRate),
		disputed,
		otherMonth,
	)
	ctx := context.Background()

	payout, err := svc.GeneratePayout(ctx, mayRequest)
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Equal(t, "130.00", payout.TotalAmount.StringFixed(2))
	assert.Equal(t, 2, payout.SessionsCount)
	assert.Equal(t, models.PayoutStatusPending, payout.Status)
	assert.Equal(t, "80.00", payout.Breakdown[models.MethodIndividualRate].Amount.StringFixed(2))
	assert.Equal(t, 1, payout.Breakdown[models.MethodGroupRate].Sessions)
	assert.Nil(t, store.earning("e3").PayoutID)
	assert.Nil(t, store.earning("e4").PayoutID)

	again, err := svc.GeneratePayout(ctx, mayRequest)
	require.NoError(t, err)
	assert.Equal(t, payout.ID, again.ID)
	assert.Len(t, store.payouts, 1)
}

func TestGeneratePayoutWithoutEarnings(t *testing.T) {
	_, _, svc := newPayoutFixture()

	payout, err := svc.GeneratePayout(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Nil(t, payout)
}

func TestGeneratePayoutValidation(t *testing.T) {
	_, _, svc := newPayoutFixture()

	_, err := svc.GeneratePayout(context.Background(), dto.GeneratePayoutRequest{TeacherRef: "teacher-1", Year: 2024, Month: 13})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
}

func TestApprovePayoutBlockedByDispute(t *testing.T) {
	store, notifier, svc := newPayoutFixture(
		monthEarning("e1", "80", models.MethodIndividualRate),
		monthEarning("e2", "50", models.MethodGroupRate),
	)
	ctx := context.Background()
	payout, err := svc.GeneratePayout(ctx, mayRequest)
	require.NoError(t, err)

	store.earning("e2").IsDisputed = true
	_, err = svc.ApprovePayout(ctx, payout.ID, "finance-1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrDataIntegrity.Code))
	violations, ok := appErrors.FromError(err).Details.([]models.PayoutViolation)
	require.True(t, ok)
	require.Len(t, violations, 1)
	assert.Equal(t, CheckDisputed, violations[0].Check)
	assert.Equal(t, "e2", violations[0].EarningID)
	assert.Equal(t, models.PayoutStatusPending, store.payouts[payout.ID].Status)
	assert.Empty(t, notifier.sent)

	store.earning("e2").IsDisputed = false
	approved, err := svc.ApprovePayout(ctx, payout.ID, "finance-1")
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusApproved, approved.Status)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, NotificationPayoutApproved, notifier.sent[0].kind)
}

func TestApprovePayoutRequiresPending(t *testing.T) {
	_, _, svc := newPayoutFixture(monthEarning("e1", "80", models.MethodIndividualRate))
	ctx := context.Background()
	payout, err := svc.GeneratePayout(ctx, mayRequest)
	require.NoError(t, err)

	_, err = svc.ApprovePayout(ctx, payout.ID, "")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	_, err = svc.ApprovePayout(ctx, payout.ID, "finance-1")
	require.NoError(t, err)

	_, err = svc.ApprovePayout(ctx, payout.ID, "finance-1")
	require.Error(t, err)
	assert.True(t, appErrors.IsPreconditionNotMet(err))
	assert.Contains(t, err.Error(), "APPROVED")

	_, err = svc.RejectPayout(ctx, payout.ID, "wrong month")
	assert.True(t, appErrors.IsPreconditionNotMet(err))

	_, err = svc.ApprovePayout(ctx, "missing", "finance-1")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))
}

func TestRejectPayoutReleasesEarnings(t *testing.T) {
	store, _, svc := newPayoutFixture(
		monthEarning("e1", "80", models.MethodIndividualRate),
		monthEarning("e2", "50", models.MethodGroupRate),
	)
	ctx := context.Background()
	first, err := svc.GeneratePayout(ctx, mayRequest)
	require.NoError(t, err)

	_, err = svc.RejectPayout(ctx, first.ID, " ")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	rejected, err := svc.RejectPayout(ctx, first.ID, "rates under review")
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusRejected, rejected.Status)
	assert.Nil(t, store.earning("e1").PayoutID)
	assert.False(t, store.earning("e1").IsFinalized)

	second, err := svc.GeneratePayout(ctx, mayRequest)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "130.00", second.TotalAmount.StringFixed(2))
}

func TestMarkPayoutPaid(t *testing.T) {
	_, notifier, svc := newPayoutFixture(monthEarning("e1", "80", models.MethodIndividualRate))
	ctx := context.Background()
	payout, err := svc.GeneratePayout(ctx, mayRequest)
	require.NoError(t, err)
	req := dto.MarkPayoutPaidRequest{Method: "bank_transfer", Reference: "TRX-1"}

	_, err = svc.MarkPayoutPaid(ctx, payout.ID, req)
	assert.True(t, appErrors.IsPreconditionNotMet(err), "pending payouts cannot be paid")

	_, err = svc.ApprovePayout(ctx, payout.ID, "finance-1")
	require.NoError(t, err)

	_, err = svc.MarkPayoutPaid(ctx, payout.ID, dto.MarkPayoutPaidRequest{})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	paid, err := svc.MarkPayoutPaid(ctx, payout.ID, req)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, NotificationPayoutPaid, notifier.sent[len(notifier.sent)-1].kind)
}

func TestGetPayoutIncludesEarnings(t *testing.T) {
	_, _, svc := newPayoutFixture(monthEarning("e1", "80", models.MethodIndividualRate))
	ctx := context.Background()
	payout, err := svc.GeneratePayout(ctx, mayRequest)
	require.NoError(t, err)

	detail, err := svc.GetPayout(ctx, payout.ID)
	require.NoError(t, err)
	require.Len(t, detail.Earnings, 1)
	assert.Equal(t, "e1", detail.Earnings[0].ID)

	_, err = svc.GetPayout(ctx, "missing")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))
}

func TestValidatePayoutChecks(t *testing.T) {
	uncalculated := monthEarning("e2", "50", models.MethodGroupRate)
	uncalculated.CalculatedAt = nil
	earnings := []models.EarningRecord{monthEarning("e1", "80", models.MethodIndividualRate), uncalculated}
	payout := BuildPayout("teacher-1", payoutMonth, earnings)

	assert.Len(t, ValidatePayout(payout, earnings), 1)

	payout.TotalAmount = decimal.RequireFromString("999")
	payout.SessionsCount = 5
	checks := map[string]bool{}
	for _, v := range ValidatePayout(payout, earnings) {
		checks[v.Check] = true
	}
	assert.True(t, checks[CheckUncalculated])
	assert.True(t, checks[CheckTotalMismatch])
	assert.True(t, checks[CheckCountMismatch])
}
