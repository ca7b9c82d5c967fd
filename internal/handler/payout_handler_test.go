package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-settlement-api/internal/dto"
	"github.com/noah-isme/session-settlement-api/internal/models"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

type payoutServiceStub struct {
	generated  *models.Payout
	approveErr error
	lastGen    dto.GeneratePayoutRequest
}

func (s *payoutServiceStub) GeneratePayout(ctx context.Context, req dto.GeneratePayoutRequest) (*models.Payout, error) {
	s.lastGen = req
	return s.generated, nil
}

func (s *payoutServiceStub) GetPayout(ctx context.Context, id string) (*dto.PayoutDetail, error) {
	return nil, appErrors.Clone(appErrors.ErrNotFound, "payout not found")
}

func (s *payoutServiceStub) ApprovePayout(ctx context.Context, id, approvedBy string) (*models.Payout, error) {
	if s.approveErr != nil {
		return nil, s.approveErr
	}
	return &models.Payout{ID: id, Status: models.PayoutStatusApproved, ApprovedBy: &approvedBy}, nil
}

func (s *payoutServiceStub) RejectPayout(ctx context.Context, id, reason string) (*models.Payout, error) {
	return &models.Payout{ID: id, Status: models.PayoutStatusRejected, RejectionReason: &reason}, nil
}

func (s *payoutServiceStub) MarkPayoutPaid(ctx context.Context, id string, req dto.MarkPayoutPaidRequest) (*models.Payout, error) {
	return &models.Payout{ID: id, Status: models.PayoutStatusPaid}, nil
}

func newJSONContext(method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

type envelopeBody struct {
	Data  json.RawMessage        `json:"data"`
	Error *appErrors.Error       `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelopeBody {
	t.Helper()
	var body envelopeBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestPayoutHandlerGenerate(t *testing.T) {
	stub := &payoutServiceStub{generated: &models.Payout{ID: "payout-1", TotalAmount: decimal.RequireFromString("130"), Status: models.PayoutStatusPending}}
	handler := NewPayoutHandler(stub)

	c, w := newJSONContext(http.MethodPost, "/payouts", `{"teacherRef":"teacher-1","year":2024,"month":5}`)
	handler.Generate(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "teacher-1", stub.lastGen.TeacherRef)
	assert.Equal(t, 5, stub.lastGen.Month)
	body := decodeEnvelope(t, w)
	assert.Contains(t, string(body.Data), `"payout-1"`)
}

func TestPayoutHandlerGenerateNothingToPay(t *testing.T) {
	handler := NewPayoutHandler(&payoutServiceStub{})

	c, w := newJSONContext(http.MethodPost, "/payouts", `{"teacherRef":"teacher-1","year":2024,"month":5}`)
	handler.Generate(c)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeEnvelope(t, w)
	assert.Equal(t, "no unpaid earnings for month", body.Meta["message"])
}

func TestPayoutHandlerApproveReportsViolations(t *testing.T) {
	violations := []models.PayoutViolation{{Check: "disputed_earning", Message: "earning is disputed", EarningID: "earning-2"}}
	handler := NewPayoutHandler(&payoutServiceStub{
		approveErr: appErrors.WithDetails(appErrors.ErrDataIntegrity, "payout failed approval checks", violations),
	})

	c, w := newJSONContext(http.MethodPost, "/payouts/payout-1/approve", `{"approvedBy":"finance-1"}`)
	c.Params = gin.Params{{Key: "id", Value: "payout-1"}}
	handler.Approve(c)

	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeEnvelope(t, w)
	require.NotNil(t, body.Error)
	assert.Equal(t, appErrors.ErrDataIntegrity.Code, body.Error.Code)
	assert.Contains(t, w.Body.String(), `"earningId":"earning-2"`)
}

func TestPayoutHandlerApproveInvalidPayload(t *testing.T) {
	handler := NewPayoutHandler(&payoutServiceStub{})

	c, w := newJSONContext(http.MethodPost, "/payouts/payout-1/approve", `{"approvedBy":`)
	c.Params = gin.Params{{Key: "id", Value: "payout-1"}}
	handler.Approve(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPayoutHandlerGetNotFound(t *testing.T) {
	handler := NewPayoutHandler(&payoutServiceStub{})

	c, w := newJSONContext(http.MethodGet, "/payouts/missing", "")
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	handler.Get(c)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPayoutHandlerRejectAndPay(t *testing.T) {
	handler := NewPayoutHandler(&payoutServiceStub{})

	c, w := newJSONContext(http.MethodPost, "/payouts/payout-1/reject", `{"reason":"rates under review"}`)
	c.Params = gin.Params{{Key: "id", Value: "payout-1"}}
	handler.Reject(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"REJECTED"`)

	c, w = newJSONContext(http.MethodPost, "/payouts/payout-1/paid", `{"method":"bank_transfer"}`)
	c.Params = gin.Params{{Key: "id", Value: "payout-1"}}
	handler.MarkPaid(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"PAID"`)
}
