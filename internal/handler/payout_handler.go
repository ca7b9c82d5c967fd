package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/session-settlement-api/internal/dto"
	"github.com/noah-isme/session-settlement-api/internal/models"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
	"github.com/noah-isme/session-settlement-api/pkg/response"
)

type payoutService interface {
	GeneratePayout(ctx context.Context, req dto.GeneratePayoutRequest) (*models.Payout, error)
	GetPayout(ctx context.Context, id string) (*dto.PayoutDetail, error)
	ApprovePayout(ctx context.Context, id, approvedBy string) (*models.Payout, error)
	RejectPayout(ctx context.Context, id, reason string) (*models.Payout, error)
	MarkPayoutPaid(ctx context.Context, id string, req dto.MarkPayoutPaidRequest) (*models.Payout, error)
}

// PayoutHandler exposes the monthly payout workflow.
type PayoutHandler struct {
	service payoutService
}

// NewPayoutHandler builds a new handler.
func NewPayoutHandler(service payoutService) *PayoutHandler {
	return &PayoutHandler{service: service}
}

// Generate godoc
// @Summary Generate a teacher's monthly payout
// @Description Idempotent per teacher and month. Returns no data when there is nothing to pay.
// @Tags Payouts
// @Accept json
// @Produce json
// @Param payload body dto.GeneratePayoutRequest true "Teacher and month"
// @Success 200 {object} response.Envelope
// @Router /payouts [post]
func (h *PayoutHandler) Generate(c *gin.Context) {
	var req dto.GeneratePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payout payload"))
		return
	}
	payout, err := h.service.GeneratePayout(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if payout == nil {
		response.JSON(c, http.StatusOK, nil, map[string]interface{}{"message": "no unpaid earnings for month"})
		return
	}
	response.OK(c, payout)
}

// Get godoc
// @Summary Get a payout with its earnings
// @Tags Payouts
// @Produce json
// @Param id path string true "Payout ID"
// @Success 200 {object} response.Envelope
// @Router /payouts/{id} [get]
func (h *PayoutHandler) Get(c *gin.Context) {
	detail, err := h.service.GetPayout(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, detail)
}

// Approve godoc
// @Summary Approve a pending payout
// @Description Fails with DATA_INTEGRITY_VIOLATION and a list of violations when re-validation fails.
// @Tags Payouts
// @Accept json
// @Produce json
// @Param id path string true "Payout ID"
// @Param payload body dto.ApprovePayoutRequest true "Approver"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /payouts/{id}/approve [post]
func (h *PayoutHandler) Approve(c *gin.Context) {
	var req dto.ApprovePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid approval payload"))
		return
	}
	payout, err := h.service.ApprovePayout(c.Request.Context(), c.Param("id"), req.ApprovedBy)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, payout)
}

// Reject godoc
// @Summary Reject a pending payout
// @Tags Payouts
// @Accept json
// @Produce json
// @Param id path string true "Payout ID"
// @Param payload body dto.RejectPayoutRequest true "Rejection reason"
// @Success 200 {object} response.Envelope
// @Router /payouts/{id}/reject [post]
func (h *PayoutHandler) Reject(c *gin.Context) {
	var req dto.RejectPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid rejection payload"))
		return
	}
	payout, err := h.service.RejectPayout(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, payout)
}

// MarkPaid godoc
// @Summary Mark an approved payout as paid
// @Tags Payouts
// @Accept json
// @Produce json
// @Param id path string true "Payout ID"
// @Param payload body dto.MarkPayoutPaidRequest true "Payment details"
// @Success 200 {object} response.Envelope
// @Router /payouts/{id}/paid [post]
func (h *PayoutHandler) MarkPaid(c *gin.Context) {
	var req dto.MarkPayoutPaidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payment payload"))
		return
	}
	payout, err := h.service.MarkPayoutPaid(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, payout)
}
