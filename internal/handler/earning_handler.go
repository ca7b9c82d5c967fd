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

type earningService interface {
	GetEarning(ctx context.Context, id string) (*models.EarningRecord, error)
	DisputeEarning(ctx context.Context, id, reason string) (*models.EarningRecord, error)
	ResolveDispute(ctx context.Context, id string) (*models.EarningRecord, error)
}

// EarningHandler exposes earning lookup and dispute endpoints.
type EarningHandler struct {
	service earningService
}

// NewEarningHandler builds a new handler.
func NewEarningHandler(service earningService) *EarningHandler {
	return &EarningHandler{service: service}
}

// Get godoc
// @Summary Get an earning
// @Tags Earnings
// @Produce json
// @Param id path string true "Earning ID"
// @Success 200 {object} response.Envelope
// @Router /earnings/{id} [get]
func (h *EarningHandler) Get(c *gin.Context) {
	earning, err := h.service.GetEarning(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, earning)
}

// Dispute godoc
// @Summary Dispute an earning
// @Tags Earnings
// @Accept json
// @Produce json
// @Param id path string true "Earning ID"
// @Param payload body dto.DisputeEarningRequest true "Dispute payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /earnings/{id}/dispute [post]
func (h *EarningHandler) Dispute(c *gin.Context) {
	var req dto.DisputeEarningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid dispute payload"))
		return
	}
	earning, err := h.service.DisputeEarning(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, earning)
}

// Resolve godoc
// @Summary Resolve an earning dispute
// @Tags Earnings
// @Produce json
// @Param id path string true "Earning ID"
// @Success 200 {object} response.Envelope
// @Router /earnings/{id}/resolve [post]
func (h *EarningHandler) Resolve(c *gin.Context) {
	earning, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, earning)
}
