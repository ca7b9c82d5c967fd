package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/session-settlement-api/internal/dto"
	"github.com/noah-isme/session-settlement-api/internal/models"
	"github.com/noah-isme/session-settlement-api/internal/service"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
	"github.com/noah-isme/session-settlement-api/pkg/response"
)

type sessionLifecycle interface {
	GetSession(ctx context.Context, id string) (*dto.SessionDetail, error)
	TransitionToCompleted(ctx context.Context, id string, manual bool) (*service.TransitionResult, error)
	TransitionToCancelled(ctx context.Context, id, reason string) error
}

type sessionSettler interface {
	SettleSession(ctx context.Context, sessionID string) (*models.EarningRecord, error)
}

// SessionHandler exposes manual lifecycle actions and settlement.
type SessionHandler struct {
	lifecycle sessionLifecycle
	settler   sessionSettler
}

// NewSessionHandler builds a new handler.
func NewSessionHandler(lifecycle sessionLifecycle, settler sessionSettler) *SessionHandler {
	return &SessionHandler{lifecycle: lifecycle, settler: settler}
}

// Get godoc
// @Summary Get a session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	detail, err := h.lifecycle.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, detail)
}

// Complete godoc
// @Summary Complete a session immediately
// @Description Ends a READY or ONGOING session regardless of its scheduled end and settles it.
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/complete [post]
func (h *SessionHandler) Complete(c *gin.Context) {
	ctx := service.WithTransitionOrigin(c.Request.Context(), service.OriginManual)
	result, err := h.lifecycle.TransitionToCompleted(ctx, c.Param("id"), true)
	if err != nil {
		response.Error(c, err)
		return
	}
	payload := dto.TransitionResponse{
		SessionID: result.Session.ID,
		Status:    result.Session.Status,
		Earning:   result.Earning,
	}
	var meta map[string]interface{}
	if result.SettleErr != nil {
		meta = map[string]interface{}{"settlementError": appErrors.FromError(result.SettleErr)}
	}
	response.JSON(c, http.StatusOK, payload, meta)
}

// Cancel godoc
// @Summary Cancel a session that has not started
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.CancelSessionRequest true "Cancellation payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/cancel [post]
func (h *SessionHandler) Cancel(c *gin.Context) {
	var req dto.CancelSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid cancellation payload"))
		return
	}
	id := c.Param("id")
	ctx := service.WithTransitionOrigin(c.Request.Context(), service.OriginManual)
	if err := h.lifecycle.TransitionToCancelled(ctx, id, req.Reason); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.TransitionResponse{SessionID: id, Status: models.SessionStatusCancelled})
}

// Settle godoc
// @Summary Settle a terminal session
// @Description Returns the session's earning, creating it on first call. Ineligible sessions return no data.
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /sessions/{id}/settle [post]
func (h *SessionHandler) Settle(c *gin.Context) {
	if h.settler == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "settlement service unavailable"))
		return
	}
	earning, err := h.settler.SettleSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if earning == nil {
		response.JSON(c, http.StatusOK, nil, map[string]interface{}{"eligible": false})
		return
	}
	response.JSON(c, http.StatusOK, earning, map[string]interface{}{"eligible": true})
}
