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

type attendanceService interface {
	RecordAttendanceEvent(ctx context.Context, req dto.AttendanceEventRequest) (models.AttendanceOutcome, error)
	SessionAttendance(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error)
}

// AttendanceHandler ingests meeting telemetry.
type AttendanceHandler struct {
	service attendanceService
}

// NewAttendanceHandler builds a new handler.
func NewAttendanceHandler(service attendanceService) *AttendanceHandler {
	return &AttendanceHandler{service: service}
}

// RecordEvent godoc
// @Summary Record a join or leave event
// @Description Idempotent by eventId. A redelivered event reports outcome "duplicate".
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body dto.AttendanceEventRequest true "Telemetry event"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /attendance/events [post]
func (h *AttendanceHandler) RecordEvent(c *gin.Context) {
	var req dto.AttendanceEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid attendance payload"))
		return
	}
	outcome, err := h.service.RecordAttendanceEvent(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.AttendanceEventResponse{EventID: req.EventID, Outcome: string(outcome)})
}

// SessionAttendance godoc
// @Summary List reconciled attendance of a session
// @Tags Attendance
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/attendance [get]
func (h *AttendanceHandler) SessionAttendance(c *gin.Context) {
	records, err := h.service.SessionAttendance(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, records)
}
