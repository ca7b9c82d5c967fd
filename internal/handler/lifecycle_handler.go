package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/session-settlement-api/internal/dto"
	"github.com/noah-isme/session-settlement-api/internal/models"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
	"github.com/noah-isme/session-settlement-api/pkg/response"
)

type batchService interface {
	DefaultWindow() models.CandidateWindow
	EvaluateBatch(ctx context.Context, window *models.CandidateWindow) (*models.RunSummary, error)
}

type runHistory interface {
	LastSummary() *models.RunSummary
}

// LifecycleHandler triggers lifecycle batch runs on demand and reports scheduled ones.
type LifecycleHandler struct {
	batch batchService
	runs  runHistory
}

// NewLifecycleHandler builds a new handler. runs may be nil when no scheduler is running.
func NewLifecycleHandler(batch batchService, runs runHistory) *LifecycleHandler {
	return &LifecycleHandler{batch: batch, runs: runs}
}

// Evaluate godoc
// @Summary Run a lifecycle batch evaluation now
// @Description Applies ready, absent and completed transitions to candidate sessions and returns the run summary.
// @Tags Lifecycle
// @Accept json
// @Produce json
// @Param payload body dto.EvaluateBatchRequest false "Optional candidate window"
// @Success 200 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /lifecycle/evaluate [post]
func (h *LifecycleHandler) Evaluate(c *gin.Context) {
	if h.batch == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "lifecycle scheduler unavailable"))
		return
	}
	var req dto.EvaluateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid evaluation payload"))
		return
	}
	var window *models.CandidateWindow
	if req.From != nil || req.Until != nil {
		w := h.batch.DefaultWindow()
		if req.From != nil {
			w.From = req.From.UTC()
		}
		if req.Until != nil {
			w.Until = req.Until.UTC()
		}
		window = &w
	}
	summary, err := h.batch.EvaluateBatch(c.Request.Context(), window)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, summary)
}

// LastRun godoc
// @Summary Latest scheduled batch run
// @Description Returns the summary of the most recent successful scheduled lifecycle run.
// @Tags Lifecycle
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /lifecycle/runs/last [get]
func (h *LifecycleHandler) LastRun(c *gin.Context) {
	var summary *models.RunSummary
	if h.runs != nil {
		summary = h.runs.LastSummary()
	}
	if summary == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "no scheduled lifecycle run recorded yet"))
		return
	}
	response.OK(c, summary)
}
