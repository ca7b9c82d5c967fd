package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-settlement-api/internal/models"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

type batchServiceStub struct {
	window  models.CandidateWindow
	called  bool
	got     *models.CandidateWindow
	summary *models.RunSummary
	err     error
}

func (s *batchServiceStub) DefaultWindow() models.CandidateWindow { return s.window }

func (s *batchServiceStub) EvaluateBatch(ctx context.Context, window *models.CandidateWindow) (*models.RunSummary, error) {
	s.called = true
	s.got = window
	return s.summary, s.err
}

func newBatchServiceStub() *batchServiceStub {
	from := time.Date(2024, 5, 5, 9, 0, 0, 0, time.UTC)
	return &batchServiceStub{
		window:  models.CandidateWindow{From: from, Until: from.Add(48 * time.Hour)},
		summary: &models.RunSummary{Candidates: 3, ReadyCount: 1, CompletedCount: 1, SkippedCount: 1},
	}
}

func TestLifecycleHandlerEvaluateWithoutBody(t *testing.T) {
	stub := newBatchServiceStub()
	handler := NewLifecycleHandler(stub, nil)

	c, w := newJSONContext(http.MethodPost, "/lifecycle/evaluate", "")
	handler.Evaluate(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, stub.called)
	assert.Nil(t, stub.got)
	assert.Contains(t, w.Body.String(), `"readyCount":1`)
}

func TestLifecycleHandlerEvaluateWindowOverride(t *testing.T) {
	stub := newBatchServiceStub()
	handler := NewLifecycleHandler(stub, nil)

	c, w := newJSONContext(http.MethodPost, "/lifecycle/evaluate", `{"from":"2024-05-06T07:00:00+07:00"}`)
	handler.Evaluate(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, stub.got)
	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), stub.got.From)
	assert.Equal(t, stub.window.Until, stub.got.Until)
}

func TestLifecycleHandlerEvaluateInvalidBody(t *testing.T) {
	stub := newBatchServiceStub()
	handler := NewLifecycleHandler(stub, nil)

	c, w := newJSONContext(http.MethodPost, "/lifecycle/evaluate", `{"from":"yesterday"}`)
	handler.Evaluate(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, stub.called)
}

func TestLifecycleHandlerEvaluateFetchFailure(t *testing.T) {
	stub := newBatchServiceStub()
	stub.err = appErrors.Transient(context.DeadlineExceeded, "failed to list candidate sessions")
	handler := NewLifecycleHandler(stub, nil)

	c, w := newJSONContext(http.MethodPost, "/lifecycle/evaluate", "")
	handler.Evaluate(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLifecycleHandlerWithoutScheduler(t *testing.T) {
	c, w := newJSONContext(http.MethodPost, "/lifecycle/evaluate", "")
	NewLifecycleHandler(nil, nil).Evaluate(c)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

type runHistoryStub struct {
	last *models.RunSummary
}

func (s *runHistoryStub) LastSummary() *models.RunSummary { return s.last }

func TestLifecycleHandlerLastRun(t *testing.T) {
	runs := &runHistoryStub{}
	handler := NewLifecycleHandler(newBatchServiceStub(), runs)

	c, w := newJSONContext(http.MethodGet, "/lifecycle/runs/last", "")
	handler.LastRun(c)
	require.Equal(t, http.StatusNotFound, w.Code)

	runs.last = &models.RunSummary{Candidates: 4, AbsentCount: 1, Truncated: true, Errors: []models.RunError{{SessionID: "s-9", Stage: "settle", Error: "rate missing"}}}
	c, w = newJSONContext(http.MethodGet, "/lifecycle/runs/last", "")
	handler.LastRun(c)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeEnvelope(t, w)
	assert.Contains(t, string(body.Data), `"candidates":4`)
	assert.Contains(t, string(body.Data), `"truncated":true`)
	assert.Contains(t, string(body.Data), `"sessionId":"s-9"`)
}

func TestLifecycleHandlerLastRunWithoutRunner(t *testing.T) {
	c, w := newJSONContext(http.MethodGet, "/lifecycle/runs/last", "")
	NewLifecycleHandler(newBatchServiceStub(), nil).LastRun(c)

	require.Equal(t, http.StatusNotFound, w.Code)
}
