package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-settlement-api/internal/dto"
	"github.com/noah-isme/session-settlement-api/internal/models"
	"github.com/noah-isme/session-settlement-api/internal/service"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

type sessionLifecycleStub struct {
	result       *service.TransitionResult
	err          error
	origin       service.TransitionOrigin
	cancelReason string
}

func (s *sessionLifecycleStub) GetSession(ctx context.Context, id string) (*dto.SessionDetail, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dto.SessionDetail{Session: &models.Session{ID: id, Status: models.SessionStatusReady}}, nil
}

func (s *sessionLifecycleStub) TransitionToCompleted(ctx context.Context, id string, manual bool) (*service.TransitionResult, error) {
	s.origin = service.TransitionOriginFrom(ctx)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *sessionLifecycleStub) TransitionToCancelled(ctx context.Context, id, reason string) error {
	s.origin = service.TransitionOriginFrom(ctx)
	s.cancelReason = reason
	return s.err
}

type sessionSettlerStub struct {
	earning *models.EarningRecord
	err     error
}

func (s *sessionSettlerStub) SettleSession(ctx context.Context, sessionID string) (*models.EarningRecord, error) {
	return s.earning, s.err
}

func TestSessionHandlerCompleteReportsSettlementFailure(t *testing.T) {
	lifecycle := &sessionLifecycleStub{result: &service.TransitionResult{
		Session:   &models.Session{ID: "s1", Status: models.SessionStatusCompleted},
		SettleErr: appErrors.Clone(appErrors.ErrInvalidConfig, "teacher has no individual rate"),
	}}
	handler := NewSessionHandler(lifecycle, &sessionSettlerStub{})

	c, w := newJSONContext(http.MethodPost, "/sessions/s1/complete", "")
	c.Params = gin.Params{{Key: "id", Value: "s1"}}
	handler.Complete(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.OriginManual, lifecycle.origin)
	body := decodeEnvelope(t, w)
	assert.Contains(t, string(body.Data), `"COMPLETED"`)
	require.Contains(t, body.Meta, "settlementError")
	assert.Contains(t, w.Body.String(), appErrors.ErrInvalidConfig.Code)
}

func TestSessionHandlerCompletePreconditionFailure(t *testing.T) {
	handler := NewSessionHandler(&sessionLifecycleStub{
		err: appErrors.Clone(appErrors.ErrPreconditionNotMet, "session is SCHEDULED"),
	}, nil)

	c, w := newJSONContext(http.MethodPost, "/sessions/s1/complete", "")
	c.Params = gin.Params{{Key: "id", Value: "s1"}}
	handler.Complete(c)

	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeEnvelope(t, w)
	require.NotNil(t, body.Error)
	assert.Equal(t, appErrors.ErrPreconditionNotMet.Code, body.Error.Code)
}

func TestSessionHandlerCancel(t *testing.T) {
	lifecycle := &sessionLifecycleStub{}
	handler := NewSessionHandler(lifecycle, nil)

	c, w := newJSONContext(http.MethodPost, "/sessions/s1/cancel", `{"reason":"teacher sick"}`)
	c.Params = gin.Params{{Key: "id", Value: "s1"}}
	handler.Cancel(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "teacher sick", lifecycle.cancelReason)
	assert.Equal(t, service.OriginManual, lifecycle.origin)
	assert.Contains(t, w.Body.String(), `"CANCELLED"`)
}

func TestSessionHandlerSettle(t *testing.T) {
	handler := NewSessionHandler(&sessionLifecycleStub{}, &sessionSettlerStub{
		earning: &models.EarningRecord{ID: "earning-1", SessionID: "s1", Amount: decimal.RequireFromString("80")},
	})

	c, w := newJSONContext(http.MethodPost, "/sessions/s1/settle", "")
	c.Params = gin.Params{{Key: "id", Value: "s1"}}
	handler.Settle(c)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeEnvelope(t, w)
	assert.Equal(t, true, body.Meta["eligible"])
	assert.Contains(t, string(body.Data), `"earning-1"`)

	handler = NewSessionHandler(&sessionLifecycleStub{}, &sessionSettlerStub{})
	c, w = newJSONContext(http.MethodPost, "/sessions/s2/settle", "")
	c.Params = gin.Params{{Key: "id", Value: "s2"}}
	handler.Settle(c)

	require.Equal(t, http.StatusOK, w.Code)
	body = decodeEnvelope(t, w)
	assert.Equal(t, false, body.Meta["eligible"])
}

func TestSessionHandlerSettleUnexpectedError(t *testing.T) {
	handler := NewSessionHandler(&sessionLifecycleStub{}, &sessionSettlerStub{err: errors.New("boom")})

	c, w := newJSONContext(http.MethodPost, "/sessions/s1/settle", "")
	c.Params = gin.Params{{Key: "id", Value: "s1"}}
	handler.Settle(c)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSessionHandlerGetNotFound(t *testing.T) {
	handler := NewSessionHandler(&sessionLifecycleStub{err: appErrors.Clone(appErrors.ErrNotFound, "session not found")}, nil)

	c, w := newJSONContext(http.MethodGet, "/sessions/missing", "")
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	handler.Get(c)

	require.Equal(t, http.StatusNotFound, w.Code)
}
