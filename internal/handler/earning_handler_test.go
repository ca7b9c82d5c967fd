package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-settlement-api/internal/models"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

type earningServiceStub struct {
	finalized bool
	reason    string
}

func (s *earningServiceStub) GetEarning(ctx context.Context, id string) (*models.EarningRecord, error) {
	return &models.EarningRecord{ID: id}, nil
}

func (s *earningServiceStub) DisputeEarning(ctx context.Context, id, reason string) (*models.EarningRecord, error) {
	if s.finalized {
		return nil, appErrors.Clone(appErrors.ErrFinalized, "earning already belongs to a payout")
	}
	s.reason = reason
	return &models.EarningRecord{ID: id, IsDisputed: true}, nil
}

func (s *earningServiceStub) ResolveDispute(ctx context.Context, id string) (*models.EarningRecord, error) {
	return &models.EarningRecord{ID: id}, nil
}

func TestEarningHandlerDispute(t *testing.T) {
	stub := &earningServiceStub{}
	handler := NewEarningHandler(stub)

	c, w := newJSONContext(http.MethodPost, "/earnings/earning-1/dispute", `{"reason":"session ended early"}`)
	c.Params = gin.Params{{Key: "id", Value: "earning-1"}}
	handler.Dispute(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "session ended early", stub.reason)
	assert.Contains(t, w.Body.String(), `"isDisputed":true`)
}

func TestEarningHandlerDisputeFinalized(t *testing.T) {
	handler := NewEarningHandler(&earningServiceStub{finalized: true})

	c, w := newJSONContext(http.MethodPost, "/earnings/earning-1/dispute", `{"reason":"late"}`)
	c.Params = gin.Params{{Key: "id", Value: "earning-1"}}
	handler.Dispute(c)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), appErrors.ErrFinalized.Code)
}

func TestEarningHandlerGetAndResolve(t *testing.T) {
	handler := NewEarningHandler(&earningServiceStub{})

	c, w := newJSONContext(http.MethodGet, "/earnings/earning-1", "")
	c.Params = gin.Params{{Key: "id", Value: "earning-1"}}
	handler.Get(c)
	require.Equal(t, http.StatusOK, w.Code)

	c, w = newJSONContext(http.MethodPost, "/earnings/earning-1/resolve", "")
	c.Params = gin.Params{{Key: "id", Value: "earning-1"}}
	handler.Resolve(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"earning-1"`)
}
