package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-settlement-api/internal/models"
	"github.com/noah-isme/session-settlement-api/internal/service"
)

type pingerStub struct{ err error }

func (p pingerStub) PingContext(ctx context.Context) error { return p.err }

func TestMetricsHandlerReady(t *testing.T) {
	handler := NewMetricsHandler(nil, pingerStub{})
	c, w := newJSONContext(http.MethodGet, "/ready", "")
	handler.Ready(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ready"`)

	handler = NewMetricsHandler(nil, pingerStub{err: errors.New("connection refused")})
	c, w = newJSONContext(http.MethodGet, "/ready", "")
	handler.Ready(c)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsHandlerHealth(t *testing.T) {
	c, w := newJSONContext(http.MethodGet, "/health", "")
	NewMetricsHandler(nil, nil).Health(c)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsHandlerPrometheus(t *testing.T) {
	metrics := service.NewMetricsService()
	metrics.RecordTransition(models.TransitionCompleted, "applied")
	handler := NewMetricsHandler(metrics, nil)

	c, w := newJSONContext(http.MethodGet, "/metrics", "")
	handler.Prometheus(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `session_transitions_total{kind="completed",outcome="applied"} 1`)

	c, w = newJSONContext(http.MethodGet, "/metrics", "")
	NewMetricsHandler(nil, nil).Prometheus(c)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
