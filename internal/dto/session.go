package dto

import (
	"time"

	"github.com/noah-isme/session-settlement-api/internal/models"
)

// CancelSessionRequest carries the reason recorded on cancellation.
type CancelSessionRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// SessionDetail is a session with its presentation-only meeting room.
type SessionDetail struct {
	*models.Session
	Room *models.RoomInfo `json:"room,omitempty"`
}

// TransitionResponse reports the outcome of a manual lifecycle action.
type TransitionResponse struct {
	SessionID string                `json:"sessionId"`
	Status    models.SessionStatus  `json:"status"`
	Earning   *models.EarningRecord `json:"earning,omitempty"`
}

// EvaluateBatchRequest optionally overrides the candidate window of an on-demand run.
type EvaluateBatchRequest struct {
	From  *time.Time `json:"from"`
	Until *time.Time `json:"until"`
}
