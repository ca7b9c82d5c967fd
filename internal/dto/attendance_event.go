package dto

import "time"

// AttendanceEventRequest is one join/leave delivery from the meeting provider webhook.
type AttendanceEventRequest struct {
	EventID       string    `json:"eventId" validate:"required,max=128"`
	SessionID     string    `json:"sessionId" validate:"required"`
	ParticipantID string    `json:"participantId" validate:"required"`
	Role          string    `json:"role" validate:"required,participant_role"`
	Type          string    `json:"type" validate:"required,oneof=join leave"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
	CorrelationID string    `json:"correlationId" validate:"omitempty,max=128"`
}

// AttendanceEventResponse reports whether the event changed state.
type AttendanceEventResponse struct {
	EventID string `json:"eventId"`
	Outcome string `json:"outcome"`
}
