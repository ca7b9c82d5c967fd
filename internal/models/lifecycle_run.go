package models

import "time"

// CandidateWindow bounds which sessions a batch run looks at.
type CandidateWindow struct {
	From  time.Time `json:"from"`
	Until time.Time `json:"until"`
}

// RunError records a session that raised an unexpected error during a batch run.
type RunError struct {
	SessionID string `json:"sessionId"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

// RunSummary is the observable outcome of one batch evaluation.
type RunSummary struct {
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     time.Time       `json:"finishedAt"`
	Window         CandidateWindow `json:"window"`
	Candidates     int             `json:"candidates"`
	ReadyCount     int             `json:"readyCount"`
	AbsentCount    int             `json:"absentCount"`
	CompletedCount int             `json:"completedCount"`
	SkippedCount   int             `json:"skippedCount"`
	SettledCount   int             `json:"settledCount"`
	Truncated      bool            `json:"truncated"`
	Errors         []RunError      `json:"errors"`
}

// RecordError appends a per-session failure.
func (s *RunSummary) RecordError(sessionID, stage string, err error) {
	s.Errors = append(s.Errors, RunError{SessionID: sessionID, Stage: stage, Error: err.Error()})
}

// RoomInfo is what the meeting provider returns for presentation.
type RoomInfo struct {
	RoomName string `json:"roomName"`
	JoinURL  string `json:"joinUrl"`
}
