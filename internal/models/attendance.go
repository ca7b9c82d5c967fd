package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ParticipantRole distinguishes who produced attendance telemetry.
type ParticipantRole string

const (
	RoleTeacher    ParticipantRole = "teacher"
	RoleStudent    ParticipantRole = "student"
	RoleSupervisor ParticipantRole = "supervisor"
)

// Valid returns true when the role is supported.
func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleTeacher, RoleStudent, RoleSupervisor:
		return true
	default:
		return false
	}
}

// CycleType is the kind of a telemetry entry.
type CycleType string

const (
	CycleJoin  CycleType = "join"
	CycleLeave CycleType = "leave"
)

// AttendanceCycle is one join or leave entry in a participant's log.
// DurationSeconds and Paired are only meaningful on leave entries.
type AttendanceCycle struct {
	Type            CycleType `json:"type"`
	Timestamp       time.Time `json:"timestamp"`
	CorrelationID   string    `json:"correlationId,omitempty"`
	EventID         string    `json:"eventId"`
	Paired          bool      `json:"paired,omitempty"`
	DurationSeconds int64     `json:"durationSeconds,omitempty"`
}

// AttendanceCycles is persisted as a JSONB array.
type AttendanceCycles []AttendanceCycle

// Value implements driver.Valuer.
func (c AttendanceCycles) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *AttendanceCycles) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = AttendanceCycles{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan attendance cycles: unsupported type %T", src)
	}
	return json.Unmarshal(raw, c)
}

// AttendanceRecord is the reconciled attendance of one participant in one session.
type AttendanceRecord struct {
	ID                   string           `db:"id" json:"id"`
	SessionID            string           `db:"session_id" json:"sessionId"`
	ParticipantID        string           `db:"participant_id" json:"participantId"`
	Role                 ParticipantRole  `db:"role" json:"role"`
	Cycles               AttendanceCycles `db:"cycles" json:"cycles"`
	TotalDurationMinutes float64          `db:"total_duration_minutes" json:"totalDurationMinutes"`
	AttendancePercentage float64          `db:"attendance_percentage" json:"attendancePercentage"`
	IsReconciled         bool             `db:"is_reconciled" json:"isReconciled"`
	FirstJoinAt          *time.Time       `db:"first_join_at" json:"firstJoinAt,omitempty"`
	LastLeaveAt          *time.Time       `db:"last_leave_at" json:"lastLeaveAt,omitempty"`
	CreatedAt            time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updatedAt"`
}

// HasOpenJoin reports whether the participant is currently inside the meeting.
func (r *AttendanceRecord) HasOpenJoin() bool {
	return r != nil && !r.IsReconciled
}

// AttendanceEvent is a single join/leave telemetry delivery.
type AttendanceEvent struct {
	EventID       string
	SessionID     string
	ParticipantID string
	Role          ParticipantRole
	Kind          CycleType
	Timestamp     time.Time
	CorrelationID string
}

// AttendanceOutcome reports what ingestion did with an event.
type AttendanceOutcome string

const (
	AttendanceRecorded  AttendanceOutcome = "recorded"
	AttendanceDuplicate AttendanceOutcome = "duplicate"
)
