package service

import (
	"fmt"
	"math"
	"time"

	"github.com/noah-isme/session-settlement-api/internal/models"
)

// Eligibility is the verdict of EligibilityPolicy for one session.
type Eligibility struct {
	Eligible bool
	Reason   string
	// TeacherPercent is the presence measured against the expected window. Nil
	// when no teacher record exists.
	TeacherPercent *float64
}

// EligibilityPolicy decides whether a terminal session earns the teacher anything.
type EligibilityPolicy struct {
	minTeacherPercent float64
	grace             time.Duration
}

// NewEligibilityPolicy builds a policy requiring minTeacherPercent teacher presence.
// graceMinutes bounds the expected window of ABSENT sessions.
func NewEligibilityPolicy(minTeacherPercent float64, graceMinutes int) EligibilityPolicy {
	return EligibilityPolicy{
		minTeacherPercent: minTeacherPercent,
		grace:             time.Duration(graceMinutes) * time.Minute,
	}
}

// Evaluate checks status, trial flag and teacher presence. A teacher without any
// attendance record is treated as eligible; a measured presence below the
// threshold is not.
func (p EligibilityPolicy) Evaluate(session *models.Session, teacher *models.AttendanceRecord) Eligibility {
	switch session.Status {
	case models.SessionStatusCompleted, models.SessionStatusAbsent:
	default:
		return Eligibility{Reason: fmt.Sprintf("session status %s is not settleable", session.Status)}
	}
	if session.IsTrial {
		return Eligibility{Reason: "trial sessions are not compensated"}
	}
	if teacher == nil {
		return Eligibility{Eligible: true, Reason: "no teacher attendance recorded"}
	}
	pct := p.TeacherPresencePercent(session, teacher)
	if pct < p.minTeacherPercent {
		return Eligibility{
			Reason:         fmt.Sprintf("teacher attendance %.2f%% below %.2f%%", pct, p.minTeacherPercent),
			TeacherPercent: &pct,
		}
	}
	return Eligibility{Eligible: true, TeacherPercent: &pct}
}

// TeacherPresencePercent measures the teacher's presence in a terminal session.
// Joins still open when the session ended count until ended_at. A COMPLETED
// session expects the scheduled duration; an ABSENT one only expects the teacher
// to wait from scheduled_at until the session was closed, at most the grace period.
func (p EligibilityPolicy) TeacherPresencePercent(session *models.Session, teacher *models.AttendanceRecord) float64 {
	expected := p.expectedWindow(session)
	if expected <= 0 {
		return 0
	}
	present := presentUntil(teacher.Cycles, session.EndedAt)
	if present <= 0 {
		return 0
	}
	pct := float64(present) / expected.Seconds() * 100
	return math.Min(100, round2(pct))
}

func (p EligibilityPolicy) expectedWindow(session *models.Session) time.Duration {
	scheduled := time.Duration(session.DurationMinutes) * time.Minute
	if session.Status != models.SessionStatusAbsent || session.EndedAt == nil {
		return scheduled
	}
	waited := session.EndedAt.Sub(session.ScheduledAt)
	if p.grace > 0 && waited > p.grace {
		waited = p.grace
	}
	if waited <= 0 || (scheduled > 0 && waited > scheduled) {
		return scheduled
	}
	return waited
}

// presentUntil sums paired durations in seconds and closes unmatched joins at endedAt.
func presentUntil(cycles models.AttendanceCycles, endedAt *time.Time) int64 {
	var seconds int64
	for i, cycle := range cycles {
		switch cycle.Type {
		case models.CycleLeave:
			if cycle.Paired {
				seconds += cycle.DurationSeconds
			}
		case models.CycleJoin:
			if endedAt == nil || joinMatched(cycles, i) || !cycle.Timestamp.Before(*endedAt) {
				continue
			}
			seconds += int64(endedAt.Sub(cycle.Timestamp) / time.Second)
		}
	}
	return seconds
}
