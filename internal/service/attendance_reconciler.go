package service

import (
	"math"
	"time"

	"github.com/noah-isme/session-settlement-api/internal/models"
)

// ApplyCycle merges one telemetry event into a participant's cycle log.
//
// A join is appended. A leave is paired with the most recent unmatched join that
// carries the same correlation id (an empty id only pairs with an empty id) and is
// inserted directly after it. A leave without a partner is appended unpaired and
// contributes no duration. The second return value is false for such orphan leaves.
func ApplyCycle(cycles models.AttendanceCycles, event models.AttendanceEvent) (models.AttendanceCycles, bool) {
	entry := models.AttendanceCycle{
		Type:          event.Kind,
		Timestamp:     event.Timestamp.UTC(),
		CorrelationID: event.CorrelationID,
		EventID:       event.EventID,
	}
	if event.Kind == models.CycleJoin {
		return append(cycles, entry), true
	}

	for i := len(cycles) - 1; i >= 0; i-- {
		join := cycles[i]
		if join.Type != models.CycleJoin || join.CorrelationID != event.CorrelationID || joinMatched(cycles, i) {
			continue
		}
		entry.Paired = true
		seconds := int64(entry.Timestamp.Sub(join.Timestamp) / time.Second)
		if seconds < 0 {
			seconds = 0
		}
		entry.DurationSeconds = seconds

		out := make(models.AttendanceCycles, 0, len(cycles)+1)
		out = append(out, cycles[:i+1]...)
		out = append(out, entry)
		out = append(out, cycles[i+1:]...)
		return out, true
	}

	return append(cycles, entry), false
}

// Reconcile recomputes the derived attendance totals of a record from its cycles.
func Reconcile(record *models.AttendanceRecord, scheduledMinutes int) {
	var (
		totalSeconds int64
		openJoins    int
		firstJoin    *time.Time
		lastLeave    *time.Time
	)
	for i, cycle := range record.Cycles {
		ts := cycle.Timestamp
		switch cycle.Type {
		case models.CycleJoin:
			if !joinMatched(record.Cycles, i) {
				openJoins++
			}
			if firstJoin == nil || ts.Before(*firstJoin) {
				firstJoin = &ts
			}
		case models.CycleLeave:
			if cycle.Paired {
				totalSeconds += cycle.DurationSeconds
			}
			if lastLeave == nil || ts.After(*lastLeave) {
				lastLeave = &ts
			}
		}
	}

	record.TotalDurationMinutes = round2(float64(totalSeconds) / 60)
	record.AttendancePercentage = AttendancePercentage(totalSeconds, scheduledMinutes)
	record.IsReconciled = openJoins == 0
	record.FirstJoinAt = firstJoin
	record.LastLeaveAt = lastLeave
}

// AttendancePercentage is the present share of the scheduled duration, capped at 100.
func AttendancePercentage(presentSeconds int64, scheduledMinutes int) float64 {
	if scheduledMinutes <= 0 || presentSeconds <= 0 {
		return 0
	}
	pct := float64(presentSeconds) / float64(scheduledMinutes*60) * 100
	return math.Min(100, round2(pct))
}

// joinMatched reports whether the join at index i already has its paired leave,
// which is always stored immediately after it.
func joinMatched(cycles models.AttendanceCycles, i int) bool {
	if i+1 >= len(cycles) {
		return false
	}
	next := cycles[i+1]
	return next.Type == models.CycleLeave && next.Paired && next.CorrelationID == cycles[i].CorrelationID
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
