package models

import "time"

// SessionKind describes who attends a session.
type SessionKind string

const (
	SessionKindIndividual SessionKind = "individual"
	SessionKindGroup      SessionKind = "group"
	SessionKindCourse     SessionKind = "course"
)

// Program identifies the academy program a session belongs to.
type Program string

const (
	ProgramQuran    Program = "quran"
	ProgramAcademic Program = "academic"
	ProgramCourse   Program = "course"
)

// SessionVariant is the closed set of session shapes the platform settles.
type SessionVariant string

const (
	VariantUnknown            SessionVariant = ""
	VariantQuranIndividual    SessionVariant = "quran_individual"
	VariantQuranCircle        SessionVariant = "quran_circle"
	VariantAcademicIndividual SessionVariant = "academic_individual"
	VariantCourseClass        SessionVariant = "course_class"
)

// SessionStatus captures lifecycle states.
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "SCHEDULED"
	SessionStatusReady     SessionStatus = "READY"
	SessionStatusOngoing   SessionStatus = "ONGOING"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusAbsent    SessionStatus = "ABSENT"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave the status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusAbsent, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Session is a scheduled teaching unit driven by the lifecycle state machine.
type Session struct {
	ID                     string        `db:"id" json:"id"`
	Kind                   SessionKind   `db:"session_kind" json:"sessionKind"`
	Program                Program       `db:"program" json:"program"`
	Status                 SessionStatus `db:"status" json:"status"`
	ScheduledAt            time.Time     `db:"scheduled_at" json:"scheduledAt"`
	DurationMinutes        int           `db:"duration_minutes" json:"durationMinutes"`
	PreparationCompletedAt *time.Time    `db:"preparation_completed_at" json:"preparationCompletedAt,omitempty"`
	StartedAt              *time.Time    `db:"started_at" json:"startedAt,omitempty"`
	EndedAt                *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	ActualDurationMinutes  *int          `db:"actual_duration_minutes" json:"actualDurationMinutes,omitempty"`
	TeacherRef             string        `db:"teacher_ref" json:"teacherRef"`
	StudentRef             *string       `db:"student_ref" json:"studentRef,omitempty"`
	GroupRef               *string       `db:"group_ref" json:"groupRef,omitempty"`
	CourseRef              *string       `db:"course_ref" json:"courseRef,omitempty"`
	IsTrial                bool          `db:"is_trial" json:"isTrial"`
	CancellationReason     *string       `db:"cancellation_reason" json:"cancellationReason,omitempty"`
	CancelledAt            *time.Time    `db:"cancelled_at" json:"cancelledAt,omitempty"`
	CreatedAt              time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt              time.Time     `db:"updated_at" json:"updatedAt"`
}

// Variant resolves the session shape from its program and kind.
func (s *Session) Variant() SessionVariant {
	switch {
	case s.Program == ProgramQuran && s.Kind == SessionKindIndividual:
		return VariantQuranIndividual
	case s.Program == ProgramQuran && s.Kind == SessionKindGroup:
		return VariantQuranCircle
	case s.Program == ProgramAcademic && s.Kind == SessionKindIndividual:
		return VariantAcademicIndividual
	case s.Program == ProgramCourse && s.Kind == SessionKindCourse:
		return VariantCourseClass
	default:
		return VariantUnknown
	}
}

// IsIndividual reports one-teacher-one-student sessions, the only ones that can end ABSENT.
func (s *Session) IsIndividual() bool {
	return s.Kind == SessionKindIndividual && s.StudentRef != nil && *s.StudentRef != ""
}

// EndsAt is the scheduled end of the session.
func (s *Session) EndsAt() time.Time {
	return s.ScheduledAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// SessionFilter selects lifecycle candidates.
type SessionFilter struct {
	Statuses       []SessionStatus
	ScheduledFrom  time.Time
	ScheduledUntil time.Time
	Limit          int
}
