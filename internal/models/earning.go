package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CalculationMethod tags how an earning amount was derived.
type CalculationMethod string

const (
	MethodIndividualRate CalculationMethod = "individual_rate"
	MethodGroupRate      CalculationMethod = "group_rate"
	MethodFixedAmount    CalculationMethod = "fixed_amount"
	MethodPerStudent     CalculationMethod = "per_student"
	MethodPerSession     CalculationMethod = "per_session"
)

// PaymentModel is how a course compensates its teacher.
type PaymentModel string

const (
	PaymentFixedAmount PaymentModel = "fixed_amount"
	PaymentPerStudent  PaymentModel = "per_student"
	PaymentPerSession  PaymentModel = "per_session"
)

// TeacherRates holds a teacher's per-program flat rates.
type TeacherRates struct {
	TeacherRef     string              `db:"teacher_ref"`
	Program        Program             `db:"program"`
	RateIndividual decimal.NullDecimal `db:"rate_individual"`
	RateGroup      decimal.NullDecimal `db:"rate_group"`
}

// CourseTerms is the compensation agreement of a course plus its live enrollment.
type CourseTerms struct {
	CourseRef            string              `db:"course_ref"`
	PaymentType          PaymentModel        `db:"payment_type"`
	TotalFixed           decimal.NullDecimal `db:"total_fixed"`
	TotalPlannedSessions *int                `db:"total_planned_sessions"`
	RatePerStudent       decimal.NullDecimal `db:"rate_per_student"`
	RatePerSession       decimal.NullDecimal `db:"rate_per_session"`
	EnrolledCount        int                 `db:"enrolled_count"`
}

// EarningMetadata is the audit blob stored with every earning.
type EarningMetadata struct {
	Variant                   SessionVariant `json:"variant"`
	Program                   Program        `json:"program"`
	SessionKind               SessionKind    `json:"sessionKind"`
	SessionStatus             SessionStatus  `json:"sessionStatus"`
	PaymentModel              PaymentModel   `json:"paymentModel,omitempty"`
	EnrolledCount             *int           `json:"enrolledCount,omitempty"`
	PlannedSessions           *int           `json:"plannedSessions,omitempty"`
	TotalFixed                string         `json:"totalFixed,omitempty"`
	TeacherAttendancePercent  *float64       `json:"teacherAttendancePercent,omitempty"`
	TeacherAttendanceRecorded bool           `json:"teacherAttendanceRecorded"`
	EndedAt                   *time.Time     `json:"endedAt,omitempty"`
	Formula                   string         `json:"formula"`
}

// Value implements driver.Valuer.
func (m EarningMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *EarningMetadata) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// EarningRecord is the teacher compensation for a single session.
type EarningRecord struct {
	ID                string            `db:"id" json:"id"`
	SessionID         string            `db:"session_id" json:"sessionId"`
	TeacherRef        string            `db:"teacher_ref" json:"teacherRef"`
	Amount            decimal.Decimal   `db:"amount" json:"amount"`
	CalculationMethod CalculationMethod `db:"calculation_method" json:"calculationMethod"`
	RateSnapshot      decimal.Decimal   `db:"rate_snapshot" json:"rateSnapshot"`
	Metadata          EarningMetadata   `db:"metadata" json:"metadata"`
	EarningMonth      time.Time         `db:"earning_month" json:"earningMonth"`
	PayoutID          *string           `db:"payout_id" json:"payoutId,omitempty"`
	IsFinalized       bool              `db:"is_finalized" json:"isFinalized"`
	IsDisputed        bool              `db:"is_disputed" json:"isDisputed"`
	DisputeReason     *string           `db:"dispute_reason" json:"disputeReason,omitempty"`
	CalculatedAt      *time.Time        `db:"calculated_at" json:"calculatedAt,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updatedAt"`
}

// MonthStart truncates t to the first instant of its calendar month in loc.
func MonthStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("scan json: unsupported type %T", src)
	}
}
