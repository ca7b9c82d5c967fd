package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PayoutStatus captures the approval workflow of a monthly payout.
type PayoutStatus string

const (
	PayoutStatusPending  PayoutStatus = "PENDING"
	PayoutStatusApproved PayoutStatus = "APPROVED"
	PayoutStatusRejected PayoutStatus = "REJECTED"
	PayoutStatusPaid     PayoutStatus = "PAID"
)

// BreakdownLine aggregates earnings sharing a calculation method.
type BreakdownLine struct {
	Amount   decimal.Decimal `json:"amount"`
	Sessions int             `json:"sessions"`
}

// PayoutBreakdown groups a payout total by calculation method.
type PayoutBreakdown map[CalculationMethod]BreakdownLine

// Value implements driver.Valuer.
func (b PayoutBreakdown) Value() (driver.Value, error) {
	if b == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(b)
}

// Scan implements sql.Scanner.
func (b *PayoutBreakdown) Scan(src interface{}) error {
	if *b == nil {
		*b = PayoutBreakdown{}
	}
	return scanJSON(src, b)
}

// Payout is a teacher's monthly, approvable aggregation of settled earnings.
type Payout struct {
	ID               string          `db:"id" json:"id"`
	TeacherRef       string          `db:"teacher_ref" json:"teacherRef"`
	PayoutMonth      time.Time       `db:"payout_month" json:"payoutMonth"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"totalAmount"`
	SessionsCount    int             `db:"sessions_count" json:"sessionsCount"`
	Status           PayoutStatus    `db:"status" json:"status"`
	Breakdown        PayoutBreakdown `db:"breakdown" json:"breakdown"`
	ApprovedBy       *string         `db:"approved_by" json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time      `db:"approved_at" json:"approvedAt,omitempty"`
	RejectionReason  *string         `db:"rejection_reason" json:"rejectionReason,omitempty"`
	RejectedAt       *time.Time      `db:"rejected_at" json:"rejectedAt,omitempty"`
	PaidAt           *time.Time      `db:"paid_at" json:"paidAt,omitempty"`
	PaymentMethod    *string         `db:"payment_method" json:"paymentMethod,omitempty"`
	PaymentReference *string         `db:"payment_reference" json:"paymentReference,omitempty"`
	PaymentNotes     *string         `db:"payment_notes" json:"paymentNotes,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updatedAt"`
}

// PaymentDetails describes how an approved payout was settled outside this system.
type PaymentDetails struct {
	Method    string
	Reference string
	Notes     string
}

// PayoutViolation is one failed approval check.
type PayoutViolation struct {
	Check     string `json:"check"`
	Message   string `json:"message"`
	EarningID string `json:"earningId,omitempty"`
}
