package dto

import "github.com/noah-isme/session-settlement-api/internal/models"

// GeneratePayoutRequest selects the teacher and calendar month to aggregate.
type GeneratePayoutRequest struct {
	TeacherRef string `json:"teacherRef" validate:"required"`
	Year       int    `json:"year" validate:"required,min=2000,max=2100"`
	Month      int    `json:"month" validate:"required,min=1,max=12"`
}

// ApprovePayoutRequest identifies the approver.
type ApprovePayoutRequest struct {
	ApprovedBy string `json:"approvedBy" validate:"required"`
}

// RejectPayoutRequest carries the rejection reason.
type RejectPayoutRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// MarkPayoutPaidRequest records an out-of-band payment.
type MarkPayoutPaidRequest struct {
	Method    string `json:"method" validate:"required,max=64"`
	Reference string `json:"reference" validate:"omitempty,max=128"`
	Notes     string `json:"notes" validate:"omitempty,max=1000"`
}

// DisputeEarningRequest flags an earning as contested.
type DisputeEarningRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// PayoutDetail is a payout with its linked earnings.
type PayoutDetail struct {
	*models.Payout
	Earnings []models.EarningRecord `json:"earnings"`
}
