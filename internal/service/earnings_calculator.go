package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/session-settlement-api/internal/models"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

// CalculationInput is everything needed to price one session.
type CalculationInput struct {
	Session *models.Session
	Rates   *models.TeacherRates
	Course  *models.CourseTerms
	// CircleEnrolled is recorded for audit only; circle sessions pay a flat rate.
	CircleEnrolled *int
}

// Calculation is the priced result of a session.
type Calculation struct {
	Amount       decimal.Decimal
	Method       models.CalculationMethod
	RateSnapshot decimal.Decimal
	Metadata     models.EarningMetadata
}

// Calculate prices a session by its variant and, for courses, the payment model.
// Missing or non-positive rates fail with INVALID_CONFIGURATION.
func Calculate(input CalculationInput) (*Calculation, error) {
	session := input.Session
	if session == nil {
		return nil, invalidConfig("session is required")
	}
	variant := session.Variant()
	meta := models.EarningMetadata{
		Variant:       variant,
		Program:       session.Program,
		SessionKind:   session.Kind,
		SessionStatus: session.Status,
		EndedAt:       session.EndedAt,
	}

	switch variant {
	case models.VariantQuranIndividual, models.VariantAcademicIndividual:
		rate, err := requireRate(input.Rates, func(r *models.TeacherRates) decimal.NullDecimal { return r.RateIndividual }, "rate_individual")
		if err != nil {
			return nil, err
		}
		meta.Formula = "rate_individual"
		return flat(rate, models.MethodIndividualRate, meta), nil

	case models.VariantQuranCircle:
		rate, err := requireRate(input.Rates, func(r *models.TeacherRates) decimal.NullDecimal { return r.RateGroup }, "rate_group")
		if err != nil {
			return nil, err
		}
		meta.EnrolledCount = input.CircleEnrolled
		meta.Formula = "rate_group"
		return flat(rate, models.MethodGroupRate, meta), nil

	case models.VariantCourseClass:
		return calculateCourse(input.Course, meta)

	default:
		return nil, invalidConfig(fmt.Sprintf("unsupported session variant for program %q and kind %q", session.Program, session.Kind))
	}
}

func calculateCourse(course *models.CourseTerms, meta models.EarningMetadata) (*Calculation, error) {
	if course == nil {
		return nil, invalidConfig("course payment terms not found")
	}
	meta.PaymentModel = course.PaymentType

	switch course.PaymentType {
	case models.PaymentFixedAmount:
		if !positive(course.TotalFixed) {
			return nil, invalidConfig("course total_fixed must be positive")
		}
		if course.TotalPlannedSessions == nil || *course.TotalPlannedSessions <= 0 {
			return nil, invalidConfig("course total_planned_sessions must be positive")
		}
		planned := *course.TotalPlannedSessions
		perSession := course.TotalFixed.Decimal.DivRound(decimal.NewFromInt(int64(planned)), 2)
		meta.PlannedSessions = &planned
		meta.TotalFixed = course.TotalFixed.Decimal.StringFixed(2)
		meta.Formula = "total_fixed / total_planned_sessions"
		return &Calculation{Amount: perSession, Method: models.MethodFixedAmount, RateSnapshot: perSession, Metadata: meta}, nil

	case models.PaymentPerStudent:
		if !positive(course.RatePerStudent) {
			return nil, invalidConfig("course rate_per_student must be positive")
		}
		enrolled := course.EnrolledCount
		if enrolled < 0 {
			enrolled = 0
		}
		rate := course.RatePerStudent.Decimal
		meta.EnrolledCount = &enrolled
		meta.Formula = "rate_per_student * enrolled"
		amount := rate.Mul(decimal.NewFromInt(int64(enrolled))).Round(2)
		return &Calculation{Amount: amount, Method: models.MethodPerStudent, RateSnapshot: rate, Metadata: meta}, nil

	case models.PaymentPerSession:
		if !positive(course.RatePerSession) {
			return nil, invalidConfig("course rate_per_session must be positive")
		}
		meta.Formula = "rate_per_session"
		return flat(course.RatePerSession.Decimal, models.MethodPerSession, meta), nil

	default:
		return nil, invalidConfig(fmt.Sprintf("unsupported course payment type %q", course.PaymentType))
	}
}

func requireRate(rates *models.TeacherRates, pick func(*models.TeacherRates) decimal.NullDecimal, name string) (decimal.Decimal, error) {
	if rates == nil {
		return decimal.Zero, invalidConfig("teacher profile not found")
	}
	rate := pick(rates)
	if !positive(rate) {
		return decimal.Zero, invalidConfig(fmt.Sprintf("teacher %s must be positive", name))
	}
	return rate.Decimal, nil
}

func flat(rate decimal.Decimal, method models.CalculationMethod, meta models.EarningMetadata) *Calculation {
	amount := rate.Round(2)
	return &Calculation{Amount: amount, Method: method, RateSnapshot: rate, Metadata: meta}
}

func positive(value decimal.NullDecimal) bool {
	return value.Valid && value.Decimal.IsPositive()
}

func invalidConfig(message string) error {
	return appErrors.Clone(appErrors.ErrInvalidConfig, message)
}
