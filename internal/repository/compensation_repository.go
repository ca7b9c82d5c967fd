package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/session-settlement-api/internal/models"
)

// CompensationRepository reads the rate configuration used to price sessions.
type CompensationRepository struct {
	db *sqlx.DB
}

// NewCompensationRepository constructs the repository.
func NewCompensationRepository(db *sqlx.DB) *CompensationRepository {
	return &CompensationRepository{db: db}
}

// TeacherRates returns the teacher profile rates for a program, or nil when no profile exists.
func (r *CompensationRepository) TeacherRates(ctx context.Context, program models.Program, teacherRef string) (*models.TeacherRates, error) {
	const query = `SELECT teacher_ref, program, rate_individual, rate_group
	FROM teacher_profiles WHERE teacher_ref = $1 AND program = $2`
	var rates models.TeacherRates
	if err := r.db.GetContext(ctx, &rates, query, teacherRef, program); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get teacher rates: %w", err)
	}
	return &rates, nil
}

// CourseTerms returns a course's payment agreement with its active enrollment count.
func (r *CompensationRepository) CourseTerms(ctx context.Context, courseRef string) (*models.CourseTerms, error) {
	const query = `SELECT c.course_ref, c.payment_type, c.total_fixed, c.total_planned_sessions,
       c.rate_per_student, c.rate_per_session,
       (SELECT COUNT(*) FROM course_enrollments ce WHERE ce.course_ref = c.course_ref AND ce.status = 'active') AS enrolled_count
	FROM courses c WHERE c.course_ref = $1`
	var terms models.CourseTerms
	if err := r.db.GetContext(ctx, &terms, query, courseRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get course terms: %w", err)
	}
	return &terms, nil
}

// CircleEnrollmentCount returns the number of active students in a circle.
func (r *CompensationRepository) CircleEnrollmentCount(ctx context.Context, groupRef string) (int, error) {
	const query = `SELECT COUNT(*) FROM circle_enrollments WHERE group_ref = $1 AND status = 'active'`
	var count int
	if err := r.db.GetContext(ctx, &count, query, groupRef); err != nil {
		return 0, fmt.Errorf("count circle enrollments: %w", err)
	}
	return count, nil
}
