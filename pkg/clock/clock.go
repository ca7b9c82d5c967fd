// Package clock provides the wall-clock source used by lifecycle and settlement logic.
//
// Services never call time.Now directly; they receive a Clock so that
// threshold comparisons (grace period, completion buffer) are testable.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Real returns the system time in UTC.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always returns the same instant.
type Fixed struct {
	T time.Time
}

// Now implements Clock.
func (c Fixed) Now() time.Time {
	return c.T
}

// Func adapts a function to Clock.
type Func func() time.Time

// Now implements Clock.
func (f Func) Now() time.Time {
	return f()
}

// NewFixed returns a Clock pinned at t.
func NewFixed(t time.Time) Clock {
	return Fixed{T: t}
}

// OrReal returns c, or the system clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
