// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested event, owner or occurrence parent does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed input (bad rule, missing fields, inverted window).
	ErrValidation = errors.New("validation")

	// ErrConflict indicates the proposed window overlaps another event of the same owner.
	ErrConflict = errors.New("scheduling conflict")

	// ErrInvalidOccurrenceID indicates a malformed virtual occurrence id.
	ErrInvalidOccurrenceID = errors.New("invalid occurrence id")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates too many failed login attempts.
	ErrRateLimited = errors.New("rate limited")
)

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// RuleError reports a recurrence rule that cannot be parsed or uses unsupported parts.
type RuleError struct {
	Rule   string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("invalid recurrence rule %q: %s", e.Rule, e.Reason)
}

// Unwrap makes RuleError match ErrValidation.
func (e *RuleError) Unwrap() error { return ErrValidation }

// SchedulingConflictError carries the event that collides with a proposed window.
type SchedulingConflictError struct {
	EventID string // master id, or occurrence id when the collision is a virtual occurrence
	Title   string
	Start   time.Time
	End     time.Time
	AllDay  bool
}

func (e *SchedulingConflictError) Error() string {
	if e.AllDay {
		return fmt.Sprintf("conflicts with %q (all day %s)", e.Title, e.Start.Format(time.DateOnly))
	}
	return fmt.Sprintf("conflicts with %q (%s - %s)",
		e.Title, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// Is makes SchedulingConflictError match ErrConflict.
func (e *SchedulingConflictError) Is(target error) bool { return target == ErrConflict }
