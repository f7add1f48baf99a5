package model

import (
	"errors"
	"fmt"
)

// Error kinds. Components wrap these with context via fmt.Errorf("%w: ...");
// the HTTP layer maps them to status codes with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// Validationf returns a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Forbiddenf returns an authorization error with a formatted message.
func Forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// NotFoundf returns a not-found error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// TransitionError reports an illegal reservation status transition.
type TransitionError struct {
	From ReservationStatus
	To   ReservationStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// Is makes TransitionError match ErrConflict.
func (e *TransitionError) Is(target error) bool {
	return target == ErrConflict
}

// StatusMismatchError is returned by stores when a check-and-set status
// update finds the row in a different status than expected.
type StatusMismatchError struct {
	Expected ReservationStatus
	Actual   ReservationStatus
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("reservation status is %s, expected %s", e.Actual, e.Expected)
}

func (e *StatusMismatchError) Is(target error) bool {
	return target == ErrConflict
}
