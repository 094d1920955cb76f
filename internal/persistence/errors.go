package persistence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrReference    = errors.New("dangling reference")
	ErrInvalidState = errors.New("invalid state")
	ErrPartialSweep = errors.New("partial sweep")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports a uniqueness violation on (provider, external_id).
type ConflictError struct {
	Provider   Provider
	ExternalID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: item %s/%s already exists", e.Provider, e.ExternalID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ReferenceError reports a dangling reference to another entity.
type ReferenceError struct {
	Entity string
	ID     string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("reference: %s %q not found", e.Entity, e.ID)
}

func (e *ReferenceError) Is(target error) bool { return target == ErrReference }

// InvalidStateError rejects a transition from the wrong lifecycle state.
type InvalidStateError struct {
	Entity string
	ID     string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: cannot %s %s %q in state %s", e.Op, e.Entity, e.ID, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// ItemFailure is one record that failed during a sweep.
type ItemFailure struct {
	ExternalID string
	Err        error
}

// PartialSweepError is returned when a run closed as partial.
type PartialSweepError struct {
	RunID    string
	Created  int
	Updated  int
	Failures []ItemFailure
}

func (e *PartialSweepError) Error() string {
	msgs := make([]string, 0, min(len(e.Failures), 3))
	for i, f := range e.Failures {
		if i == 3 {
			break
		}
		msgs = append(msgs, fmt.Sprintf("%s: %v", f.ExternalID, f.Err))
	}
	return fmt.Sprintf("partial sweep: run %s: %d failed (%s)", e.RunID, len(e.Failures), strings.Join(msgs, "; "))
}

func (e *PartialSweepError) Is(target error) bool { return target == ErrPartialSweep }

func (e *PartialSweepError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
