package domain

import "errors"

var (
	// ErrValidation marks caller input that fails domain validation.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a lookup that matched no persisted record.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a state transition rejected by the current record state.
	ErrConflict = errors.New("conflict")
	// ErrAppendOnlyViolation marks a save that would shrink an attempt log.
	// The attempt log is append-only by contract; hitting this is a
	// programming or corruption error, never a recoverable condition.
	ErrAppendOnlyViolation = errors.New("append-only violation")
)
