package task

import "errors"

// Sentinel errors returned by the store and service. Callers match them
// with errors.Is.
var (
	// ErrNotFound indicates the referenced task id does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrValidation indicates malformed input: a missing required field,
	// a duplicate id, a reference to a nonexistent dependency, or a
	// dependency edge that would introduce a cycle. Validation failures
	// are rejected before any write.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates a delete blocked by a live reference.
	ErrConflict = errors.New("conflict")
)
