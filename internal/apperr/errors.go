// Package apperr defines the fixed set of error kinds every core component
// fails with. Component operations either succeed with the described result
// or fail with exactly one of these sentinels (wrapped with context via
// fmt.Errorf("...: %w", ...)); errors.Is against the sentinel recovers the
// kind.
package apperr

import "errors"

var (
	ErrCommandNotAllowed  = errors.New("command not allowed")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyRunning     = errors.New("already running")
	ErrGroupNotEmpty      = errors.New("group not empty")
	ErrSpawnFailed        = errors.New("spawn failed")
	ErrStoreClosed        = errors.New("store closed")
	ErrProbeTimeout       = errors.New("probe timeout")
	ErrProbeOutputTooLarge = errors.New("probe output too large")
	ErrInvalidConfig      = errors.New("invalid config")
	ErrValidationFailed   = errors.New("validation failed")
)
