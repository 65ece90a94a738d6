package installer

import (
	"errors"
	"fmt"
)

var ErrStopped = errors.New("installer: stopped")

// ValidationError marks a malformed request. It is answered BAD_REQUEST and
// never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ResolutionError means the requirements could not be turned into units.
type ResolutionError struct {
	Name string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Name, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ApplyError is a host mutation that failed part way through a request.
type ApplyError struct {
	Step string
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// RollbackError carries both the failure that started a rollback and the
// failure of the rollback itself. Host state is unknown after one.
type RollbackError struct {
	Cause    error
	Rollback error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %v (after: %v)", e.Rollback, e.Cause)
}

func (e *RollbackError) Unwrap() []error {
	return []error{e.Cause, e.Rollback}
}
