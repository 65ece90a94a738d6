package coordinator

import (
	"errors"
	"fmt"
)

var (
	ErrNoCandidate    = errors.New("coordinator: no resource found")
	ErrMissingTarget  = errors.New("coordinator: missing target node")
	ErrInstallTimeout = errors.New("coordinator: install timed out")
	ErrStopped        = errors.New("coordinator: stopped")
)

// CoordinationError reports a round that could not place its behaviour.
type CoordinationError struct {
	Identity string
	Err      error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordinate %s: %v", e.Identity, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }
