// Package sinkerrors contains typed errors returned by sinks and pools.
// Configuration errors are surfaced synchronously to the caller and are never
// retried or buffered; callers can recover the concrete type with errors.As.
package sinkerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrStopped is returned by Write on a sink that has been stopped.
var ErrStopped = errors.New("sink has been stopped")

// ErrInvalidConfig indicates an invalid or missing configuration value.
// Field is the name of the offending option.
type ErrInvalidConfig struct {
	Field   string
	Message string
}

func (err *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid configuration for %q: %s", err.Field, err.Message)
}

// ErrAllSinksFailing indicates that every sink in a pool is marked failing.
// It is emitted once per transition into that state, not once per write.
type ErrAllSinksFailing struct {
	NumSinks int
	// The failure that tipped the last healthy sink over, if known.
	Cause error
}

func (err *ErrAllSinksFailing) Error() (s string) {
	s = fmt.Sprintf("all %d sinks are failing", err.NumSinks)
	if err.Cause != nil {
		s = s + fmt.Sprintf("; last error: %s", err.Cause)
	}
	return
}

func (err *ErrAllSinksFailing) Unwrap() error {
	return err.Cause
}
