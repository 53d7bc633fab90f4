package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout          = errors.New("execution timed out")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidRequest   = errors.New("invalid execution request")
	ErrNotFound         = errors.New("instance not found")
	ErrAlreadyExists    = errors.New("instance already exists")
	ErrNotRunning       = errors.New("instance is not running")
	ErrInitFailed       = errors.New("interpreter initialization failed")
	ErrWorkerCrashed    = errors.New("interpreter worker crashed")
	ErrExtractionFailed = errors.New("rootfs extraction failed")
	ErrClosed           = errors.New("sandbox closed")
)

// ExecutionError wraps infrastructure errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsNotRunning(err error) bool {
	return errors.Is(err, ErrNotRunning)
}
