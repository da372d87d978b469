package utils

import (
	"errors"
	"fmt"
)

// ErrNotFound marks lookups of analyses, snapshots or datasets that do not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable marks failures of an upstream dependency.
var ErrUnavailable = errors.New("upstream unavailable")

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// Operation returns the Op of the outermost AppError in err's chain.
func Operation(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Op
	}
	return ""
}
