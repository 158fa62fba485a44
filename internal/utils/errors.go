package utils

import (
	"errors"
	"fmt"
)

// Error kinds shared by the numerical packages. Typed errors in those packages
// unwrap to one of these so callers can branch with errors.Is.
var (
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrIntegrationFailure    = errors.New("integration failure")
	ErrCalibrationFailure    = errors.New("calibration failure")
	ErrExtinctionProbability = errors.New("extinction probability did not converge")
	ErrDataFormat            = errors.New("data format error")
)

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

// InvalidParameter returns an error wrapping ErrInvalidParameter with a formatted reason.
func InvalidParameter(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}
