package calibrate

import (
	"fmt"

	"github.com/outbreakstack/seirisk/internal/utils"
)

// Error reports a failed fit. It unwraps to utils.ErrCalibrationFailure and,
// when an integration or input error caused the failure, to that error too.
type Error struct {
	LastResidualNorm float64
	Iterations       int
	Reason           string
	Err              error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v after %d iterations (residual norm %g): %s", utils.ErrCalibrationFailure, e.Iterations, e.LastResidualNorm, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{utils.ErrCalibrationFailure}
	}
	return []error{utils.ErrCalibrationFailure, e.Err}
}
