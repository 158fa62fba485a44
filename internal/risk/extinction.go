package risk

import (
	"fmt"
	"math"

	"github.com/outbreakstack/seirisk/internal/utils"
)

// Fixed-point defaults.
const (
	DefaultTolerance     = 1e-10
	DefaultMaxIterations = 1_000_000
	extinctionStart      = 0.5
)

// ExtinctionError reports a fixed point that did not converge. It unwraps to
// utils.ErrExtinctionProbability.
type ExtinctionError struct {
	RLoc       float64
	Iterations int
	LastDelta  float64
}

func (e *ExtinctionError) Error() string {
	return fmt.Sprintf("%v for R_loc=%g after %d iterations (last step %g)", utils.ErrExtinctionProbability, e.RLoc, e.Iterations, e.LastDelta)
}

func (e *ExtinctionError) Unwrap() error { return utils.ErrExtinctionProbability }

// ExtinctionProbability iterates z ← g(z) from z = 0.5 until successive
// values differ by less than tol. maxIter <= 0 and tol <= 0 take the defaults.
//
// Away from R = 1 the iteration contracts geometrically and the result is
// within about tol of the fixed point. At R = 1 exactly g'(1) = 1, the
// approach is algebraic (1−z shrinks like 1/n), and the step test stops
// early: a Poisson offspring stops near 1−1.4e-5 with the default tol, so
// risk at the critical point is biased slightly upwards.
func ExtinctionProbability(off Offspring, tol float64, maxIter int) (float64, error) {
	r := off.Mean()
	if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
		return 0, utils.InvalidParameter("R_loc %v must be finite and >= 0", r)
	}
	if tol <= 0 {
		tol = DefaultTolerance
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	z := extinctionStart
	delta := math.Inf(1)
	for i := 1; i <= maxIter; i++ {
		next := off.PGF(z)
		if math.IsNaN(next) {
			return 0, &ExtinctionError{RLoc: r, Iterations: i, LastDelta: math.NaN()}
		}
		delta = math.Abs(next - z)
		z = next
		if delta < tol {
			return z, nil
		}
	}
	return 0, &ExtinctionError{RLoc: r, Iterations: maxIter, LastDelta: delta}
}
