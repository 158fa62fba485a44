// Package solver integrates initial-value problems with an adaptive
// Dormand–Prince 5(4) Runge–Kutta scheme and reports values at caller-supplied
// times through the method's continuous extension.
package solver

import (
	"context"
	"fmt"
	"math"

	"github.com/outbreakstack/seirisk/internal/utils"
)

// System is the right-hand side dy/dt = f(t, y).
type System interface {
	Dim() int
	Derivative(t float64, y, dy []float64)
}

// Options controls step-size selection and failure detection. Zero values
// select the defaults from DefaultOptions.
type Options struct {
	RelTol      float64
	AbsTol      float64
	InitialStep float64 // 0 picks a step from the local derivative scale
	MaxStep     float64 // 0 means the full output span
	MinStep     float64
	MaxSteps    int
	// NegativeTolerance is the fraction of the initial total |y| any component
	// may fall below zero before the run is rejected. +Inf disables the check.
	NegativeTolerance float64
}

// DefaultOptions keeps compartment totals conserved well beyond six
// significant digits over multi-month horizons.
func DefaultOptions() Options {
	return Options{
		RelTol:            1e-8,
		AbsTol:            1e-8,
		MinStep:           1e-10,
		MaxSteps:          500_000,
		NegativeTolerance: 1e-6,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RelTol <= 0 {
		o.RelTol = d.RelTol
	}
	if o.AbsTol <= 0 {
		o.AbsTol = d.AbsTol
	}
	if o.MinStep <= 0 {
		o.MinStep = d.MinStep
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = d.MaxSteps
	}
	if o.NegativeTolerance <= 0 {
		o.NegativeTolerance = d.NegativeTolerance
	}
	return o
}

// Error reports why an integration was abandoned. It unwraps to
// utils.ErrIntegrationFailure.
type Error struct {
	Time   float64
	Step   float64
	Steps  int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v at t=%g (h=%g, %d steps): %s", utils.ErrIntegrationFailure, e.Time, e.Step, e.Steps, e.Reason)
}

func (e *Error) Unwrap() error { return utils.ErrIntegrationFailure }

// Trajectory holds the solution rows at the requested times.
type Trajectory struct {
	Times  []float64
	States [][]float64
	// Steps counts accepted steps; Rejected counts rejected trial steps.
	Steps    int
	Rejected int
}

// Len is the number of output rows.
func (tr Trajectory) Len() int { return len(tr.Times) }

// Column extracts component i across all rows.
func (tr Trajectory) Column(i int) []float64 {
	out := make([]float64, len(tr.States))
	for k, row := range tr.States {
		out[k] = row[i]
	}
	return out
}

// Final returns the last row.
func (tr Trajectory) Final() []float64 {
	if len(tr.States) == 0 {
		return nil
	}
	return tr.States[len(tr.States)-1]
}

// Integrator advances a System. It holds no per-run state and is safe for
// concurrent use.
type Integrator struct {
	opts Options
}

// New returns an Integrator using opts (zero fields take defaults).
func New(opts Options) *Integrator {
	return &Integrator{opts: opts.withDefaults()}
}

// Options returns the effective options.
func (it *Integrator) Options() Options { return it.opts }

// Integrate solves the IVP with y(times[0]) = y0 and returns the solution at
// every entry of times. Neither y0 nor times is modified.
func (it *Integrator) Integrate(ctx context.Context, sys System, y0, times []float64) (Trajectory, error) {
	n := sys.Dim()
	if len(y0) != n {
		return Trajectory{}, utils.InvalidParameter("initial state has %d components, system expects %d", len(y0), n)
	}
	if !utils.StrictlyIncreasing(times) {
		return Trajectory{}, utils.InvalidParameter("time grid must be non-empty, finite and strictly increasing")
	}
	mass := 0.0
	for i, v := range y0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Trajectory{}, utils.InvalidParameter("initial state component %d is not finite", i)
		}
		mass += math.Abs(v)
	}

	opts := it.opts
	negFloor := -opts.NegativeTolerance * math.Max(1, mass)

	out := Trajectory{
		Times:  append([]float64(nil), times...),
		States: make([][]float64, len(times)),
	}
	out.States[0] = append([]float64(nil), y0...)
	if len(times) == 1 {
		return out, nil
	}

	t := times[0]
	tEnd := times[len(times)-1]
	maxStep := opts.MaxStep
	if maxStep <= 0 || maxStep > tEnd-t {
		maxStep = tEnd - t
	}

	w := newWorkspace(n)
	copy(w.y, y0)
	sys.Derivative(t, w.y, w.k[0])

	h := opts.InitialStep
	if h <= 0 {
		h = initialStep(sys, t, w, opts)
	}
	h = math.Min(h, maxStep)

	next := 1
	for next < len(times) {
		if out.Steps%64 == 0 {
			if err := ctx.Err(); err != nil {
				return Trajectory{}, err
			}
		}
		if out.Steps+out.Rejected >= opts.MaxSteps {
			return Trajectory{}, &Error{Time: t, Step: h, Steps: out.Steps, Reason: "maximum number of steps exceeded"}
		}
		if h < opts.MinStep {
			return Trajectory{}, &Error{Time: t, Step: h, Steps: out.Steps, Reason: "step size underflow"}
		}
		if t+h > tEnd {
			h = tEnd - t
		}

		errNorm := w.step(sys, t, h, opts)
		if math.IsNaN(errNorm) || math.IsInf(errNorm, 0) {
			return Trajectory{}, &Error{Time: t, Step: h, Steps: out.Steps, Reason: "non-finite state"}
		}
		if errNorm > 1 {
			out.Rejected++
			h *= math.Max(0.2, 0.9*math.Pow(errNorm, -0.2))
			continue
		}

		tNew := t + h
		if tEnd-tNew <= math.Max(opts.MinStep, 1e-12*math.Max(1, math.Abs(tEnd))) {
			tNew = tEnd
		}
		for i, v := range w.yNew {
			if v < negFloor {
				return Trajectory{}, &Error{Time: tNew, Step: h, Steps: out.Steps, Reason: fmt.Sprintf("component %d fell to %g", i, v)}
			}
		}

		for next < len(times) && times[next] <= tNew {
			out.States[next] = w.interpolate(t, h, times[next])
			next++
		}

		out.Steps++
		t = tNew
		w.accept()

		factor := 5.0
		if errNorm > 0 {
			factor = math.Min(5, math.Max(0.2, 0.9*math.Pow(errNorm, -0.2)))
		}
		h = math.Min(h*factor, maxStep)
	}
	return out, nil
}

func initialStep(sys System, t float64, w *workspace, opts Options) float64 {
	n := len(w.y)
	d0, d1 := 0.0, 0.0
	for i := 0; i < n; i++ {
		sc := opts.AbsTol + opts.RelTol*math.Abs(w.y[i])
		d0 += (w.y[i] / sc) * (w.y[i] / sc)
		d1 += (w.k[0][i] / sc) * (w.k[0][i] / sc)
	}
	d0 = math.Sqrt(d0 / float64(n))
	d1 = math.Sqrt(d1 / float64(n))

	h0 := 1e-6
	if d0 >= 1e-5 && d1 >= 1e-5 {
		h0 = 0.01 * d0 / d1
	}

	for i := 0; i < n; i++ {
		w.tmp[i] = w.y[i] + h0*w.k[0][i]
	}
	sys.Derivative(t+h0, w.tmp, w.k[1])
	d2 := 0.0
	for i := 0; i < n; i++ {
		sc := opts.AbsTol + opts.RelTol*math.Abs(w.y[i])
		diff := (w.k[1][i] - w.k[0][i]) / sc
		d2 += diff * diff
	}
	d2 = math.Sqrt(d2/float64(n)) / h0

	var h1 float64
	if math.Max(d1, d2) <= 1e-15 {
		h1 = math.Max(1e-6, h0*1e-3)
	} else {
		h1 = math.Pow(0.01/math.Max(d1, d2), 0.2)
	}
	return math.Min(100*h0, h1)
}
