package seir

import (
	"fmt"

	"github.com/outbreakstack/seirisk/internal/utils"
)

// CumulativeMode selects which incidence feeds the cumulative counter.
type CumulativeMode string

const (
	// CumulativeUncontrolled accumulates beta*S*I without the control damping,
	// i.e. the incidence that would have occurred absent intervention.
	CumulativeUncontrolled CumulativeMode = "uncontrolled"
	// CumulativeControlled accumulates the damped incidence actually leaving S.
	CumulativeControlled CumulativeMode = "controlled"
)

// ParseCumulativeMode maps a config value onto a CumulativeMode; empty means uncontrolled.
func ParseCumulativeMode(s string) (CumulativeMode, error) {
	switch CumulativeMode(s) {
	case "", CumulativeUncontrolled:
		return CumulativeUncontrolled, nil
	case CumulativeControlled:
		return CumulativeControlled, nil
	}
	return "", fmt.Errorf("unknown cumulative mode %q", s)
}

// Model is the staged SEIR right-hand side. It is immutable and safe for
// concurrent use.
type Model struct {
	rates      Rates
	control    *ControlSchedule
	cumulative CumulativeMode
}

// NewModel validates its inputs and returns a Model. control may be nil.
func NewModel(rates Rates, control *ControlSchedule, mode CumulativeMode) (*Model, error) {
	if err := rates.Validate(); err != nil {
		return nil, err
	}
	if err := control.Validate(); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = CumulativeUncontrolled
	}
	var sched *ControlSchedule
	if control != nil {
		c := *control
		sched = &c
	}
	return &Model{rates: rates, control: sched, cumulative: mode}, nil
}

// Rates returns the model's rate parameters.
func (m *Model) Rates() Rates { return m.rates }

// Control returns a copy of the control schedule, or nil.
func (m *Model) Control() *ControlSchedule {
	if m.control == nil {
		return nil
	}
	c := *m.control
	return &c
}

// CumulativeMode reports which incidence feeds the cumulative counter.
func (m *Model) CumulativeMode() CumulativeMode { return m.cumulative }

// Dim implements solver.System.
func (m *Model) Dim() int { return Dim }

// Derivative writes dy/dt at (t, y) into dy. Both slices have length Dim.
func (m *Model) Derivative(t float64, y, dy []float64) {
	beta, alpha, gamma := m.rates.Beta, m.rates.Alpha, m.rates.Gamma

	undamped := beta * y[IdxS] * (y[IdxI1] + y[IdxI2] + y[IdxI3])
	infections := undamped * m.control.Damping(t)

	dy[IdxS] = -infections
	dy[IdxE1] = infections - alpha*y[IdxE1]
	dy[IdxE2] = alpha*y[IdxE1] - alpha*y[IdxE2]
	dy[IdxI1] = alpha*y[IdxE2] - gamma*y[IdxI1]
	dy[IdxI2] = gamma*y[IdxI1] - gamma*y[IdxI2]
	dy[IdxI3] = gamma*y[IdxI2] - gamma*y[IdxI3]
	dy[IdxR] = gamma * y[IdxI3]

	if m.cumulative == CumulativeControlled {
		dy[IdxC] = infections
	} else {
		dy[IdxC] = undamped
	}
}

// Derivative evaluates the model right-hand side for a single state without
// building a Model. Invalid rates or schedules are rejected.
func Derivative(state State, t float64, rates Rates, control *ControlSchedule) (State, error) {
	if !(t >= 0) {
		return State{}, utils.InvalidParameter("time %v must be >= 0", t)
	}
	m, err := NewModel(rates, control, CumulativeUncontrolled)
	if err != nil {
		return State{}, err
	}
	var out State
	m.Derivative(t, state[:], out[:])
	return out, nil
}
