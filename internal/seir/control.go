package seir

import (
	"math"

	"github.com/outbreakstack/seirisk/internal/utils"
)

// Phase is the state of a ControlSchedule at a given time.
type Phase int

const (
	// PhaseRamping covers 0 <= t < TStar, while damping decreases linearly.
	PhaseRamping Phase = iota
	// PhaseSaturated covers t >= TStar; damping stays at 1-Reduction.
	PhaseSaturated
)

func (p Phase) String() string {
	if p == PhaseSaturated {
		return "saturated"
	}
	return "ramping"
}

// ControlSchedule damps the force of infection. The damping factor falls
// linearly from 1 at t=0 to 1-Reduction at t=TStar and stays flat afterwards.
type ControlSchedule struct {
	TStar     float64
	Reduction float64
}

// NewControlSchedule validates and returns a schedule.
func NewControlSchedule(tStar, reduction float64) (*ControlSchedule, error) {
	c := &ControlSchedule{TStar: tStar, Reduction: reduction}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewControlScheduleForTarget picks the reduction so that the effective
// reproduction number decays linearly from r0 to rTarget by tStar.
func NewControlScheduleForTarget(r0, rTarget, tStar float64) (*ControlSchedule, error) {
	if !(r0 > 0) || math.IsInf(r0, 0) {
		return nil, utils.InvalidParameter("r0 %v must be > 0", r0)
	}
	if rTarget < 0 || rTarget > r0 || math.IsNaN(rTarget) {
		return nil, utils.InvalidParameter("target reproduction number %v must lie in [0, %v]", rTarget, r0)
	}
	return NewControlSchedule(tStar, 1-rTarget/r0)
}

// Validate rejects TStar <= 0 and reductions outside [0,1].
func (c *ControlSchedule) Validate() error {
	if c == nil {
		return nil
	}
	if !(c.TStar > 0) || math.IsInf(c.TStar, 0) {
		return utils.InvalidParameter("t_star %v must be > 0", c.TStar)
	}
	if !(c.Reduction >= 0 && c.Reduction <= 1) {
		return utils.InvalidParameter("reduction %v must lie in [0,1]", c.Reduction)
	}
	return nil
}

// Phase reports whether the schedule is still ramping at time t.
func (c *ControlSchedule) Phase(t float64) Phase {
	if c == nil || t >= c.TStar {
		return PhaseSaturated
	}
	return PhaseRamping
}

// Damping returns the multiplier applied to the force of infection at time t.
// A nil schedule never damps.
func (c *ControlSchedule) Damping(t float64) float64 {
	if c == nil {
		return 1
	}
	if t < 0 {
		t = 0
	}
	slope := c.Reduction / c.TStar
	return 1 - math.Min(c.Reduction, slope*t)
}

// Floor is the damping factor once saturated.
func (c *ControlSchedule) Floor() float64 {
	if c == nil {
		return 1
	}
	return 1 - c.Reduction
}
