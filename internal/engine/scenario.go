package engine

import (
	"math"

	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/utils"
)

// Scenario is one fully specified model run.
type Scenario struct {
	Name              string
	Population        float64
	R0                float64
	IncubationPeriod  float64
	InfectiousPeriod  float64
	InitialExposed    [seir.NumExposed]float64
	InitialInfectious [seir.NumInfectious]float64
	// TStar <= 0 disables the control schedule.
	TStar     float64
	Reduction float64
	Horizon   float64
}

// Validate checks the epidemiological inputs, the schedule and the seed.
func (s Scenario) Validate() error {
	if _, err := s.Rates(); err != nil {
		return err
	}
	if _, err := s.Control(); err != nil {
		return err
	}
	if !(s.Horizon > 0) || math.IsInf(s.Horizon, 0) {
		return utils.InvalidParameter("horizon %v must be > 0", s.Horizon)
	}
	seeded := 0.0
	for _, v := range append(s.InitialExposed[:], s.InitialInfectious[:]...) {
		if v < 0 || math.IsNaN(v) {
			return utils.InvalidParameter("initial seed %v must be >= 0", v)
		}
		seeded += v
	}
	if seeded > s.Population {
		return utils.InvalidParameter("initial seed %v exceeds population %v", seeded, s.Population)
	}
	return nil
}

// Rates derives the model rates.
func (s Scenario) Rates() (seir.Rates, error) {
	return seir.NewRates(seir.Epidemiology{
		R0:               s.R0,
		Population:       s.Population,
		IncubationPeriod: s.IncubationPeriod,
		InfectiousPeriod: s.InfectiousPeriod,
	})
}

// Control returns the schedule, or nil when TStar is not positive.
func (s Scenario) Control() (*seir.ControlSchedule, error) {
	if s.TStar <= 0 {
		return nil, nil
	}
	return seir.NewControlSchedule(s.TStar, s.Reduction)
}

// InitialState seeds the exposed and infectious substages; the rest is susceptible.
func (s Scenario) InitialState() seir.State {
	st := seir.NewState(0, s.InitialExposed, s.InitialInfectious, 0, 0)
	st[seir.IdxS] = s.Population - st.Exposed() - st.Infectious()
	return st
}

// WithTStar returns a copy with the control onset moved.
func (s Scenario) WithTStar(tStar float64) Scenario {
	s.TStar = tStar
	return s
}
