package calibrate

import (
	"math"

	"github.com/outbreakstack/seirisk/internal/extractors"
	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/utils"
)

// Transform says how model output is compared with a series.
type Transform string

const (
	// TransformRaw compares compartment values directly.
	TransformRaw Transform = "raw"
	// TransformIncrements compares first differences. The first element is
	// the model's starting value, matching extractors.Increments.
	TransformIncrements Transform = "increments"
)

// ParseTransform maps a config or request string onto a Transform; empty means increments.
func ParseTransform(s string) (Transform, error) {
	switch Transform(s) {
	case "", TransformIncrements:
		return TransformIncrements, nil
	case TransformRaw:
		return TransformRaw, nil
	}
	return "", utils.InvalidParameter("unknown transform %q", s)
}

// Series is one observed quantity over the dataset's time grid.
type Series struct {
	Observable seir.Compartment
	Transform  Transform
	Values     []float64
}

func (s Series) apply(model []float64) []float64 {
	if s.Transform == TransformIncrements {
		return extractors.Increments(model)
	}
	return model
}

// Dataset is the fitting target: one or more series sharing a time grid.
type Dataset struct {
	Times  []float64
	Series []Series
}

// NewIncidenceDataset wraps a single incremental case-count series.
func NewIncidenceDataset(times, increments []float64) Dataset {
	return Dataset{
		Times:  times,
		Series: []Series{{Observable: seir.CompartmentC, Transform: TransformIncrements, Values: increments}},
	}
}

// Validate checks the time grid and that every series is complete and finite.
func (d Dataset) Validate() error {
	if !utils.StrictlyIncreasing(d.Times) {
		return utils.InvalidParameter("dataset times must be non-empty, finite and strictly increasing")
	}
	if len(d.Series) == 0 {
		return utils.InvalidParameter("dataset has no series")
	}
	for i, s := range d.Series {
		if _, err := seir.ParseCompartment(string(s.Observable)); err != nil {
			return utils.InvalidParameter("series %d: %v", i, err)
		}
		if s.Transform != TransformRaw && s.Transform != TransformIncrements {
			return utils.InvalidParameter("series %d: unknown transform %q", i, s.Transform)
		}
		if len(s.Values) != len(d.Times) {
			return utils.InvalidParameter("series %d has %d values for %d times", i, len(s.Values), len(d.Times))
		}
		for j, v := range s.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return utils.InvalidParameter("series %d value %d is not finite", i, j)
			}
		}
	}
	return nil
}

// Len is the number of residuals the dataset produces.
func (d Dataset) Len() int {
	return len(d.Times) * len(d.Series)
}

// FirstRow is the observation used to anchor the initial compartment state.
type FirstRow struct {
	Infected  float64
	Recovered float64
	// Cases seeds the cumulative counter.
	Cases float64
}

// InitialStateFromFirstRow reconstructs the starting state from the first
// observation: exposed substages empty, all infected in the last infectious
// substage, recovered as observed, and the rest susceptible.
func InitialStateFromFirstRow(population float64, row FirstRow) (seir.State, error) {
	if !(population > 0) || math.IsInf(population, 0) {
		return seir.State{}, utils.InvalidParameter("population %v must be > 0", population)
	}
	for name, v := range map[string]float64{"infected": row.Infected, "recovered": row.Recovered, "cases": row.Cases} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return seir.State{}, utils.InvalidParameter("first-row %s %v must be finite and >= 0", name, v)
		}
	}
	s := population - row.Infected - row.Recovered
	if s < 0 {
		return seir.State{}, utils.InvalidParameter("first row (%v infected, %v recovered) exceeds population %v", row.Infected, row.Recovered, population)
	}
	return seir.NewState(s, [seir.NumExposed]float64{}, [seir.NumInfectious]float64{0, 0, row.Infected}, row.Recovered, row.Cases), nil
}
