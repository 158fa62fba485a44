package calibrate

import (
	"context"

	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/solver"
	"github.com/outbreakstack/seirisk/internal/utils"
)

// Observation names a quantity to sample from a model run.
type Observation struct {
	Observable seir.Compartment
	Transform  Transform
}

// Synthetic describes a noise-free dataset generated from known rates.
type Synthetic struct {
	Initial      seir.State
	Rates        seir.Rates
	Control      *seir.ControlSchedule
	Cumulative   seir.CumulativeMode
	Times        []float64
	Observations []Observation
}

// SyntheticDataset integrates the model at s.Rates and samples the requested
// observations. Fitting the result with the same Problem recovers s.Rates.
func SyntheticDataset(ctx context.Context, s Synthetic, opts solver.Options) (Dataset, error) {
	if len(s.Observations) == 0 {
		return Dataset{}, utils.InvalidParameter("synthetic dataset needs at least one observation")
	}
	m, err := seir.NewModel(s.Rates, s.Control, s.Cumulative)
	if err != nil {
		return Dataset{}, err
	}
	tr, err := solver.New(opts).Integrate(ctx, m, s.Initial.Slice(), s.Times)
	if err != nil {
		return Dataset{}, err
	}

	ds := Dataset{Times: append([]float64(nil), s.Times...)}
	for _, obs := range s.Observations {
		values := make([]float64, tr.Len())
		for i, row := range tr.States {
			values[i] = seir.SelectRow(row, obs.Observable)
		}
		series := Series{Observable: obs.Observable, Transform: obs.Transform}
		series.Values = series.apply(values)
		ds.Series = append(ds.Series, series)
	}
	return ds, ds.Validate()
}
