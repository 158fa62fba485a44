package seir

import (
	"math"

	"github.com/outbreakstack/seirisk/internal/utils"
)

// Epidemiology holds the scenario inputs rates are derived from.
type Epidemiology struct {
	R0               float64
	Population       float64
	IncubationPeriod float64 // mean, days
	InfectiousPeriod float64 // mean, days
}

// Rates are the per-substage transition rates of the model.
type Rates struct {
	Beta  float64 // transmission rate per S-I contact
	Alpha float64 // per exposed substage
	Gamma float64 // per infectious substage
}

// NewRates derives Rates from epidemiological inputs.
func NewRates(epi Epidemiology) (Rates, error) {
	switch {
	case math.IsNaN(epi.R0) || math.IsInf(epi.R0, 0) || epi.R0 < 0:
		return Rates{}, utils.InvalidParameter("R0 %v must be >= 0", epi.R0)
	case !positive(epi.Population):
		return Rates{}, utils.InvalidParameter("population %v must be > 0", epi.Population)
	case !positive(epi.IncubationPeriod):
		return Rates{}, utils.InvalidParameter("incubation period %v must be > 0", epi.IncubationPeriod)
	case !positive(epi.InfectiousPeriod):
		return Rates{}, utils.InvalidParameter("infectious period %v must be > 0", epi.InfectiousPeriod)
	}
	return Rates{
		Beta:  epi.R0 / (epi.Population * epi.InfectiousPeriod),
		Alpha: 1 / (epi.IncubationPeriod / NumExposed),
		Gamma: 1 / (epi.InfectiousPeriod / NumInfectious),
	}, nil
}

// Validate rejects negative or non-finite rates.
func (r Rates) Validate() error {
	for _, p := range []struct {
		name  string
		value float64
	}{{"beta", r.Beta}, {"alpha", r.Alpha}, {"gamma", r.Gamma}} {
		if math.IsNaN(p.value) || math.IsInf(p.value, 0) || p.value < 0 {
			return utils.InvalidParameter("%s %v must be finite and >= 0", p.name, p.value)
		}
	}
	return nil
}

// R0 inverts the Beta derivation for a given population.
func (r Rates) R0(population float64) float64 {
	if r.Gamma == 0 {
		return math.Inf(1)
	}
	return r.Beta * population * NumInfectious / r.Gamma
}

// Vector returns (beta, alpha, gamma) in that order.
func (r Rates) Vector() [3]float64 {
	return [3]float64{r.Beta, r.Alpha, r.Gamma}
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
