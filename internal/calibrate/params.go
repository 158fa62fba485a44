package calibrate

import (
	"math"

	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/utils"
)

// Parameter names, in optimizer order.
const (
	ParamBeta  = "beta"
	ParamAlpha = "alpha"
	ParamGamma = "gamma"
)

// Param is one named rate with its bounds.
type Param struct {
	Name  string
	Value float64
	Min   float64
	Max   float64
	// Vary marks the parameter as free. Fixed parameters keep Value.
	Vary bool
}

// ParamSet bundles the three model rates. The optimizer sees only the free
// members, ordered beta, alpha, gamma.
type ParamSet struct {
	Beta  Param
	Alpha Param
	Gamma Param
}

// Nominal epidemiology behind DefaultParamSet.
const (
	NominalR0               = 2.1
	NominalIncubationPeriod = 5.1
	NominalInfectiousPeriod = 3.3
)

// DefaultParamSet is the starting guess used when a caller supplies none:
// the rates of a nominal outbreak in population, each free within
// [v/20, 20v]. Beta is a mass-action rate, so it depends on population.
func DefaultParamSet(population float64) (ParamSet, error) {
	r, err := seir.NewRates(seir.Epidemiology{
		R0:               NominalR0,
		Population:       population,
		IncubationPeriod: NominalIncubationPeriod,
		InfectiousPeriod: NominalInfectiousPeriod,
	})
	if err != nil {
		return ParamSet{}, err
	}
	return NewParamSet(r).WithBounds(0.05, 20), nil
}

// NewParamSet starts every rate free at the given value, bounded below by zero.
func NewParamSet(r seir.Rates) ParamSet {
	inf := math.Inf(1)
	return ParamSet{
		Beta:  Param{Name: ParamBeta, Value: r.Beta, Min: 0, Max: inf, Vary: true},
		Alpha: Param{Name: ParamAlpha, Value: r.Alpha, Min: 0, Max: inf, Vary: true},
		Gamma: Param{Name: ParamGamma, Value: r.Gamma, Min: 0, Max: inf, Vary: true},
	}
}

// WithBounds sets relative bounds [lo*v, hi*v] on every parameter around its value.
func (p ParamSet) WithBounds(lo, hi float64) ParamSet {
	for _, q := range p.ptrs() {
		q.Min, q.Max = lo*q.Value, hi*q.Value
	}
	return p
}

// Fix marks the named parameter as fixed.
func (p ParamSet) Fix(name string) ParamSet {
	for _, q := range p.ptrs() {
		if q.Name == name {
			q.Vary = false
		}
	}
	return p
}

// All returns the parameters in optimizer order.
func (p ParamSet) All() []Param {
	return []Param{p.Beta, p.Alpha, p.Gamma}
}

func (p *ParamSet) ptrs() []*Param {
	return []*Param{&p.Beta, &p.Alpha, &p.Gamma}
}

// Validate checks names, bounds and that at least one parameter is free.
func (p ParamSet) Validate() error {
	free := 0
	for i, q := range p.All() {
		want := [...]string{ParamBeta, ParamAlpha, ParamGamma}[i]
		if q.Name != want {
			return utils.InvalidParameter("parameter %d is named %q, want %q", i, q.Name, want)
		}
		if math.IsNaN(q.Value) || math.IsInf(q.Value, 0) || q.Value < 0 {
			return utils.InvalidParameter("%s value %v must be finite and >= 0", q.Name, q.Value)
		}
		if q.Min < 0 || q.Min > q.Max || math.IsNaN(q.Min) || math.IsNaN(q.Max) {
			return utils.InvalidParameter("%s bounds [%v, %v] are invalid", q.Name, q.Min, q.Max)
		}
		if q.Value < q.Min || q.Value > q.Max {
			return utils.InvalidParameter("%s value %v lies outside [%v, %v]", q.Name, q.Value, q.Min, q.Max)
		}
		if q.Vary {
			free++
		}
	}
	if free == 0 {
		return utils.InvalidParameter("no free parameters to fit")
	}
	return nil
}

// FreeNames lists the free parameters in optimizer order.
func (p ParamSet) FreeNames() []string {
	var names []string
	for _, q := range p.All() {
		if q.Vary {
			names = append(names, q.Name)
		}
	}
	return names
}

// Free returns the values of the free parameters in optimizer order.
func (p ParamSet) Free() []float64 {
	var x []float64
	for _, q := range p.All() {
		if q.Vary {
			x = append(x, q.Value)
		}
	}
	return x
}

// WithFree returns a copy with the free parameters replaced by x, in the
// order Free produced them. Fixed parameters are untouched.
func (p ParamSet) WithFree(x []float64) (ParamSet, error) {
	if len(x) != len(p.FreeNames()) {
		return p, utils.InvalidParameter("got %d free values, want %d", len(x), len(p.FreeNames()))
	}
	k := 0
	for _, q := range p.ptrs() {
		if q.Vary {
			q.Value = x[k]
			k++
		}
	}
	return p, nil
}

// Get returns the named parameter.
func (p ParamSet) Get(name string) (Param, bool) {
	for _, q := range p.All() {
		if q.Name == name {
			return q, true
		}
	}
	return Param{}, false
}

// Rates converts the bundle to model rates.
func (p ParamSet) Rates() seir.Rates {
	return seir.Rates{Beta: p.Beta.Value, Alpha: p.Alpha.Value, Gamma: p.Gamma.Value}
}
