package risk

import (
	"fmt"
	"math"

	"github.com/outbreakstack/seirisk/internal/utils"
)

// DefaultDispersion is the negative-binomial dispersion k used when none is configured.
const DefaultDispersion = 2.2

// Offspring is the number of secondary cases one case produces.
type Offspring interface {
	// PGF evaluates the probability-generating function at z in [0,1].
	PGF(z float64) float64
	Mean() float64
}

// Poisson offspring with the given mean.
type Poisson struct {
	R float64
}

func (p Poisson) PGF(z float64) float64 { return math.Exp(p.R * (z - 1)) }
func (p Poisson) Mean() float64         { return p.R }

// NegativeBinomial offspring with mean R and dispersion K. Smaller K means
// more superspreading.
type NegativeBinomial struct {
	R float64
	K float64
}

// PGF is (p / (1 − (1−p) z))^k with p = k/(k+R).
func (nb NegativeBinomial) PGF(z float64) float64 {
	p := nb.K / (nb.K + nb.R)
	return math.Pow(p/(1-(1-p)*z), nb.K)
}

func (nb NegativeBinomial) Mean() float64 { return nb.R }

// Family names an offspring distribution.
type Family string

const (
	FamilyPoisson          Family = "poisson"
	FamilyNegativeBinomial Family = "negative_binomial"
)

// OffspringModel builds the offspring distribution for each R_loc.
type OffspringModel struct {
	Family Family
	// Dispersion is k for the negative binomial; ignored for Poisson.
	Dispersion float64
}

// ParseOffspringModel accepts "poisson", "negative_binomial" or "negbin";
// empty means negative binomial.
func ParseOffspringModel(family string, dispersion float64) (OffspringModel, error) {
	m := OffspringModel{Dispersion: dispersion}
	switch family {
	case "poisson":
		m.Family = FamilyPoisson
	case "", "negative_binomial", "negbin":
		m.Family = FamilyNegativeBinomial
	default:
		return OffspringModel{}, utils.InvalidParameter("unknown offspring family %q", family)
	}
	return m, m.Validate()
}

// Validate checks the dispersion of negative-binomial models.
func (m OffspringModel) Validate() error {
	switch m.Family {
	case FamilyPoisson:
		return nil
	case FamilyNegativeBinomial:
		if m.Dispersion == 0 {
			return nil
		}
		if !(m.Dispersion > 0) || math.IsInf(m.Dispersion, 0) {
			return utils.InvalidParameter("dispersion %v must be > 0", m.Dispersion)
		}
		return nil
	}
	return utils.InvalidParameter("unknown offspring family %q", m.Family)
}

// For returns the distribution with mean rLoc.
func (m OffspringModel) For(rLoc float64) Offspring {
	if m.Family == FamilyPoisson {
		return Poisson{R: rLoc}
	}
	k := m.Dispersion
	if k == 0 {
		k = DefaultDispersion
	}
	return NegativeBinomial{R: rLoc, K: k}
}

func (m OffspringModel) String() string {
	if m.Family == FamilyPoisson {
		return string(FamilyPoisson)
	}
	k := m.Dispersion
	if k == 0 {
		k = DefaultDispersion
	}
	return fmt.Sprintf("%s(k=%g)", FamilyNegativeBinomial, k)
}
