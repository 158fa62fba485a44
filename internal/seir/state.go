package seir

import "fmt"

// Substage counts of the staged model.
const (
	NumExposed    = 2
	NumInfectious = 3
)

// Indices into a State vector.
const (
	IdxS = iota
	IdxE1
	IdxE2
	IdxI1
	IdxI2
	IdxI3
	IdxR
	IdxC

	// Dim is the length of a State vector.
	Dim
)

// Compartment selects a compartment aggregate of a State.
type Compartment string

const (
	CompartmentS Compartment = "S"
	CompartmentE Compartment = "E"
	CompartmentI Compartment = "I"
	CompartmentR Compartment = "R"
	CompartmentC Compartment = "C"
)

// ParseCompartment accepts the single-letter selectors used by callers.
func ParseCompartment(s string) (Compartment, error) {
	switch c := Compartment(s); c {
	case CompartmentS, CompartmentE, CompartmentI, CompartmentR, CompartmentC:
		return c, nil
	}
	return "", fmt.Errorf("unknown compartment %q (want S, E, I, R or C)", s)
}

// State is the ordered compartment vector [S, E1, E2, I1, I2, I3, R, C].
type State [Dim]float64

// NewState builds a State from its compartments; cumulative starts at c.
func NewState(s float64, e [NumExposed]float64, i [NumInfectious]float64, r, c float64) State {
	return State{s, e[0], e[1], i[0], i[1], i[2], r, c}
}

// StateFromSlice copies a solver row back into a State.
func StateFromSlice(y []float64) State {
	var st State
	copy(st[:], y)
	return st
}

// Total is the conserved population mass S+E+I+R. Cumulative is excluded.
func (s State) Total() float64 {
	return s[IdxS] + s.Exposed() + s.Infectious() + s[IdxR]
}

// Exposed sums the exposed substages.
func (s State) Exposed() float64 { return s[IdxE1] + s[IdxE2] }

// Infectious sums the infectious substages.
func (s State) Infectious() float64 { return s[IdxI1] + s[IdxI2] + s[IdxI3] }

// Slice returns a fresh []float64 copy suitable as a solver initial value.
func (s State) Slice() []float64 {
	out := make([]float64, Dim)
	copy(out, s[:])
	return out
}

// Select returns the aggregate named by c.
func (s State) Select(c Compartment) float64 {
	switch c {
	case CompartmentS:
		return s[IdxS]
	case CompartmentE:
		return s.Exposed()
	case CompartmentI:
		return s.Infectious()
	case CompartmentR:
		return s[IdxR]
	case CompartmentC:
		return s[IdxC]
	}
	return 0
}

// SelectRow is Select applied to a raw solver row.
func SelectRow(y []float64, c Compartment) float64 {
	return StateFromSlice(y).Select(c)
}
