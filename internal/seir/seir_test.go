package seir

import (
	"errors"
	"math"
	"testing"

	"github.com/outbreakstack/seirisk/internal/utils"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestNewRatesDerivation(t *testing.T) {
	rates, err := NewRates(Epidemiology{R0: 2.6, Population: 1_000_000, IncubationPeriod: 5, InfectiousPeriod: 10})
	if err != nil {
		t.Fatalf("NewRates: %v", err)
	}
	if !almostEqual(rates.Beta, 2.6e-7, 1e-18) {
		t.Fatalf("beta = %v", rates.Beta)
	}
	if !almostEqual(rates.Alpha, 0.4, 1e-12) || !almostEqual(rates.Gamma, 0.3, 1e-12) {
		t.Fatalf("alpha/gamma = %v/%v", rates.Alpha, rates.Gamma)
	}
	if !almostEqual(rates.R0(1_000_000), 2.6, 1e-9) {
		t.Fatalf("R0 round trip = %v", rates.R0(1_000_000))
	}
}

func TestNewRatesRejectsInvalid(t *testing.T) {
	cases := []Epidemiology{
		{R0: -1, Population: 10, IncubationPeriod: 1, InfectiousPeriod: 1},
		{R0: 2, Population: 0, IncubationPeriod: 1, InfectiousPeriod: 1},
		{R0: 2, Population: 10, IncubationPeriod: 0, InfectiousPeriod: 1},
		{R0: 2, Population: 10, IncubationPeriod: 1, InfectiousPeriod: -3},
		{R0: math.NaN(), Population: 10, IncubationPeriod: 1, InfectiousPeriod: 1},
	}
	for i, epi := range cases {
		if _, err := NewRates(epi); !errors.Is(err, utils.ErrInvalidParameter) {
			t.Fatalf("case %d: expected ErrInvalidParameter, got %v", i, err)
		}
	}
}

func TestControlScheduleBoundaries(t *testing.T) {
	c, err := NewControlSchedule(20, 0.8)
	if err != nil {
		t.Fatalf("NewControlSchedule: %v", err)
	}
	if got := c.Damping(0); got != 1 {
		t.Fatalf("damping(0) = %v, want 1", got)
	}
	if got := c.Damping(c.TStar); !almostEqual(got, 0.2, 1e-12) {
		t.Fatalf("damping(t*) = %v, want 0.2", got)
	}
	for _, tt := range []float64{20.5, 40, 1000} {
		if got := c.Damping(tt); got != c.Damping(c.TStar) {
			t.Fatalf("damping(%v) = %v, want flat %v", tt, got, c.Damping(c.TStar))
		}
	}
	if got := c.Damping(10); !almostEqual(got, 0.6, 1e-12) {
		t.Fatalf("damping(10) = %v, want 0.6", got)
	}
	if c.Phase(19.9) != PhaseRamping || c.Phase(20) != PhaseSaturated {
		t.Fatalf("unexpected phases")
	}
	var none *ControlSchedule
	if none.Damping(5) != 1 || none.Floor() != 1 {
		t.Fatalf("nil schedule must not damp")
	}
}

func TestControlScheduleForTarget(t *testing.T) {
	c, err := NewControlScheduleForTarget(2.5, 0.5, 10)
	if err != nil {
		t.Fatalf("NewControlScheduleForTarget: %v", err)
	}
	if effective := 2.5 * c.Damping(10); !almostEqual(effective, 0.5, 1e-12) {
		t.Fatalf("effective R at t* = %v, want 0.5", effective)
	}
	if effective := 2.5 * c.Damping(5); !almostEqual(effective, 1.5, 1e-12) {
		t.Fatalf("effective R halfway = %v, want 1.5", effective)
	}
}

func TestControlScheduleRejectsInvalid(t *testing.T) {
	for _, tc := range []struct{ tStar, reduction float64 }{{0, 0.5}, {-1, 0.5}, {10, 1.5}, {10, -0.1}} {
		if _, err := NewControlSchedule(tc.tStar, tc.reduction); !errors.Is(err, utils.ErrInvalidParameter) {
			t.Fatalf("(%v,%v): expected ErrInvalidParameter, got %v", tc.tStar, tc.reduction, err)
		}
	}
}

func TestDerivativeConservesMass(t *testing.T) {
	rates := Rates{Beta: 3e-6, Alpha: 0.4, Gamma: 0.3}
	control, _ := NewControlSchedule(30, 0.6)
	st := NewState(900_000, [NumExposed]float64{40, 20}, [NumInfectious]float64{10, 5, 2}, 100, 0)

	for _, tt := range []float64{0, 12, 45} {
		dy, err := Derivative(st, tt, rates, control)
		if err != nil {
			t.Fatalf("Derivative: %v", err)
		}
		sum := 0.0
		for i := IdxS; i <= IdxR; i++ {
			sum += dy[i]
		}
		if !almostEqual(sum, 0, 1e-9) {
			t.Fatalf("t=%v: conserved derivative sum = %v", tt, sum)
		}
		if dy[IdxC] < 0 || dy[IdxR] < 0 {
			t.Fatalf("t=%v: cumulative or recovered decreasing", tt)
		}
	}
}

func TestCumulativeModes(t *testing.T) {
	rates := Rates{Beta: 1e-5, Alpha: 0.4, Gamma: 0.3}
	control, _ := NewControlSchedule(10, 0.5)
	y := NewState(1000, [NumExposed]float64{}, [NumInfectious]float64{10, 0, 0}, 0, 0)

	uncontrolled, _ := NewModel(rates, control, CumulativeUncontrolled)
	controlled, _ := NewModel(rates, control, CumulativeControlled)

	du := make([]float64, Dim)
	dc := make([]float64, Dim)
	uncontrolled.Derivative(10, y[:], du)
	controlled.Derivative(10, y[:], dc)

	if !almostEqual(du[IdxC], 1e-5*1000*10, 1e-12) {
		t.Fatalf("uncontrolled cumulative inflow = %v", du[IdxC])
	}
	if !almostEqual(dc[IdxC], -dc[IdxS], 1e-12) || !almostEqual(dc[IdxC], du[IdxC]*0.5, 1e-12) {
		t.Fatalf("controlled cumulative inflow = %v (dS=%v)", dc[IdxC], dc[IdxS])
	}
}

func TestNewModelRejectsNegativeRates(t *testing.T) {
	if _, err := NewModel(Rates{Beta: -1, Alpha: 1, Gamma: 1}, nil, ""); !errors.Is(err, utils.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if _, err := NewModel(Rates{Beta: 1, Alpha: 1, Gamma: 1}, &ControlSchedule{TStar: 0, Reduction: 0.2}, ""); !errors.Is(err, utils.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter for t*=0, got %v", err)
	}
}

func TestStateSelect(t *testing.T) {
	st := NewState(10, [NumExposed]float64{1, 2}, [NumInfectious]float64{3, 4, 5}, 6, 7)
	if st.Total() != 31 {
		t.Fatalf("total = %v", st.Total())
	}
	want := map[Compartment]float64{CompartmentS: 10, CompartmentE: 3, CompartmentI: 12, CompartmentR: 6, CompartmentC: 7}
	for c, v := range want {
		if got := st.Select(c); got != v {
			t.Fatalf("Select(%s) = %v, want %v", c, got, v)
		}
	}
	if _, err := ParseCompartment("X"); err == nil {
		t.Fatalf("expected unknown compartment error")
	}
}
