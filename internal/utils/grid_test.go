package utils

import (
	"errors"
	"math"
	"testing"
)

func TestLinspace(t *testing.T) {
	xs := Linspace(0, 32, 5)
	want := []float64{0, 8, 16, 24, 32}
	for i := range want {
		if math.Abs(xs[i]-want[i]) > 1e-12 {
			t.Fatalf("Linspace[%d] = %v, want %v", i, xs[i], want[i])
		}
	}
	if got := Linspace(3, 9, 1); len(got) != 1 || got[0] != 3 {
		t.Fatalf("single point linspace = %v", got)
	}
}

func TestArange(t *testing.T) {
	tests := []struct {
		start, stop, step float64
		n                 int
	}{
		{0, 0.2, 0.01, 20},
		{1.0, 4.0, 0.01, 300},
		{1000, 10000, 100, 90},
		{1, 1, 0.1, 0},
	}
	for _, tc := range tests {
		got := Arange(tc.start, tc.stop, tc.step)
		if len(got) != tc.n {
			t.Fatalf("Arange(%v,%v,%v) len = %d, want %d", tc.start, tc.stop, tc.step, len(got), tc.n)
		}
	}
}

func TestStrictlyIncreasing(t *testing.T) {
	if !StrictlyIncreasing([]float64{0, 1, 2}) {
		t.Fatalf("expected increasing")
	}
	if StrictlyIncreasing([]float64{0, 1, 1}) || StrictlyIncreasing(nil) || StrictlyIncreasing([]float64{0, math.NaN()}) {
		t.Fatalf("expected rejection")
	}
}

func TestInvalidParameterWraps(t *testing.T) {
	err := InvalidParameter("beta %v must be >= 0", -1.0)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	app := NewAppError("simulate", "bad request", err)
	if !errors.Is(app, ErrInvalidParameter) {
		t.Fatalf("AppError should unwrap to sentinel")
	}
}
