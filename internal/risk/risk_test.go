package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/outbreakstack/seirisk/internal/utils"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func reachOf(sizes ...float64) []Reach {
	out := make([]Reach, len(sizes))
	for i, s := range sizes {
		out[i] = Reach{Size: s}
	}
	return out
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := NewEngine(opts, quietLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestExtinctionSubcritical(t *testing.T) {
	for _, r := range []float64{0, 0.3, 0.5, 0.9} {
		z, err := ExtinctionProbability(Poisson{R: r}, 0, 0)
		if err != nil {
			t.Fatalf("R=%v: %v", r, err)
		}
		if math.Abs(z-1) > 1e-8 {
			t.Fatalf("R=%v: z=%v, want 1", r, z)
		}
	}
}

func TestExtinctionSupercritical(t *testing.T) {
	cases := []struct {
		off  Offspring
		want float64
	}{
		{off: Poisson{R: 1.5}, want: 0.4171883562},
		{off: NegativeBinomial{R: 2.5, K: 2.2}, want: 0.2618200338},
	}
	for _, tc := range cases {
		z, err := ExtinctionProbability(tc.off, 0, 0)
		if err != nil {
			t.Fatalf("%+v: %v", tc.off, err)
		}
		if z >= 1 || math.Abs(z-tc.want) > 1e-9 {
			t.Fatalf("%+v: z=%v, want %v", tc.off, z, tc.want)
		}
		if math.Abs(tc.off.PGF(z)-z) > 1e-9 {
			t.Fatalf("%+v: z=%v is not a fixed point", tc.off, z)
		}
	}
}

func TestExtinctionNonConvergence(t *testing.T) {
	_, err := ExtinctionProbability(Poisson{R: 2.5}, 1e-12, 3)
	var extErr *ExtinctionError
	if !errors.As(err, &extErr) || !errors.Is(err, utils.ErrExtinctionProbability) {
		t.Fatalf("expected ExtinctionError, got %v", err)
	}
	if extErr.RLoc != 2.5 || extErr.Iterations != 3 || !(extErr.LastDelta > 0) {
		t.Fatalf("unexpected error detail %+v", extErr)
	}
	if _, err := ExtinctionProbability(Poisson{R: -1}, 0, 0); !errors.Is(err, utils.ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter for negative R, got %v", err)
	}
}

func TestBuildGridMatchesClosedForm(t *testing.T) {
	e := newEngine(t, Options{Offspring: OffspringModel{Family: FamilyPoisson}})
	grid, err := e.BuildGrid(context.Background(), reachOf(100), []float64{0.1}, []float64{1.5})
	if err != nil {
		t.Fatalf("build grid: %v", err)
	}
	want := ExactRisk(100, 0.1, grid.Extinction[0])
	if got := grid.At(0, 0, 0); math.Abs(got-want) > 1e-10 {
		t.Fatalf("risk %v, want %v", got, want)
	}
	if math.Abs(want-0.9975332468) > 1e-8 {
		t.Fatalf("closed form %v drifted", want)
	}
	if grid.MaxBound > 1e-10 {
		t.Fatalf("truncation bound %v above tolerance", grid.MaxBound)
	}
}

func TestBuildGridShapeAndIndex(t *testing.T) {
	e := newEngine(t, Options{Workers: 2})
	reach := reachOf(0, 50, 200)
	thetas := []float64{0, 0.05, 0.1, 0.2}
	rLocs := []float64{0.8, 1.2, 2, 3, 4}

	grid, err := e.BuildGrid(context.Background(), reach, thetas, rLocs)
	if err != nil {
		t.Fatalf("build grid: %v", err)
	}
	if shape := grid.Shape(); shape != [3]int{3, 4, 5} || grid.Len() != 60 || len(grid.Risk) != 60 {
		t.Fatalf("unexpected shape %v (len %d)", shape, len(grid.Risk))
	}
	for idx := range grid.Risk {
		i, j, k := grid.Coords(idx)
		if grid.Index(i, j, k) != idx {
			t.Fatalf("index round trip failed at %d", idx)
		}
		r := grid.Risk[idx]
		if r < 0 || r > 1 {
			t.Fatalf("risk %v out of range at %d", r, idx)
		}
		if want := ExactRisk(reach[i].Size, thetas[j], grid.Extinction[k]); math.Abs(r-want) > 1e-9 {
			t.Fatalf("cell (%d,%d,%d): %v, want %v", i, j, k, r, want)
		}
	}
	if grid.At(0, 2, 3) != 0 || grid.At(2, 0, 3) != 0 {
		t.Fatalf("zero reach or zero connectivity must give zero risk")
	}
}

func TestRiskMonotoneInReach(t *testing.T) {
	e := newEngine(t, Options{MaxTerms: 20})
	sizes := []float64{0, 1, 10, 100, 1000, 10000}
	grid, err := e.BuildGrid(context.Background(), reachOf(sizes...), []float64{0.01, 0.15}, []float64{0.9, 1.1, 2.6})
	if err != nil {
		t.Fatalf("build grid: %v", err)
	}
	for j := range grid.Thetas {
		for k := range grid.RLocs {
			for i := 1; i < len(sizes); i++ {
				if grid.At(i, j, k) < grid.At(i-1, j, k) {
					t.Fatalf("risk decreased from N=%v to N=%v at θ=%v R=%v", sizes[i-1], sizes[i], grid.Thetas[j], grid.RLocs[k])
				}
			}
		}
	}
}

func TestScreeningReducesRisk(t *testing.T) {
	plain := newEngine(t, Options{})
	screened := newEngine(t, Options{ScreeningEfficacy: 0.9})

	a, err := plain.BuildGrid(context.Background(), reachOf(200), []float64{0.1}, []float64{2})
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	b, err := screened.BuildGrid(context.Background(), reachOf(200), []float64{0.1}, []float64{2})
	if err != nil {
		t.Fatalf("screened: %v", err)
	}
	want := ExactRisk(200, 0.01, b.Extinction[0])
	if math.Abs(b.Risk[0]-want) > 1e-9 || !(b.Risk[0] < a.Risk[0]) {
		t.Fatalf("screened risk %v (want %v), unscreened %v", b.Risk[0], want, a.Risk[0])
	}
}

func TestFailurePolicies(t *testing.T) {
	opts := Options{Offspring: OffspringModel{Family: FamilyPoisson}, MaxIterations: 3}
	rLocs := []float64{0, 2.5}

	abort := newEngine(t, opts)
	if _, err := abort.BuildGrid(context.Background(), reachOf(10), []float64{0.1}, rLocs); !errors.Is(err, utils.ErrExtinctionProbability) {
		t.Fatalf("abort policy: expected extinction error, got %v", err)
	}

	opts.OnFailure = FailSentinel
	sentinel := newEngine(t, opts)
	grid, err := sentinel.BuildGrid(context.Background(), reachOf(10, 20), []float64{0.1}, rLocs)
	if err != nil {
		t.Fatalf("sentinel policy: %v", err)
	}
	if len(grid.Failures) != 1 || grid.Failures[0].RLocIndex != 1 || !errors.Is(grid.Failures[0].Err, utils.ErrExtinctionProbability) {
		t.Fatalf("unexpected failures %+v", grid.Failures)
	}
	for i := range grid.Reach {
		if grid.At(i, 0, 1) != SentinelRisk {
			t.Fatalf("row %d: expected sentinel, got %v", i, grid.At(i, 0, 1))
		}
		if grid.At(i, 0, 0) > 1e-12 {
			t.Fatalf("row %d: R=0 should give zero risk, got %v", i, grid.At(i, 0, 0))
		}
	}
	if !math.IsNaN(grid.Extinction[1]) {
		t.Fatalf("failed extinction should be NaN, got %v", grid.Extinction[1])
	}
	if math.IsNaN(grid.MaxBound) || grid.MaxBound > 1e-10 {
		t.Fatalf("max bound should ignore sentinel cells, got %v", grid.MaxBound)
	}

	opts.MaxTerms = 5
	truncated := newEngine(t, opts)
	grid, err = truncated.BuildGrid(context.Background(), reachOf(1000), []float64{0.5}, rLocs)
	if err != nil {
		t.Fatalf("sentinel policy with truncation: %v", err)
	}
	if math.IsNaN(grid.MaxBound) || !(grid.MaxBound > 1e-10) {
		t.Fatalf("truncation on healthy cells must be reported, got max bound %v", grid.MaxBound)
	}
}

func TestExtinctionAtCriticalPoint(t *testing.T) {
	z, err := ExtinctionProbability(Poisson{R: 1}, 0, 0)
	if err != nil {
		t.Fatalf("extinction at R=1: %v", err)
	}
	if gap := 1 - z; !(gap > 1e-6 && gap < 1e-4) {
		t.Fatalf("critical extinction %v: expected the documented small bias below 1", z)
	}
}

func TestBuildGridCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newEngine(t, Options{})
	if _, err := e.BuildGrid(ctx, reachOf(10, 20), []float64{0.1}, []float64{2}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBuildGridRejectsInvalidAxes(t *testing.T) {
	e := newEngine(t, Options{})
	cases := []struct {
		name   string
		reach  []Reach
		thetas []float64
		rLocs  []float64
	}{
		{name: "empty reach", thetas: []float64{0.1}, rLocs: []float64{1}},
		{name: "theta above one", reach: reachOf(1), thetas: []float64{1.5}, rLocs: []float64{1}},
		{name: "negative R", reach: reachOf(1), thetas: []float64{0.1}, rLocs: []float64{-1}},
		{name: "NaN reach", reach: reachOf(math.NaN()), thetas: []float64{0.1}, rLocs: []float64{1}},
	}
	for _, tc := range cases {
		if _, err := e.BuildGrid(context.Background(), tc.reach, tc.thetas, tc.rLocs); !errors.Is(err, utils.ErrInvalidParameter) {
			t.Fatalf("%s: expected invalid parameter, got %v", tc.name, err)
		}
	}
}

func TestParseOptions(t *testing.T) {
	if _, err := ParseFailurePolicy("retry"); err == nil {
		t.Fatalf("expected unknown policy error")
	}
	m, err := ParseOffspringModel("negbin", 0)
	if err != nil {
		t.Fatalf("parse offspring: %v", err)
	}
	if nb, ok := m.For(2).(NegativeBinomial); !ok || nb.K != DefaultDispersion {
		t.Fatalf("unexpected offspring %#v", m.For(2))
	}
	if _, err := ParseOffspringModel("negbin", -1); !errors.Is(err, utils.ErrInvalidParameter) {
		t.Fatalf("expected invalid dispersion, got %v", err)
	}
	if _, err := NewEngine(Options{ScreeningEfficacy: 2}, nil); !errors.Is(err, utils.ErrInvalidParameter) {
		t.Fatalf("expected invalid screening efficacy, got %v", err)
	}
}
