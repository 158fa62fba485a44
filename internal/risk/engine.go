package risk

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/outbreakstack/seirisk/internal/utils"
)

// FailurePolicy decides what a grid build does when an extinction fixed
// point does not converge.
type FailurePolicy string

const (
	// FailAbort returns the first ExtinctionError and no grid.
	FailAbort FailurePolicy = "abort"
	// FailSentinel writes SentinelRisk for the failed R_loc and keeps going.
	FailSentinel FailurePolicy = "sentinel"
)

// ParseFailurePolicy maps a config value; empty means abort.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailAbort:
		return FailAbort, nil
	case FailSentinel:
		return FailSentinel, nil
	}
	return "", utils.InvalidParameter("unknown failure policy %q", s)
}

// Options configures an Engine.
type Options struct {
	Offspring OffspringModel
	// MaxTerms truncates the sum over chain counts.
	MaxTerms      int
	Tolerance     float64
	MaxIterations int
	// TruncationTolerance is the largest acceptable truncation bound; larger
	// bounds are logged.
	TruncationTolerance float64
	// ScreeningEfficacy is the fraction of exported cases caught before
	// seeding a chain; the effective connectivity is (1−s)·θ.
	ScreeningEfficacy float64
	Workers           int
	OnFailure         FailurePolicy
}

// DefaultOptions returns a negative-binomial engine that aborts on failure.
func DefaultOptions() Options {
	return Options{
		Offspring:           OffspringModel{Family: FamilyNegativeBinomial, Dispersion: DefaultDispersion},
		MaxTerms:            100,
		Tolerance:           DefaultTolerance,
		MaxIterations:       DefaultMaxIterations,
		TruncationTolerance: 1e-10,
		Workers:             runtime.GOMAXPROCS(0),
		OnFailure:           FailAbort,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Offspring.Family == "" {
		o.Offspring = d.Offspring
	}
	if o.MaxTerms <= 0 {
		o.MaxTerms = d.MaxTerms
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.TruncationTolerance <= 0 {
		o.TruncationTolerance = d.TruncationTolerance
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.OnFailure == "" {
		o.OnFailure = d.OnFailure
	}
	return o
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	if err := o.Offspring.Validate(); err != nil {
		return err
	}
	if o.ScreeningEfficacy < 0 || o.ScreeningEfficacy > 1 || math.IsNaN(o.ScreeningEfficacy) {
		return utils.InvalidParameter("screening efficacy %v must lie in [0,1]", o.ScreeningEfficacy)
	}
	if _, err := ParseFailurePolicy(string(o.OnFailure)); err != nil {
		return err
	}
	return nil
}

// Engine builds risk grids. It is safe for concurrent use.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// NewEngine validates opts; a nil logger uses slog.Default().
func NewEngine(opts Options, logger *slog.Logger) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts, logger: logger}, nil
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// BuildGrid computes the risk for every (reach, θ, R_loc) combination.
func (e *Engine) BuildGrid(ctx context.Context, reach []Reach, thetas, rLocs []float64) (*Grid, error) {
	if err := validateAxes(reach, thetas, rLocs); err != nil {
		return nil, err
	}

	grid := &Grid{
		Reach:      append([]Reach(nil), reach...),
		Thetas:     append([]float64(nil), thetas...),
		RLocs:      append([]float64(nil), rLocs...),
		Extinction: make([]float64, len(rLocs)),
		MaxTerms:   e.opts.MaxTerms,
		Offspring:  e.opts.Offspring.String(),
	}
	grid.Risk = make([]float64, grid.Len())
	grid.Bound = make([]float64, grid.Len())

	if err := e.solveExtinction(ctx, grid); err != nil {
		return nil, err
	}
	// zPow[k][n] = z_k^n, shared read-only by every worker.
	zPow := make([][]float64, len(rLocs))
	for k, z := range grid.Extinction {
		if math.IsNaN(z) {
			continue
		}
		zPow[k] = powers(z, e.opts.MaxTerms)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i := range reach {
		i := i
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return e.fillReach(gctx, grid, zPow, i)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Sentinel cells carry a NaN bound.
	for _, b := range grid.Bound {
		if !math.IsNaN(b) {
			grid.MaxBound = math.Max(grid.MaxBound, b)
		}
	}
	if grid.MaxBound > e.opts.TruncationTolerance {
		e.logger.Warn("risk truncation bound exceeds tolerance",
			slog.Float64("max_bound", grid.MaxBound),
			slog.Float64("tolerance", e.opts.TruncationTolerance),
			slog.Int("max_terms", e.opts.MaxTerms),
		)
	}
	e.logger.Debug("risk grid built",
		slog.Int("cells", grid.Len()),
		slog.String("offspring", grid.Offspring),
		slog.Int("failures", len(grid.Failures)),
	)
	return grid, nil
}

func (e *Engine) solveExtinction(ctx context.Context, grid *Grid) error {
	errs := make([]error, len(grid.RLocs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for k, r := range grid.RLocs {
		k, r := k, r
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			z, err := ExtinctionProbability(e.opts.Offspring.For(r), e.opts.Tolerance, e.opts.MaxIterations)
			if err != nil {
				var extErr *ExtinctionError
				if e.opts.OnFailure == FailAbort || !errors.As(err, &extErr) {
					return err
				}
				grid.Extinction[k] = math.NaN()
				errs[k] = err
				return nil
			}
			grid.Extinction[k] = z
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, err := range errs {
		if err == nil {
			continue
		}
		grid.Failures = append(grid.Failures, Failure{RLocIndex: k, RLoc: grid.RLocs[k], Err: err})
		e.logger.Warn("extinction probability failed; writing sentinel",
			slog.Float64("r_loc", grid.RLocs[k]),
			slog.Any("error", err),
		)
	}
	return nil
}

// fillReach writes every cell of reach row i.
func (e *Engine) fillReach(ctx context.Context, grid *Grid, zPow [][]float64, i int) error {
	m := e.opts.MaxTerms
	pmf := make([]float64, m)
	n := math.Round(grid.Reach[i].Size)

	for j, theta := range grid.Thetas {
		if err := ctx.Err(); err != nil {
			return err
		}
		tail := binomialPMF(pmf, n, (1-e.opts.ScreeningEfficacy)*theta)
		for k := range grid.RLocs {
			idx := grid.Index(i, j, k)
			zp := zPow[k]
			if zp == nil {
				grid.Risk[idx] = SentinelRisk
				grid.Bound[idx] = math.NaN()
				continue
			}
			sum := 0.0
			for c := 0; c < m; c++ {
				sum += pmf[c] * zp[c]
			}
			grid.Risk[idx] = clamp01(1 - sum)
			grid.Bound[idx] = zp[m] * tail
		}
	}
	return nil
}

// binomialPMF fills dst[c] = P(X = c) for X ~ Binomial(n, p) and returns the
// mass P(X >= len(dst)) beyond the truncation.
func binomialPMF(dst []float64, n, p float64) float64 {
	for c := range dst {
		dst[c] = 0
	}
	switch {
	case n <= 0 || p <= 0:
		dst[0] = 1
		return 0
	case p >= 1:
		if int(n) < len(dst) {
			dst[int(n)] = 1
			return 0
		}
		return 1
	}

	b := distuv.Binomial{N: n, P: p}
	mass := 0.0
	for c := range dst {
		if float64(c) > n {
			break
		}
		dst[c] = b.Prob(float64(c))
		mass += dst[c]
	}
	return math.Max(0, 1-mass)
}

// powers returns z^0 .. z^m.
func powers(z float64, m int) []float64 {
	out := make([]float64, m+1)
	out[0] = 1
	for c := 1; c <= m; c++ {
		out[c] = out[c-1] * z
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func validateAxes(reach []Reach, thetas, rLocs []float64) error {
	if len(reach) == 0 || len(thetas) == 0 || len(rLocs) == 0 {
		return utils.InvalidParameter("risk grid axes must be non-empty (got %d reach, %d θ, %d R_loc)", len(reach), len(thetas), len(rLocs))
	}
	for _, r := range reach {
		if math.IsNaN(r.Size) || math.IsInf(r.Size, 0) || r.Size < 0 {
			return utils.InvalidParameter("reach %v must be finite and >= 0", r.Size)
		}
	}
	for _, th := range thetas {
		if !(th >= 0 && th <= 1) {
			return utils.InvalidParameter("connectivity %v must lie in [0,1]", th)
		}
	}
	for _, r := range rLocs {
		if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
			return utils.InvalidParameter("R_loc %v must be finite and >= 0", r)
		}
	}
	return nil
}
