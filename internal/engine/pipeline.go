package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/outbreakstack/seirisk/internal/calibrate"
	"github.com/outbreakstack/seirisk/internal/extractors"
	"github.com/outbreakstack/seirisk/internal/risk"
	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/solver"
	"github.com/outbreakstack/seirisk/internal/utils"
)

// Pipeline wires the model, integrator, calibrator and risk engine into the
// operations the service exposes.
type Pipeline struct {
	logger     *slog.Logger
	integrator *solver.Integrator
	calibrator *calibrate.Calibrator
	riskEngine *risk.Engine
	presets    *PresetStore
	cumulative seir.CumulativeMode
	workers    int
	surges     *extractors.SurgeDetector
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithCumulativeMode selects which incidence feeds the cumulative counter.
func WithCumulativeMode(mode seir.CumulativeMode) Option {
	return func(p *Pipeline) { p.cumulative = mode }
}

// WithWorkers bounds the final-size sweep.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithSurgeThreshold sets the z-score above which case increments are flagged.
func WithSurgeThreshold(threshold float64) Option {
	return func(p *Pipeline) { p.surges = extractors.NewSurgeDetector(threshold) }
}

// NewPipeline constructs a pipeline. Nil collaborators get defaults.
func NewPipeline(
	logger *slog.Logger,
	integrator *solver.Integrator,
	calibrator *calibrate.Calibrator,
	riskEngine *risk.Engine,
	presets *PresetStore,
	opts ...Option,
) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if integrator == nil {
		integrator = solver.New(solver.DefaultOptions())
	}
	if calibrator == nil {
		calibrator = calibrate.New(calibrate.DefaultOptions(), logger)
	}
	if riskEngine == nil {
		var err error
		if riskEngine, err = risk.NewEngine(risk.DefaultOptions(), logger); err != nil {
			return nil, err
		}
	}
	if presets == nil {
		var err error
		if presets, err = NewPresetStore("", logger); err != nil {
			return nil, err
		}
	}

	p := &Pipeline{
		logger:     logger,
		integrator: integrator,
		calibrator: calibrator,
		riskEngine: riskEngine,
		presets:    presets,
		cumulative: seir.CumulativeUncontrolled,
		workers:    runtime.GOMAXPROCS(0),
		surges:     extractors.NewSurgeDetector(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := seir.ParseCumulativeMode(string(p.cumulative)); err != nil {
		return nil, utils.InvalidParameter("%v", err)
	}
	return p, nil
}

// Presets exposes the preset store.
func (p *Pipeline) Presets() *PresetStore { return p.presets }

func (p *Pipeline) model(sc Scenario) (*seir.Model, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	rates, err := sc.Rates()
	if err != nil {
		return nil, err
	}
	control, err := sc.Control()
	if err != nil {
		return nil, err
	}
	return seir.NewModel(rates, control, p.cumulative)
}

// Simulate integrates the scenario and returns the states at times.
func (p *Pipeline) Simulate(ctx context.Context, sc Scenario, times []float64) (solver.Trajectory, error) {
	m, err := p.model(sc)
	if err != nil {
		return solver.Trajectory{}, err
	}
	return p.integrator.Integrate(ctx, m, sc.InitialState().Slice(), times)
}

// SolutionRequest asks for one compartment curve of a preset.
type SolutionRequest struct {
	Preset          string
	R0              float64 // 0 keeps the preset's
	PopulationScale float64 // 0 keeps the preset's
	Horizon         float64 // 0 keeps the preset's
	Points          int
	Selector        seir.Compartment
}

// Solution is a sampled compartment curve.
type Solution struct {
	Scenario Scenario
	Selector seir.Compartment
	X        []float64
	Y        []float64
	Peak     extractors.Point
}

// ModelSolution samples one compartment aggregate of a preset on an even grid.
func (p *Pipeline) ModelSolution(ctx context.Context, req SolutionRequest) (Solution, error) {
	if req.Selector == "" {
		req.Selector = seir.CompartmentC
	}
	if _, err := seir.ParseCompartment(string(req.Selector)); err != nil {
		return Solution{}, utils.InvalidParameter("%v", err)
	}
	if req.Points == 0 {
		req.Points = 1000
	}
	if req.Points < 2 {
		return Solution{}, utils.InvalidParameter("points %d must be >= 2", req.Points)
	}
	if req.Preset == "" {
		req.Preset = "hungary"
	}
	preset, err := p.presets.Get(req.Preset)
	if err != nil {
		return Solution{}, err
	}
	sc, err := preset.Scenario(req.R0, req.PopulationScale)
	if err != nil {
		return Solution{}, err
	}
	if req.Horizon > 0 {
		sc.Horizon = req.Horizon
	}

	x := utils.Linspace(0, sc.Horizon, req.Points)
	tr, err := p.Simulate(ctx, sc, x)
	if err != nil {
		return Solution{}, err
	}
	y := make([]float64, tr.Len())
	for i, row := range tr.States {
		y[i] = seir.SelectRow(row, req.Selector)
	}
	peak, err := extractors.Peak(x, y)
	if err != nil {
		return Solution{}, err
	}
	return Solution{Scenario: sc, Selector: req.Selector, X: x, Y: y, Peak: peak}, nil
}

// Endpoint is the state at which a cumulative threshold is first reached.
type Endpoint struct {
	Time  float64
	State seir.State
}

// Endpoint finds when the scenario's cumulative count first reaches
// threshold, sampling the horizon every step days.
func (p *Pipeline) Endpoint(ctx context.Context, sc Scenario, threshold, step float64) (Endpoint, error) {
	if !(step > 0) {
		return Endpoint{}, utils.InvalidParameter("step %v must be > 0", step)
	}
	n := int(math.Ceil(sc.Horizon/step)) + 1
	times := utils.Linspace(0, sc.Horizon, n)
	tr, err := p.Simulate(ctx, sc, times)
	if err != nil {
		return Endpoint{}, err
	}
	at, err := extractors.CrossingTime(tr.Times, tr.Column(seir.IdxC), threshold)
	if err != nil {
		return Endpoint{}, fmt.Errorf("cumulative %v within %v days: %w", threshold, sc.Horizon, err)
	}
	st := sc.InitialState()
	if at > 0 {
		exact, err := p.Simulate(ctx, sc, []float64{0, at})
		if err != nil {
			return Endpoint{}, err
		}
		st = seir.StateFromSlice(exact.Final())
	}
	return Endpoint{Time: at, State: st}, nil
}

// FinalSizes runs the scenario once per control onset and reports the number
// ever infected, N − S, at the horizon.
func (p *Pipeline) FinalSizes(ctx context.Context, sc Scenario, tStars []float64) ([]risk.Reach, error) {
	if len(tStars) == 0 {
		return nil, utils.InvalidParameter("at least one t_star is required")
	}
	for _, ts := range tStars {
		if !(ts > 0) || math.IsInf(ts, 0) {
			return nil, utils.InvalidParameter("t_star %v must be > 0", ts)
		}
	}

	out := make([]risk.Reach, len(tStars))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, ts := range tStars {
		i, ts := i, ts
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			tr, err := p.Simulate(gctx, sc.WithTStar(ts), []float64{0, sc.Horizon})
			if err != nil {
				return fmt.Errorf("t_star %v: %w", ts, err)
			}
			final := seir.StateFromSlice(tr.Final())
			out[i] = risk.Reach{Size: final.Total() - final[seir.IdxS], TStar: ts, HasTStar: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RiskFromTStar maps control onsets to final sizes and builds the risk grid over them.
func (p *Pipeline) RiskFromTStar(ctx context.Context, sc Scenario, tStars, thetas, rLocs []float64) (*risk.Grid, error) {
	reach, err := p.FinalSizes(ctx, sc, tStars)
	if err != nil {
		return nil, err
	}
	return p.riskEngine.BuildGrid(ctx, reach, thetas, rLocs)
}

// BuildRiskGrid builds a grid over directly supplied reach values.
func (p *Pipeline) BuildRiskGrid(ctx context.Context, reach []risk.Reach, thetas, rLocs []float64) (*risk.Grid, error) {
	return p.riskEngine.BuildGrid(ctx, reach, thetas, rLocs)
}

// CaseSeries is an observed regional series: cumulative confirmed cases and
// recoveries per day.
type CaseSeries struct {
	Times     []float64
	Cases     []float64
	Recovered []float64
}

// Validate checks the series are aligned and ordered.
func (cs CaseSeries) Validate() error {
	if !utils.StrictlyIncreasing(cs.Times) {
		return utils.InvalidParameter("case series times must be non-empty, finite and strictly increasing")
	}
	if len(cs.Cases) != len(cs.Times) {
		return utils.InvalidParameter("case series has %d times but %d case counts", len(cs.Times), len(cs.Cases))
	}
	if cs.Recovered != nil && len(cs.Recovered) != len(cs.Times) {
		return utils.InvalidParameter("case series has %d times but %d recovered counts", len(cs.Times), len(cs.Recovered))
	}
	return nil
}

func (cs CaseSeries) firstRow() calibrate.FirstRow {
	row := calibrate.FirstRow{Cases: cs.Cases[0]}
	if len(cs.Recovered) > 0 {
		row.Recovered = cs.Recovered[0]
	}
	row.Infected = math.Max(0, row.Cases-row.Recovered)
	return row
}

// CalibrationRequest fits a population's rates to a case series.
type CalibrationRequest struct {
	Population float64
	Series     CaseSeries
	// Params is the starting guess; nil uses calibrate.DefaultParamSet for
	// Population.
	Params  *calibrate.ParamSet
	Control *seir.ControlSchedule
}

// CalibrationReport is a fit plus data-quality findings.
type CalibrationReport struct {
	Result  calibrate.Result
	Initial seir.State
	Surges  []extractors.Surge
}

// Calibrate reconstructs the initial state from the first observation and
// fits the model's cumulative increments to the case increments.
func (p *Pipeline) Calibrate(ctx context.Context, req CalibrationRequest) (CalibrationReport, error) {
	if err := req.Series.Validate(); err != nil {
		return CalibrationReport{}, err
	}
	initial, err := calibrate.InitialStateFromFirstRow(req.Population, req.Series.firstRow())
	if err != nil {
		return CalibrationReport{}, err
	}

	surges, err := p.surges.Detect(req.Series.Times, req.Series.Cases)
	if err != nil {
		return CalibrationReport{}, err
	}
	for _, s := range surges {
		p.logger.Warn("case series surge", slog.Float64("time", s.Time), slog.Float64("increment", s.Increment), slog.Float64("score", s.Score))
	}

	var params calibrate.ParamSet
	if req.Params != nil {
		params = *req.Params
	} else if params, err = calibrate.DefaultParamSet(req.Population); err != nil {
		return CalibrationReport{}, err
	}
	ds := calibrate.NewIncidenceDataset(req.Series.Times, extractors.Increments(req.Series.Cases))
	res, err := p.calibrator.Fit(ctx, ds, calibrate.Problem{
		Population: req.Population,
		Initial:    initial,
		Control:    req.Control,
		Cumulative: p.cumulative,
		Params:     params,
	})
	if err != nil {
		var calErr *calibrate.Error
		if errors.As(err, &calErr) {
			p.logger.Warn("calibration failed",
				slog.Float64("residual_norm", calErr.LastResidualNorm),
				slog.Int("iterations", calErr.Iterations),
				slog.Any("error", err))
		}
		return CalibrationReport{}, err
	}
	return CalibrationReport{Result: res, Initial: initial, Surges: surges}, nil
}
