package calibrate

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/solver"
)

// Options tunes the Levenberg–Marquardt iteration.
type Options struct {
	MaxIterations int
	// FTol stops when an accepted step reduces the cost by less than FTol*cost.
	FTol float64
	// XTol stops when an accepted step is shorter than XTol*(|x|+XTol) in scaled units.
	XTol float64
	// GTol stops when the largest gradient component falls below GTol.
	GTol          float64
	InitialLambda float64
	// JacobianStep is the central-difference step in scaled parameter units.
	JacobianStep float64
	Solver       solver.Options
}

// DefaultOptions returns settings that recover noise-free parameters to
// better than 0.1%.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 200,
		FTol:          1e-12,
		XTol:          1e-10,
		GTol:          1e-12,
		InitialLambda: 1e-3,
		JacobianStep:  1e-4,
		Solver:        solver.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.FTol <= 0 {
		o.FTol = d.FTol
	}
	if o.XTol <= 0 {
		o.XTol = d.XTol
	}
	if o.GTol <= 0 {
		o.GTol = d.GTol
	}
	if o.InitialLambda <= 0 {
		o.InitialLambda = d.InitialLambda
	}
	if o.JacobianStep <= 0 {
		o.JacobianStep = d.JacobianStep
	}
	return o
}

const (
	maxLambda = 1e16
	minLambda = 1e-15
)

// Problem is everything held fixed during a fit plus the starting ParamSet.
type Problem struct {
	// Population is used to report the fitted R0; zero means Initial.Total().
	Population float64
	Initial    seir.State
	Control    *seir.ControlSchedule
	Cumulative seir.CumulativeMode
	Params     ParamSet
}

// CurveSeries pairs an observed series with the fitted model's values.
type CurveSeries struct {
	Observable seir.Compartment
	Transform  Transform
	Times      []float64
	Observed   []float64
	Fitted     []float64
}

// Diagnostics summarizes the optimizer run.
type Diagnostics struct {
	Iterations       int
	Evaluations      int
	Cost             float64 // half the residual sum of squares
	ChiSquare        float64
	ReducedChiSquare float64
	ResidualNorm     float64
	// StdErrors are derived from the Jacobian at the solution; NaN when the
	// problem has no spare degrees of freedom or the Jacobian is singular.
	StdErrors map[string]float64
	Converged bool
	Message   string
}

// Result is a successful fit.
type Result struct {
	Params      ParamSet
	Rates       seir.Rates
	R0          float64
	Curve       []CurveSeries
	Residuals   []float64
	Diagnostics Diagnostics
}

// Calibrator runs fits. It is safe for concurrent use.
type Calibrator struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Calibrator; a nil logger uses slog.Default().
func New(opts Options, logger *slog.Logger) *Calibrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{opts: opts.withDefaults(), logger: logger}
}

// Fit minimizes the residual between the model and ds over the free
// parameters of problem.Params.
func (c *Calibrator) Fit(ctx context.Context, ds Dataset, problem Problem) (Result, error) {
	if err := ds.Validate(); err != nil {
		return Result{}, err
	}
	if err := problem.Params.Validate(); err != nil {
		return Result{}, err
	}
	if err := problem.Control.Validate(); err != nil {
		return Result{}, err
	}

	obj := newObjective(ctx, solver.New(c.opts.Solver), ds, problem)
	x := obj.scaled(problem.Params.Free())
	lo, hi := obj.bounds()
	n, m := len(x), ds.Len()

	r := make([]float64, m)
	if err := obj.residuals(r, x); err != nil {
		return Result{}, &Error{LastResidualNorm: math.NaN(), Reason: "initial residual evaluation failed", Err: err}
	}
	cost := halfSquares(r)

	lambda := c.opts.InitialLambda
	jac := mat.NewDense(m, n, nil)
	g := make([]float64, n)
	diag := make([]float64, n)
	step := make([]float64, n)
	xNew := make([]float64, n)
	rNew := make([]float64, m)

	diagnostics := Diagnostics{Message: "maximum iterations reached"}
	iter := 0
	for ; iter < c.opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, &Error{LastResidualNorm: math.Sqrt(2 * cost), Iterations: iter, Reason: "cancelled", Err: err}
		}
		if err := obj.jacobian(jac, x, c.opts.JacobianStep); err != nil {
			return Result{}, &Error{LastResidualNorm: math.Sqrt(2 * cost), Iterations: iter, Reason: "jacobian evaluation failed", Err: err}
		}

		var jtj mat.SymDense
		jtj.SymOuterK(1, jac.T())
		gv := mat.NewVecDense(n, g)
		gv.MulVec(jac.T(), mat.NewVecDense(m, r))

		if floats.Norm(g, math.Inf(1)) < c.opts.GTol {
			diagnostics.Converged, diagnostics.Message = true, "gradient below tolerance"
			break
		}
		for i := range diag {
			diag[i] = math.Max(jtj.At(i, i), 1e-12)
		}

		accepted := false
		for !accepted {
			if lambda > maxLambda {
				return Result{}, &Error{LastResidualNorm: math.Sqrt(2 * cost), Iterations: iter, Reason: "damping exceeded without reducing the residual"}
			}
			if err := solveDamped(step, &jtj, diag, g, lambda); err != nil {
				lambda *= 10
				continue
			}
			for i := range x {
				xNew[i] = math.Min(math.Max(x[i]+step[i], lo[i]), hi[i])
			}
			if err := obj.residuals(rNew, xNew); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return Result{}, &Error{LastResidualNorm: math.Sqrt(2 * cost), Iterations: iter, Reason: "cancelled", Err: err}
				}
				c.logger.Debug("trial step rejected", slog.Int("iteration", iter), slog.Any("error", err))
				lambda *= 10
				continue
			}
			costNew := halfSquares(rNew)
			if !(costNew < cost) {
				lambda *= 10
				if floats.Distance(xNew, x, 2) <= c.opts.XTol*(floats.Norm(x, 2)+c.opts.XTol) {
					// The projected step has collapsed onto the current point.
					diagnostics.Converged, diagnostics.Message = true, "step size below tolerance"
					break
				}
				continue
			}

			accepted = true
			reduction := cost - costNew
			dx := floats.Distance(xNew, x, 2)
			xNorm := floats.Norm(x, 2)
			copy(x, xNew)
			copy(r, rNew)
			cost = costNew
			lambda = math.Max(lambda/10, minLambda)

			switch {
			case reduction <= c.opts.FTol*(cost+reduction):
				diagnostics.Converged, diagnostics.Message = true, "relative cost reduction below tolerance"
			case dx <= c.opts.XTol*(xNorm+c.opts.XTol):
				diagnostics.Converged, diagnostics.Message = true, "step size below tolerance"
			case cost == 0:
				diagnostics.Converged, diagnostics.Message = true, "exact fit"
			}
		}
		if diagnostics.Converged {
			iter++
			break
		}
	}

	if !diagnostics.Converged {
		return Result{}, &Error{LastResidualNorm: math.Sqrt(2 * cost), Iterations: iter, Reason: diagnostics.Message}
	}

	params, err := problem.Params.WithFree(obj.unscaled(x))
	if err != nil {
		return Result{}, err
	}

	diagnostics.Iterations = iter
	diagnostics.Evaluations = obj.evals
	diagnostics.Cost = cost
	diagnostics.ChiSquare = 2 * cost
	diagnostics.ResidualNorm = math.Sqrt(2 * cost)
	diagnostics.ReducedChiSquare = math.NaN()
	if dof := m - n; dof > 0 {
		diagnostics.ReducedChiSquare = 2 * cost / float64(dof)
	}
	diagnostics.StdErrors = obj.stdErrors(x, diagnostics.ReducedChiSquare, c.opts.JacobianStep)

	population := problem.Population
	if population <= 0 {
		population = problem.Initial.Total()
	}
	rates := params.Rates()

	c.logger.Info("calibration converged",
		slog.Int("iterations", iter),
		slog.Int("evaluations", obj.evals),
		slog.Float64("residual_norm", diagnostics.ResidualNorm),
		slog.String("reason", diagnostics.Message),
	)

	return Result{
		Params:      params,
		Rates:       rates,
		R0:          rates.R0(population),
		Curve:       obj.curve(r),
		Residuals:   r,
		Diagnostics: diagnostics,
	}, nil
}

// solveDamped solves (JᵀJ + λ·diag(JᵀJ)) step = -g, falling back to an SVD
// least-squares solve when the damped matrix is not positive definite.
func solveDamped(step []float64, jtj *mat.SymDense, diag, g []float64, lambda float64) error {
	n := len(step)
	a := mat.NewSymDense(n, nil)
	a.CopySym(jtj)
	for i := 0; i < n; i++ {
		a.SetSym(i, i, a.At(i, i)+lambda*diag[i])
	}
	rhs := make([]float64, n)
	for i, v := range g {
		rhs[i] = -v
	}
	b := mat.NewVecDense(n, rhs)
	dst := mat.NewVecDense(n, step)

	var chol mat.Cholesky
	if chol.Factorize(a) {
		if err := chol.SolveVecTo(dst, b); err == nil {
			return nil
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return errors.New("damped normal equations are singular")
	}
	rank := svd.Rank(1e-12)
	if rank == 0 {
		return errors.New("damped normal equations have rank zero")
	}
	var sol mat.Dense
	svd.SolveTo(&sol, b, rank)
	for i := range step {
		step[i] = sol.At(i, 0)
	}
	return nil
}

func halfSquares(r []float64) float64 {
	n := floats.Norm(r, 2)
	return 0.5 * n * n
}

// objective evaluates residuals for scaled free-parameter vectors.
type objective struct {
	ctx     context.Context
	integ   *solver.Integrator
	ds      Dataset
	problem Problem
	scale   []float64
	evals   int
}

func newObjective(ctx context.Context, integ *solver.Integrator, ds Dataset, problem Problem) *objective {
	free := problem.Params.Free()
	scale := make([]float64, len(free))
	for i, v := range free {
		scale[i] = math.Abs(v)
		if scale[i] == 0 {
			scale[i] = 1
		}
	}
	return &objective{ctx: ctx, integ: integ, ds: ds, problem: problem, scale: scale}
}

func (o *objective) scaled(v []float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = v[i] / o.scale[i]
	}
	return out
}

func (o *objective) unscaled(x []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i] * o.scale[i]
	}
	return out
}

func (o *objective) bounds() (lo, hi []float64) {
	for _, p := range o.problem.Params.All() {
		if !p.Vary {
			continue
		}
		k := len(lo)
		lo = append(lo, p.Min/o.scale[k])
		hi = append(hi, p.Max/o.scale[k])
	}
	return lo, hi
}

// model integrates the system at the unscaled free values x.
func (o *objective) model(x []float64) (solver.Trajectory, error) {
	params, err := o.problem.Params.WithFree(o.unscaled(x))
	if err != nil {
		return solver.Trajectory{}, err
	}
	m, err := seir.NewModel(params.Rates(), o.problem.Control, o.problem.Cumulative)
	if err != nil {
		return solver.Trajectory{}, err
	}
	o.evals++
	return o.integ.Integrate(o.ctx, m, o.problem.Initial.Slice(), o.ds.Times)
}

// residuals writes model-minus-data into dst, series after series.
func (o *objective) residuals(dst, x []float64) error {
	tr, err := o.model(x)
	if err != nil {
		return err
	}
	n := len(o.ds.Times)
	for k, s := range o.ds.Series {
		values := make([]float64, n)
		for i, row := range tr.States {
			values[i] = seir.SelectRow(row, s.Observable)
		}
		fitted := s.apply(values)
		for i := range fitted {
			dst[k*n+i] = fitted[i] - s.Values[i]
		}
	}
	return nil
}

// jacobian fills dst with the residual derivatives at x. A central stencil
// that would leave the bounds is replaced column by column with a one-sided
// difference inside the box, so the model is never evaluated at rates the
// bounds exclude.
func (o *objective) jacobian(dst *mat.Dense, x []float64, h float64) error {
	lo, hi := o.bounds()
	for j := range x {
		if x[j]-h < lo[j] || x[j]+h > hi[j] {
			return o.boundedJacobian(dst, x, lo, hi, h)
		}
	}

	var firstErr error
	fd.Jacobian(dst, func(y, x []float64) {
		if err := o.residuals(y, x); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			for i := range y {
				y[i] = math.NaN()
			}
		}
	}, x, &fd.JacobianSettings{Formula: fd.Central, Step: h})
	return firstErr
}

func (o *objective) boundedJacobian(dst *mat.Dense, x, lo, hi []float64, h float64) error {
	m, _ := dst.Dims()
	base := make([]float64, m)
	if err := o.residuals(base, x); err != nil {
		return err
	}
	plus := make([]float64, m)
	minus := make([]float64, m)
	xs := append([]float64(nil), x...)
	eval := func(dst []float64, j int, v float64) error {
		xs[j] = v
		err := o.residuals(dst, xs)
		xs[j] = x[j]
		return err
	}

	for j := range x {
		up := math.Min(h, hi[j]-x[j])
		down := math.Min(h, x[j]-lo[j])
		switch {
		case up >= h && down >= h:
			if err := eval(plus, j, x[j]+h); err != nil {
				return err
			}
			if err := eval(minus, j, x[j]-h); err != nil {
				return err
			}
			for i := 0; i < m; i++ {
				dst.Set(i, j, (plus[i]-minus[i])/(2*h))
			}
		case up > 0 && up >= down:
			if err := eval(plus, j, x[j]+up); err != nil {
				return err
			}
			for i := 0; i < m; i++ {
				dst.Set(i, j, (plus[i]-base[i])/up)
			}
		case down > 0:
			if err := eval(minus, j, x[j]-down); err != nil {
				return err
			}
			for i := 0; i < m; i++ {
				dst.Set(i, j, (base[i]-minus[i])/down)
			}
		default:
			// Degenerate box: the parameter cannot move.
			for i := 0; i < m; i++ {
				dst.Set(i, j, 0)
			}
		}
	}
	return nil
}

func (o *objective) stdErrors(x []float64, redChi2, h float64) map[string]float64 {
	names := o.problem.Params.FreeNames()
	out := make(map[string]float64, len(names))
	for _, name := range names {
		out[name] = math.NaN()
	}
	if math.IsNaN(redChi2) {
		return out
	}
	jac := mat.NewDense(o.ds.Len(), len(x), nil)
	if err := o.jacobian(jac, x, h); err != nil {
		return out
	}
	var jtj, cov mat.Dense
	jtj.Mul(jac.T(), jac)
	if err := cov.Inverse(&jtj); err != nil {
		return out
	}
	for i, name := range names {
		if v := cov.At(i, i) * redChi2; v >= 0 {
			out[name] = math.Sqrt(v) * o.scale[i]
		}
	}
	return out
}

func (o *objective) curve(r []float64) []CurveSeries {
	n := len(o.ds.Times)
	out := make([]CurveSeries, len(o.ds.Series))
	for k, s := range o.ds.Series {
		fitted := make([]float64, n)
		for i := range fitted {
			fitted[i] = s.Values[i] + r[k*n+i]
		}
		out[k] = CurveSeries{
			Observable: s.Observable,
			Transform:  s.Transform,
			Times:      append([]float64(nil), o.ds.Times...),
			Observed:   append([]float64(nil), s.Values...),
			Fitted:     fitted,
		}
	}
	return out
}
