package services

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/outbreakstack/seirisk/internal/api"
	"github.com/outbreakstack/seirisk/internal/engine"
	"github.com/outbreakstack/seirisk/internal/metrics"
	"github.com/outbreakstack/seirisk/internal/models"
	"github.com/outbreakstack/seirisk/internal/repo"
	"github.com/outbreakstack/seirisk/internal/risk"
	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/utils"
)

// CaseFetcher loads a region's published case series.
type CaseFetcher interface {
	FetchRegion(ctx context.Context, region string) (repo.RegionCases, error)
}

// EpidemicService implements the gRPC EpidemicService.
type EpidemicService struct {
	logger    *slog.Logger
	pipeline  *engine.Pipeline
	cases     CaseFetcher
	latencies *utils.LatencyTracker
}

var _ api.EpidemicServer = (*EpidemicService)(nil)

// NewEpidemicService constructs the service facade. cases may be nil, in
// which case CalibrateRegion reports FailedPrecondition.
func NewEpidemicService(logger *slog.Logger, pipeline *engine.Pipeline, cases CaseFetcher) *EpidemicService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EpidemicService{
		logger:    logger,
		pipeline:  pipeline,
		cases:     cases,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// ModelSolution samples one compartment curve of a preset.
func (s *EpidemicService) ModelSolution(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.ModelSolutionRequest
	return s.handle(ctx, api.MethodModelSolution, in, &req, func(ctx context.Context) (any, error) {
		sol, err := s.pipeline.ModelSolution(ctx, engine.SolutionRequest{
			Preset:          req.Preset,
			R0:              req.R0,
			PopulationScale: req.PopulationScale,
			Horizon:         req.Horizon,
			Points:          req.Points,
			Selector:        seir.Compartment(req.Selector),
		})
		if err != nil {
			return nil, err
		}
		return api.ToModelSolutionResponse(sol), nil
	})
}

// Simulate integrates a scenario and returns every compartment.
func (s *EpidemicService) Simulate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.SimulateRequest
	return s.handle(ctx, api.MethodSimulate, in, &req, func(ctx context.Context) (any, error) {
		sc, err := api.ResolveScenario(s.pipeline.Presets(), req.ScenarioRef)
		if err != nil {
			return nil, err
		}
		times := req.Times
		if len(times) == 0 {
			step := req.Step
			if step == 0 {
				step = 1
			}
			if !(step > 0) || math.IsInf(step, 0) {
				return nil, utils.InvalidParameter("step %v must be > 0", req.Step)
			}
			times = utils.Linspace(0, sc.Horizon, int(math.Ceil(sc.Horizon/step))+1)
		}
		tr, err := s.pipeline.Simulate(ctx, sc, times)
		if err != nil {
			return nil, err
		}
		return api.ToSimulateResponse(sc, tr), nil
	})
}

// FinalSizes sweeps the control onset and reports N − S at the horizon.
func (s *EpidemicService) FinalSizes(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.FinalSizesRequest
	return s.handle(ctx, api.MethodFinalSizes, in, &req, func(ctx context.Context) (any, error) {
		sc, err := api.ResolveScenario(s.pipeline.Presets(), req.ScenarioRef)
		if err != nil {
			return nil, err
		}
		reach, err := s.pipeline.FinalSizes(ctx, sc, req.TStars)
		if err != nil {
			return nil, err
		}
		return api.ToFinalSizesResponse(sc, reach), nil
	})
}

// BuildRiskGrid evaluates outbreak risk over reach × connectivity × R_loc.
func (s *EpidemicService) BuildRiskGrid(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.RiskGridRequest
	return s.handle(ctx, api.MethodBuildRiskGrid, in, &req, func(ctx context.Context) (any, error) {
		if len(req.Reach) > 0 && len(req.TStars) > 0 {
			return nil, utils.InvalidParameter("reach and t_stars are mutually exclusive")
		}
		var (
			g   *risk.Grid
			err error
		)
		if len(req.Reach) > 0 {
			g, err = s.pipeline.BuildRiskGrid(ctx, api.ReachFromSpecs(req.Reach), req.Thetas, req.RLocs)
		} else {
			sc, scErr := api.ResolveScenario(s.pipeline.Presets(), req.ScenarioRef)
			if scErr != nil {
				return nil, scErr
			}
			g, err = s.pipeline.RiskFromTStar(ctx, sc, req.TStars, req.Thetas, req.RLocs)
		}
		if err != nil {
			return nil, err
		}
		metrics.ObserveRiskGrid(g.Len(), len(g.Failures))
		for _, f := range g.Failures {
			s.logger.Warn("risk grid column failed", slog.Float64("r_loc", f.RLoc), slog.Any("error", f.Err))
		}
		return api.ToRiskGridResponse(g), nil
	})
}

// Calibrate fits the model to a supplied case series.
func (s *EpidemicService) Calibrate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.CalibrateRequest
	return s.handle(ctx, api.MethodCalibrate, in, &req, func(ctx context.Context) (any, error) {
		series := engine.CaseSeries{Times: req.Times, Cases: req.Cases, Recovered: req.Recovered}
		return s.calibrate(ctx, "", req.Population, series, req.Params, req.Control)
	})
}

// CalibrateRegion fetches a region's case series and fits the model to it.
func (s *EpidemicService) CalibrateRegion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.CalibrateRegionRequest
	return s.handle(ctx, api.MethodCalibrateRegion, in, &req, func(ctx context.Context) (any, error) {
		if s.cases == nil {
			return nil, status.Error(codes.FailedPrecondition, "case series client not configured")
		}
		data, err := s.cases.FetchRegion(ctx, req.Region)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, utils.ErrDataFormat) && !errors.Is(err, utils.ErrInvalidParameter) {
				return nil, status.Error(codes.Unavailable, utils.NewAppError(api.MethodCalibrateRegion, "case series unavailable", err).Error())
			}
			return nil, err
		}
		population := data.Population
		if req.Population > 0 {
			population = req.Population
		}
		return s.calibrate(ctx, data.Region, population, data.Series, req.Params, req.Control)
	})
}

func (s *EpidemicService) calibrate(ctx context.Context, region string, population float64, series engine.CaseSeries, params []models.ParamSpec, control *models.ControlSpec) (any, error) {
	ps, err := api.ParamSetFromSpecs(params, population)
	if err != nil {
		return nil, err
	}
	sched, err := api.ControlFromSpec(control)
	if err != nil {
		return nil, err
	}
	rep, err := s.pipeline.Calibrate(ctx, engine.CalibrationRequest{
		Population: population,
		Series:     series,
		Params:     ps,
		Control:    sched,
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveCalibration(rep.Result.Diagnostics.Iterations)
	return api.ToCalibrateResponse(region, population, rep), nil
}

// handle decodes in into req, runs fn, and maps the outcome onto a response
// document or a gRPC status while recording metrics and latency.
func (s *EpidemicService) handle(ctx context.Context, op string, in *structpb.Struct, req any, fn func(context.Context) (any, error)) (*structpb.Struct, error) {
	if s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "pipeline not configured")
	}
	if err := api.DecodeRequest(in, req); err != nil {
		return nil, toStatus(op, err)
	}

	start := time.Now()
	resp, err := fn(ctx)
	duration := time.Since(start)
	if err != nil {
		outcome := metrics.OutcomeError
		if ctx.Err() != nil {
			outcome = metrics.OutcomeCanceled
		}
		metrics.ObserveOperation(op, duration, outcome)
		s.logger.Error("operation failed", slog.String("operation", op), slog.Any("error", err))
		return nil, toStatus(op, err)
	}
	metrics.ObserveOperation(op, duration, metrics.OutcomeSuccess)
	if count := s.latencies.Observe(op, duration); count >= 20 && count%20 == 0 {
		s.logger.Info("operation latency",
			slog.String("operation", op),
			slog.Duration("p95", s.latencies.Percentile(op, 95)),
			slog.Int("samples", count))
	}

	out, err := api.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("encode response failed", slog.String("operation", op), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// LatencyP95 returns the current p95 latency of op.
func (s *EpidemicService) LatencyP95(op string) time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(op, 95)
}

func toStatus(op string, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, utils.ErrInvalidParameter), errors.Is(err, utils.ErrDataFormat):
		code = codes.InvalidArgument
	case errors.Is(err, utils.ErrIntegrationFailure),
		errors.Is(err, utils.ErrCalibrationFailure),
		errors.Is(err, utils.ErrExtinctionProbability):
		code = codes.FailedPrecondition
	}
	return status.Error(code, utils.NewAppError(op, code.String(), err).Error())
}
