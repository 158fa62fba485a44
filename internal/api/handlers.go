package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/outbreakstack/seirisk/internal/calibrate"
	"github.com/outbreakstack/seirisk/internal/engine"
	"github.com/outbreakstack/seirisk/internal/models"
	"github.com/outbreakstack/seirisk/internal/risk"
	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/solver"
	"github.com/outbreakstack/seirisk/internal/utils"
)

// DecodeRequest maps a request document onto one of the models request types.
// Unknown fields are rejected.
func DecodeRequest(in *structpb.Struct, out any) error {
	if in == nil {
		return utils.InvalidParameter("request is nil")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return utils.InvalidParameter("encode request: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return utils.InvalidParameter("decode request: %v", err)
	}
	return nil
}

// EncodeResponse converts a models response into a response document.
func EncodeResponse(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode response document: %w", err)
	}
	return out, nil
}

// ScenarioFromSpec validates an explicit scenario.
func ScenarioFromSpec(spec models.ScenarioSpec) (engine.Scenario, error) {
	if len(spec.InitialExposed) > seir.NumExposed {
		return engine.Scenario{}, utils.InvalidParameter("initial_exposed has %d entries, at most %d allowed", len(spec.InitialExposed), seir.NumExposed)
	}
	if len(spec.InitialInfectious) > seir.NumInfectious {
		return engine.Scenario{}, utils.InvalidParameter("initial_infectious has %d entries, at most %d allowed", len(spec.InitialInfectious), seir.NumInfectious)
	}
	sc := engine.Scenario{
		Name:             spec.Name,
		Population:       spec.Population,
		R0:               spec.R0,
		IncubationPeriod: spec.IncubationPeriod,
		InfectiousPeriod: spec.InfectiousPeriod,
		TStar:            spec.TStar,
		Reduction:        spec.Reduction,
		Horizon:          spec.Horizon,
	}
	copy(sc.InitialExposed[:], spec.InitialExposed)
	copy(sc.InitialInfectious[:], spec.InitialInfectious)
	if err := sc.Validate(); err != nil {
		return engine.Scenario{}, err
	}
	return sc, nil
}

// ToScenarioSpec echoes a resolved scenario back to the caller.
func ToScenarioSpec(sc engine.Scenario) models.ScenarioSpec {
	return models.ScenarioSpec{
		Name:              sc.Name,
		Population:        sc.Population,
		R0:                sc.R0,
		IncubationPeriod:  sc.IncubationPeriod,
		InfectiousPeriod:  sc.InfectiousPeriod,
		InitialExposed:    append([]float64(nil), sc.InitialExposed[:]...),
		InitialInfectious: append([]float64(nil), sc.InitialInfectious[:]...),
		TStar:             sc.TStar,
		Reduction:         sc.Reduction,
		Horizon:           sc.Horizon,
	}
}

// ResolveScenario turns a reference into a validated scenario. An empty
// preset name means "hungary".
func ResolveScenario(presets *engine.PresetStore, ref models.ScenarioRef) (engine.Scenario, error) {
	var (
		sc  engine.Scenario
		err error
	)
	if ref.Scenario != nil {
		if sc, err = ScenarioFromSpec(*ref.Scenario); err != nil {
			return engine.Scenario{}, err
		}
	} else {
		name := ref.Preset
		if name == "" {
			name = "hungary"
		}
		preset, err := presets.Get(name)
		if err != nil {
			return engine.Scenario{}, err
		}
		if sc, err = preset.Scenario(ref.R0, ref.PopulationScale); err != nil {
			return engine.Scenario{}, err
		}
	}
	if ref.Horizon > 0 {
		sc.Horizon = ref.Horizon
	}
	if ref.TStar != nil {
		sc = sc.WithTStar(*ref.TStar)
	}
	if err := sc.Validate(); err != nil {
		return engine.Scenario{}, err
	}
	return sc, nil
}

// ParamSetFromSpecs overlays caller-supplied starting values and bounds on
// calibrate.DefaultParamSet for population. nil means use the defaults as
// they are.
func ParamSetFromSpecs(specs []models.ParamSpec, population float64) (*calibrate.ParamSet, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	ps, err := calibrate.DefaultParamSet(population)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		var p *calibrate.Param
		switch strings.ToLower(spec.Name) {
		case calibrate.ParamBeta:
			p = &ps.Beta
		case calibrate.ParamAlpha:
			p = &ps.Alpha
		case calibrate.ParamGamma:
			p = &ps.Gamma
		default:
			return nil, utils.InvalidParameter("unknown parameter %q (want beta, alpha or gamma)", spec.Name)
		}
		if spec.Value != nil {
			p.Value = *spec.Value
		}
		if spec.Min != nil {
			p.Min = *spec.Min
		}
		if spec.Max != nil {
			p.Max = *spec.Max
		}
		p.Vary = !spec.Fixed
	}
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return &ps, nil
}

// ControlFromSpec builds the schedule used during a fit; nil means none.
func ControlFromSpec(spec *models.ControlSpec) (*seir.ControlSchedule, error) {
	if spec == nil {
		return nil, nil
	}
	return seir.NewControlSchedule(spec.TStar, spec.Reduction)
}

// ReachFromSpecs converts directly supplied reach values.
func ReachFromSpecs(specs []models.ReachSpec) []risk.Reach {
	out := make([]risk.Reach, len(specs))
	for i, s := range specs {
		out[i] = risk.Reach{Size: s.Size}
		if s.TStar != nil {
			out[i].TStar, out[i].HasTStar = *s.TStar, true
		}
	}
	return out
}

func toReachValues(reach []risk.Reach) []models.ReachValue {
	out := make([]models.ReachValue, len(reach))
	for i, r := range reach {
		out[i] = models.ReachValue{Size: r.Size}
		if r.HasTStar {
			ts := r.TStar
			out[i].TStar = &ts
		}
	}
	return out
}

// ToModelSolutionResponse converts a sampled curve.
func ToModelSolutionResponse(sol engine.Solution) models.ModelSolutionResponse {
	return models.ModelSolutionResponse{
		Scenario:  ToScenarioSpec(sol.Scenario),
		Selector:  string(sol.Selector),
		X:         sol.X,
		Y:         sol.Y,
		PeakTime:  sol.Peak.Time,
		PeakValue: sol.Peak.Value,
	}
}

var compartmentNames = [seir.Dim]string{"S", "E1", "E2", "I1", "I2", "I3", "R", "C"}

// ToSimulateResponse splits a trajectory into named compartment series.
func ToSimulateResponse(sc engine.Scenario, tr solver.Trajectory) models.SimulateResponse {
	resp := models.SimulateResponse{
		Scenario:     ToScenarioSpec(sc),
		Times:        tr.Times,
		Compartments: make(map[string][]float64, seir.Dim),
	}
	for i, name := range compartmentNames {
		resp.Compartments[name] = tr.Column(i)
	}
	return resp
}

// ToFinalSizesResponse converts a final-size sweep.
func ToFinalSizesResponse(sc engine.Scenario, reach []risk.Reach) models.FinalSizesResponse {
	return models.FinalSizesResponse{Scenario: ToScenarioSpec(sc), Reach: toReachValues(reach)}
}

// ToRiskGridResponse flattens a grid. Failed extinction probabilities are
// reported as 0 with ExtinctionOK false.
func ToRiskGridResponse(g *risk.Grid) models.RiskGridResponse {
	shape := g.Shape()
	resp := models.RiskGridResponse{
		Shape:        shape[:],
		Reach:        toReachValues(g.Reach),
		Thetas:       g.Thetas,
		RLocs:        g.RLocs,
		Extinction:   make([]float64, len(g.Extinction)),
		ExtinctionOK: make([]bool, len(g.Extinction)),
		Risk:         g.Risk,
		MaxBound:     finiteOr(g.MaxBound, 0),
		MaxTerms:     g.MaxTerms,
		Offspring:    g.Offspring,
	}
	for k, z := range g.Extinction {
		if !math.IsNaN(z) {
			resp.Extinction[k], resp.ExtinctionOK[k] = z, true
		}
	}
	for _, f := range g.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		resp.Failures = append(resp.Failures, models.GridFailure{RLocIndex: f.RLocIndex, RLoc: f.RLoc, Error: msg})
	}
	return resp
}

// ToCalibrateResponse converts a fit report. The fitted curve is the
// incidence series the model was fitted against.
func ToCalibrateResponse(region string, population float64, rep engine.CalibrationReport) models.CalibrateResponse {
	res := rep.Result
	d := res.Diagnostics
	resp := models.CalibrateResponse{
		Region:           region,
		Population:       population,
		R0:               res.R0,
		Iterations:       d.Iterations,
		Evaluations:      d.Evaluations,
		Cost:             d.Cost,
		ReducedChiSquare: finitePtr(d.ReducedChiSquare),
		Converged:        d.Converged,
		Message:          d.Message,
	}
	for _, p := range res.Params.All() {
		fp := models.FittedParam{Name: p.Name, Value: p.Value, Fixed: !p.Vary}
		if se, ok := d.StdErrors[p.Name]; ok {
			fp.StdError = finitePtr(se)
		}
		resp.Params = append(resp.Params, fp)
	}
	if len(res.Curve) > 0 {
		c := res.Curve[0]
		resp.Times, resp.Observed, resp.Fitted = c.Times, c.Observed, c.Fitted
	}
	for _, s := range rep.Surges {
		resp.Surges = append(resp.Surges, models.Surge{Time: s.Time, Increment: s.Increment, Score: s.Score})
	}
	return resp
}

func finitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
