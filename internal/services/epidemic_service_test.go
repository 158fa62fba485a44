package services

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/outbreakstack/seirisk/internal/api"
	"github.com/outbreakstack/seirisk/internal/config"
	"github.com/outbreakstack/seirisk/internal/engine"
	"github.com/outbreakstack/seirisk/internal/models"
	"github.com/outbreakstack/seirisk/internal/repo"
	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/utils"
)

type casesStub struct {
	data repo.RegionCases
	err  error
}

func (c casesStub) FetchRegion(context.Context, string) (repo.RegionCases, error) {
	return c.data, c.err
}

func newService(t *testing.T, cases CaseFetcher) *EpidemicService {
	t.Helper()
	pipeline, err := engine.NewPipeline(nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return NewEpidemicService(nil, pipeline, cases)
}

func request(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	st, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return st
}

func decode[T any](t *testing.T, st *structpb.Struct) T {
	t.Helper()
	var out T
	if err := api.DecodeRequest(st, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestModelSolutionDefaultsToHungary(t *testing.T) {
	svc := newService(t, nil)
	out, err := svc.ModelSolution(context.Background(), request(t, map[string]any{"points": 11, "selector": "I"}))
	if err != nil {
		t.Fatalf("ModelSolution: %v", err)
	}
	resp := decode[models.ModelSolutionResponse](t, out)
	if resp.Scenario.Name != "hungary" || resp.Selector != "I" || len(resp.X) != 11 || len(resp.Y) != 11 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.X[10] != resp.Scenario.Horizon {
		t.Fatalf("grid should end at the horizon, got %v", resp.X[10])
	}
	if svc.LatencyP95(api.MethodModelSolution) <= 0 {
		t.Fatalf("latency not tracked")
	}
}

func TestSimulateExplicitScenario(t *testing.T) {
	svc := newService(t, nil)
	out, err := svc.Simulate(context.Background(), request(t, map[string]any{
		"scenario": map[string]any{
			"population":        10000.0,
			"r0":                2.5,
			"incubation_period": 5.0,
			"infectious_period": 4.0,
			"initial_exposed":   []any{10.0},
			"horizon":           60.0,
		},
		"step": 10.0,
	}))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	resp := decode[models.SimulateResponse](t, out)
	if len(resp.Times) != 7 || len(resp.Compartments) != 8 {
		t.Fatalf("unexpected shape: %d times, %d compartments", len(resp.Times), len(resp.Compartments))
	}
	total := 0.0
	for _, name := range []string{"S", "E1", "E2", "I1", "I2", "I3", "R"} {
		total += resp.Compartments[name][6]
	}
	if math.Abs(total-10000) > 1e-3 {
		t.Fatalf("population not conserved: %v", total)
	}
}

func TestFinalSizesAndRiskGrid(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	out, err := svc.FinalSizes(ctx, request(t, map[string]any{"preset": "debrecen", "t_stars": []any{30.0, 60.0}}))
	if err != nil {
		t.Fatalf("FinalSizes: %v", err)
	}
	sizes := decode[models.FinalSizesResponse](t, out)
	if len(sizes.Reach) != 2 || sizes.Reach[0].TStar == nil || *sizes.Reach[1].TStar != 60 {
		t.Fatalf("unexpected reach: %+v", sizes.Reach)
	}
	if !(sizes.Reach[1].Size > sizes.Reach[0].Size) {
		t.Fatalf("later control should not shrink the final size: %+v", sizes.Reach)
	}

	out, err = svc.BuildRiskGrid(ctx, request(t, map[string]any{
		"preset":  "debrecen",
		"t_stars": []any{30.0, 60.0},
		"thetas":  []any{0.001, 0.01},
		"r_locs":  []any{0.5, 1.5},
	}))
	if err != nil {
		t.Fatalf("BuildRiskGrid: %v", err)
	}
	grid := decode[models.RiskGridResponse](t, out)
	if len(grid.Shape) != 3 || grid.Shape[0] != 2 || grid.Shape[1] != 2 || grid.Shape[2] != 2 || len(grid.Risk) != 8 {
		t.Fatalf("unexpected grid: %+v", grid)
	}
	for _, r := range grid.Risk {
		if r < 0 || r > 1 {
			t.Fatalf("risk %v outside [0,1]", r)
		}
	}

	_, err = svc.BuildRiskGrid(ctx, request(t, map[string]any{
		"reach":   []any{map[string]any{"size": 10.0}},
		"t_stars": []any{30.0},
		"thetas":  []any{0.1},
		"r_locs":  []any{1.5},
	}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for reach with t_stars, got %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	svc := newService(t, nil)

	_, err := svc.ModelSolution(context.Background(), request(t, map[string]any{"selector": "Q"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for bad selector, got %v", err)
	}
	_, err = svc.Simulate(context.Background(), request(t, map[string]any{"horizn": 10.0}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for unknown field, got %v", err)
	}
	_, err = svc.Calibrate(context.Background(), request(t, map[string]any{
		"population": 1000.0,
		"times":      []any{0.0, 1.0, 2.0},
		"cases":      []any{1.0, 2.0},
	}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for misaligned series, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Simulate(ctx, request(t, map[string]any{"preset": "hungary"}))
	if status.Code(err) != codes.Canceled {
		t.Fatalf("expected Canceled, got %v", err)
	}

	_, err = NewEpidemicService(nil, nil, nil).Simulate(context.Background(), request(t, map[string]any{}))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition without pipeline, got %v", err)
	}
}

func TestCalibrateRegionErrors(t *testing.T) {
	in := request(t, map[string]any{"region": "hungary"})

	_, err := newService(t, nil).CalibrateRegion(context.Background(), in)
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition without client, got %v", err)
	}

	formatErr := &repo.DataFormatError{Region: "hungary", Row: 2, Reason: "bad row"}
	_, err = newService(t, casesStub{err: formatErr}).CalibrateRegion(context.Background(), in)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for data format error, got %v", err)
	}

	_, err = newService(t, casesStub{err: errors.New("connection refused")}).CalibrateRegion(context.Background(), in)
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable for transport error, got %v", err)
	}
}

func TestCalibrateRegionOverBufconn(t *testing.T) {
	const population = 10000.0
	truth, err := seir.NewRates(seir.Epidemiology{R0: 2.5, Population: population, IncubationPeriod: 5, InfectiousPeriod: 4})
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	pipeline, err := engine.NewPipeline(nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	times := utils.Arange(0, 41, 1)
	tr, err := pipeline.Simulate(context.Background(), engine.Scenario{
		Population:        population,
		R0:                2.5,
		IncubationPeriod:  5,
		InfectiousPeriod:  4,
		InitialInfectious: [seir.NumInfectious]float64{0, 0, 5},
		Horizon:           40,
	}, times)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	cases := tr.Column(seir.IdxC)
	for i := range cases {
		cases[i] += 5
	}
	svc := NewEpidemicService(nil, pipeline, casesStub{data: repo.RegionCases{
		Region:     "testland",
		Population: population,
		Series:     engine.CaseSeries{Times: times, Cases: cases, Recovered: tr.Column(seir.IdxR)},
	}})

	lis := bufconn.Listen(1 << 20)
	server := api.NewServerWithListener(config.ServerConfig{}, lis, svc)
	go func() { _ = server.Start() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := api.NewEpidemicClient(conn).CalibrateRegion(ctx, request(t, map[string]any{
		"region": "testland",
		"params": []any{
			map[string]any{"name": "beta", "value": truth.Beta * 1.3, "min": truth.Beta * 0.5, "max": truth.Beta * 2},
			map[string]any{"name": "alpha", "value": truth.Alpha, "fixed": true},
			map[string]any{"name": "gamma", "value": truth.Gamma, "fixed": true},
		},
	}))
	if err != nil {
		t.Fatalf("CalibrateRegion: %v", err)
	}
	resp := decode[models.CalibrateResponse](t, out)
	if resp.Region != "testland" || resp.Population != population {
		t.Fatalf("unexpected region echo: %+v", resp)
	}
	if len(resp.Params) != 3 || resp.Params[0].Name != "beta" || !resp.Params[1].Fixed {
		t.Fatalf("unexpected params: %+v", resp.Params)
	}
	if math.Abs(resp.R0-2.5) > 0.025 || resp.Iterations < 1 || !resp.Converged {
		t.Fatalf("unexpected fit: r0=%v iterations=%d converged=%v", resp.R0, resp.Iterations, resp.Converged)
	}
	if len(resp.Fitted) != len(times) || len(resp.Observed) != len(times) {
		t.Fatalf("curve length %d/%d, want %d", len(resp.Fitted), len(resp.Observed), len(times))
	}
}
