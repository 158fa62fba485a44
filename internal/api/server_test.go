package api

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/outbreakstack/seirisk/internal/config"
)

type echoServer struct {
	calls []string
}

func (e *echoServer) reply(method string, in *structpb.Struct) (*structpb.Struct, error) {
	e.calls = append(e.calls, method)
	if in.GetFields()["fail"].GetBoolValue() {
		return nil, status.Error(codes.InvalidArgument, "asked to fail")
	}
	return structpb.NewStruct(map[string]any{"method": method, "echo": in.AsMap()})
}

func (e *echoServer) ModelSolution(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return e.reply(MethodModelSolution, in)
}
func (e *echoServer) Simulate(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return e.reply(MethodSimulate, in)
}
func (e *echoServer) FinalSizes(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return e.reply(MethodFinalSizes, in)
}
func (e *echoServer) BuildRiskGrid(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return e.reply(MethodBuildRiskGrid, in)
}
func (e *echoServer) Calibrate(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return e.reply(MethodCalibrate, in)
}
func (e *echoServer) CalibrateRegion(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return e.reply(MethodCalibrateRegion, in)
}

func dialBufconn(t *testing.T, srv EpidemicServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := NewServerWithListener(config.ServerConfig{Reflection: true}, lis, srv)
	go func() { _ = server.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServiceDescRoutesEveryMethod(t *testing.T) {
	srv := &echoServer{}
	client := NewEpidemicClient(dialBufconn(t, srv))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, _ := structpb.NewStruct(map[string]any{"preset": "hungary"})
	calls := map[string]func(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error){
		MethodModelSolution:   client.ModelSolution,
		MethodSimulate:        client.Simulate,
		MethodFinalSizes:      client.FinalSizes,
		MethodBuildRiskGrid:   client.BuildRiskGrid,
		MethodCalibrate:       client.Calibrate,
		MethodCalibrateRegion: client.CalibrateRegion,
	}
	for method, call := range calls {
		out, err := call(ctx, in)
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if got := out.GetFields()["method"].GetStringValue(); got != method {
			t.Fatalf("%s routed to %s", method, got)
		}
		if out.GetFields()["echo"].GetStructValue().GetFields()["preset"].GetStringValue() != "hungary" {
			t.Fatalf("%s lost the request payload: %v", method, out)
		}
	}
	if len(srv.calls) != len(calls) {
		t.Fatalf("expected %d calls, got %d", len(calls), len(srv.calls))
	}
}

func TestServerPropagatesStatusAndHealth(t *testing.T) {
	conn := dialBufconn(t, &echoServer{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, _ := structpb.NewStruct(map[string]any{"fail": true})
	_, err := NewEpidemicClient(conn).Simulate(ctx, in)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected health status %v", resp.GetStatus())
	}
}
