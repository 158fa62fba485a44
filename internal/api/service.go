package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "seirisk.v1.EpidemicService"

// Method names of EpidemicService.
const (
	MethodModelSolution   = "ModelSolution"
	MethodSimulate        = "Simulate"
	MethodFinalSizes      = "FinalSizes"
	MethodBuildRiskGrid   = "BuildRiskGrid"
	MethodCalibrate       = "Calibrate"
	MethodCalibrateRegion = "CalibrateRegion"
)

// EpidemicServer is the server API for EpidemicService. Requests and
// responses are google.protobuf.Struct documents shaped like the types in
// internal/models.
type EpidemicServer interface {
	ModelSolution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Simulate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FinalSizes(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BuildRiskGrid(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Calibrate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CalibrateRegion(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(EpidemicServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EpidemicServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(EpidemicServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes EpidemicService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EpidemicServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodModelSolution, EpidemicServer.ModelSolution),
		unaryMethod(MethodSimulate, EpidemicServer.Simulate),
		unaryMethod(MethodFinalSizes, EpidemicServer.FinalSizes),
		unaryMethod(MethodBuildRiskGrid, EpidemicServer.BuildRiskGrid),
		unaryMethod(MethodCalibrate, EpidemicServer.Calibrate),
		unaryMethod(MethodCalibrateRegion, EpidemicServer.CalibrateRegion),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "seirisk/v1/epidemic.proto",
}

// RegisterEpidemicServer registers srv with s.
func RegisterEpidemicServer(s grpc.ServiceRegistrar, srv EpidemicServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the "/service/method" path of an EpidemicService method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// EpidemicClient calls EpidemicService over a client connection.
type EpidemicClient struct {
	cc grpc.ClientConnInterface
}

// NewEpidemicClient wraps cc.
func NewEpidemicClient(cc grpc.ClientConnInterface) *EpidemicClient {
	return &EpidemicClient{cc: cc}
}

// Invoke calls method with in and returns the response document.
func (c *EpidemicClient) Invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EpidemicClient) ModelSolution(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Invoke(ctx, MethodModelSolution, in, opts...)
}

func (c *EpidemicClient) Simulate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Invoke(ctx, MethodSimulate, in, opts...)
}

func (c *EpidemicClient) FinalSizes(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Invoke(ctx, MethodFinalSizes, in, opts...)
}

func (c *EpidemicClient) BuildRiskGrid(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Invoke(ctx, MethodBuildRiskGrid, in, opts...)
}

func (c *EpidemicClient) Calibrate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Invoke(ctx, MethodCalibrate, in, opts...)
}

func (c *EpidemicClient) CalibrateRegion(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Invoke(ctx, MethodCalibrateRegion, in, opts...)
}
