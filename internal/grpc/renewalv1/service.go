package renewalv1

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// CodecName is the content-subtype of every call: application/grpc+json.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const ServiceName = "renewal.v1.RenewalEngine"

const (
	RenewalEngine_EstimateReproduction_FullMethodName = "/renewal.v1.RenewalEngine/EstimateReproduction"
	RenewalEngine_ProjectIncidence_FullMethodName     = "/renewal.v1.RenewalEngine/ProjectIncidence"
	RenewalEngine_FitSerialInterval_FullMethodName    = "/renewal.v1.RenewalEngine/FitSerialInterval"
	RenewalEngine_FitGrowth_FullMethodName            = "/renewal.v1.RenewalEngine/FitGrowth"
	RenewalEngine_GetSnapshot_FullMethodName          = "/renewal.v1.RenewalEngine/GetSnapshot"
	RenewalEngine_HealthCheck_FullMethodName          = "/renewal.v1.RenewalEngine/HealthCheck"
)

// RenewalEngineServer is the server API for the RenewalEngine service.
type RenewalEngineServer interface {
	EstimateReproduction(context.Context, *EstimateRequest) (*EstimateResponse, error)
	ProjectIncidence(context.Context, *ProjectRequest) (*ProjectResponse, error)
	FitSerialInterval(context.Context, *FitSerialIntervalRequest) (*FitSerialIntervalResponse, error)
	FitGrowth(context.Context, *FitGrowthRequest) (*FitGrowthResponse, error)
	GetSnapshot(context.Context, *GetSnapshotRequest) (*GetSnapshotResponse, error)
	HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error)
}

// UnimplementedRenewalEngineServer answers every method with codes.Unimplemented.
type UnimplementedRenewalEngineServer struct{}

func (UnimplementedRenewalEngineServer) EstimateReproduction(context.Context, *EstimateRequest) (*EstimateResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method EstimateReproduction not implemented")
}
func (UnimplementedRenewalEngineServer) ProjectIncidence(context.Context, *ProjectRequest) (*ProjectResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ProjectIncidence not implemented")
}
func (UnimplementedRenewalEngineServer) FitSerialInterval(context.Context, *FitSerialIntervalRequest) (*FitSerialIntervalResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method FitSerialInterval not implemented")
}
func (UnimplementedRenewalEngineServer) FitGrowth(context.Context, *FitGrowthRequest) (*FitGrowthResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method FitGrowth not implemented")
}
func (UnimplementedRenewalEngineServer) GetSnapshot(context.Context, *GetSnapshotRequest) (*GetSnapshotResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetSnapshot not implemented")
}
func (UnimplementedRenewalEngineServer) HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HealthCheck not implemented")
}

// RegisterRenewalEngineServer registers srv on s.
func RegisterRenewalEngineServer(s grpc.ServiceRegistrar, srv RenewalEngineServer) {
	s.RegisterService(&RenewalEngine_ServiceDesc, srv)
}

// unary adapts a typed server method to the handler signature of grpc.MethodDesc.
func unary[Req, Resp any](fullMethod string, call func(RenewalEngineServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RenewalEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RenewalEngineServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RenewalEngine_ServiceDesc is the grpc.ServiceDesc for the RenewalEngine service.
var RenewalEngine_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RenewalEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "EstimateReproduction",
			Handler:    unary(RenewalEngine_EstimateReproduction_FullMethodName, RenewalEngineServer.EstimateReproduction),
		},
		{
			MethodName: "ProjectIncidence",
			Handler:    unary(RenewalEngine_ProjectIncidence_FullMethodName, RenewalEngineServer.ProjectIncidence),
		},
		{
			MethodName: "FitSerialInterval",
			Handler:    unary(RenewalEngine_FitSerialInterval_FullMethodName, RenewalEngineServer.FitSerialInterval),
		},
		{
			MethodName: "FitGrowth",
			Handler:    unary(RenewalEngine_FitGrowth_FullMethodName, RenewalEngineServer.FitGrowth),
		},
		{
			MethodName: "GetSnapshot",
			Handler:    unary(RenewalEngine_GetSnapshot_FullMethodName, RenewalEngineServer.GetSnapshot),
		},
		{
			MethodName: "HealthCheck",
			Handler:    unary(RenewalEngine_HealthCheck_FullMethodName, RenewalEngineServer.HealthCheck),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "renewal/v1/renewal.json",
}

// RenewalEngineClient is the client API for the RenewalEngine service.
type RenewalEngineClient interface {
	EstimateReproduction(ctx context.Context, in *EstimateRequest, opts ...grpc.CallOption) (*EstimateResponse, error)
	ProjectIncidence(ctx context.Context, in *ProjectRequest, opts ...grpc.CallOption) (*ProjectResponse, error)
	FitSerialInterval(ctx context.Context, in *FitSerialIntervalRequest, opts ...grpc.CallOption) (*FitSerialIntervalResponse, error)
	FitGrowth(ctx context.Context, in *FitGrowthRequest, opts ...grpc.CallOption) (*FitGrowthResponse, error)
	GetSnapshot(ctx context.Context, in *GetSnapshotRequest, opts ...grpc.CallOption) (*GetSnapshotResponse, error)
	HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type renewalEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewRenewalEngineClient returns a client that sends every call with the JSON codec.
func NewRenewalEngineClient(cc grpc.ClientConnInterface) RenewalEngineClient {
	return &renewalEngineClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *renewalEngineClient) EstimateReproduction(ctx context.Context, in *EstimateRequest, opts ...grpc.CallOption) (*EstimateResponse, error) {
	return invoke[EstimateResponse](ctx, c.cc, RenewalEngine_EstimateReproduction_FullMethodName, in, opts)
}

func (c *renewalEngineClient) ProjectIncidence(ctx context.Context, in *ProjectRequest, opts ...grpc.CallOption) (*ProjectResponse, error) {
	return invoke[ProjectResponse](ctx, c.cc, RenewalEngine_ProjectIncidence_FullMethodName, in, opts)
}

func (c *renewalEngineClient) FitSerialInterval(ctx context.Context, in *FitSerialIntervalRequest, opts ...grpc.CallOption) (*FitSerialIntervalResponse, error) {
	return invoke[FitSerialIntervalResponse](ctx, c.cc, RenewalEngine_FitSerialInterval_FullMethodName, in, opts)
}

func (c *renewalEngineClient) FitGrowth(ctx context.Context, in *FitGrowthRequest, opts ...grpc.CallOption) (*FitGrowthResponse, error) {
	return invoke[FitGrowthResponse](ctx, c.cc, RenewalEngine_FitGrowth_FullMethodName, in, opts)
}

func (c *renewalEngineClient) GetSnapshot(ctx context.Context, in *GetSnapshotRequest, opts ...grpc.CallOption) (*GetSnapshotResponse, error) {
	return invoke[GetSnapshotResponse](ctx, c.cc, RenewalEngine_GetSnapshot_FullMethodName, in, opts)
}

func (c *renewalEngineClient) HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	return invoke[HealthResponse](ctx, c.cc, RenewalEngine_HealthCheck_FullMethodName, in, opts)
}
