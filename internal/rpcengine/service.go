package rpcengine

import (
	"context"

	"google.golang.org/grpc"
)

// QueryEngineServer is what cmd/queryengine implements to serve the two
// query operations over gRPC.
type QueryEngineServer interface {
	Exec(context.Context, *ExecRequest) (*ExecResponse, error)
	QueryExemplars(context.Context, *ExecRequest) (*ExecResponse, error)
}

const serviceName = "metricquery.v1.QueryEngine"

func execHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(ExecRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryEngineServer).Exec(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Exec"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueryEngineServer).Exec(ctx, req.(*ExecRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func queryExemplarsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(ExecRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryEngineServer).QueryExemplars(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/QueryExemplars"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueryEngineServer).QueryExemplars(ctx, req.(*ExecRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a service with two unary RPCs, Exec and QueryExemplars.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*QueryEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exec", Handler: execHandler},
		{MethodName: "QueryExemplars", Handler: queryExemplarsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpcengine/service.go",
}

// RegisterQueryEngineServer registers srv on s, the same call shape
// generated RegisterXServer functions have.
func RegisterQueryEngineServer(s *grpc.Server, srv QueryEngineServer) {
	s.RegisterService(&serviceDesc, srv)
}

// QueryEngineClient is the client side of QueryEngineServer.
type QueryEngineClient interface {
	Exec(ctx context.Context, in *ExecRequest, opts ...grpc.CallOption) (*ExecResponse, error)
	QueryExemplars(ctx context.Context, in *ExecRequest, opts ...grpc.CallOption) (*ExecResponse, error)
}

type queryEngineClient struct {
	cc *grpc.ClientConn
}

// NewQueryEngineClient wraps cc for calling a QueryEngineServer.
func NewQueryEngineClient(cc *grpc.ClientConn) QueryEngineClient {
	return &queryEngineClient{cc: cc}
}

func (c *queryEngineClient) Exec(ctx context.Context, in *ExecRequest, opts ...grpc.CallOption) (*ExecResponse, error) {
	out := new(ExecResponse)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Exec", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queryEngineClient) QueryExemplars(ctx context.Context, in *ExecRequest, opts ...grpc.CallOption) (*ExecResponse, error) {
	out := new(ExecResponse)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/QueryExemplars", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
