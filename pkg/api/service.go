// Package api exposes an engine over gRPC. Requests and responses are well-known
// protobuf types, so the service is described by hand rather than generated.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "texturenet.v1.GraphService"

// GraphServiceServer is the server side of the graph service.
type GraphServiceServer interface {
	// Load builds a graph from a model description encoded as a Struct.
	Load(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	// Evaluate ticks until no node can make progress and returns the status counts.
	Evaluate(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Tick(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Inspect(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetNode(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SetInput(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetOutput(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Reset(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func RegisterGraphServiceServer(s grpc.ServiceRegistrar, srv GraphServiceServer) {
	s.RegisterService(&graphServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req any](method string, call func(GraphServiceServer, context.Context, *Req) (any, error)) grpc.MethodDesc {
	handler := func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GraphServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(GraphServiceServer), ctx, req.(*Req))
		})
	}
	return grpc.MethodDesc{MethodName: method, Handler: handler}
}

var graphServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GraphServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Load", func(s GraphServiceServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.Load(ctx, in)
		}),
		unary("Evaluate", func(s GraphServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.Evaluate(ctx, in)
		}),
		unary("Tick", func(s GraphServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.Tick(ctx, in)
		}),
		unary("Inspect", func(s GraphServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.Inspect(ctx, in)
		}),
		unary("GetNode", func(s GraphServiceServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.GetNode(ctx, in)
		}),
		unary("SetInput", func(s GraphServiceServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.SetInput(ctx, in)
		}),
		unary("GetOutput", func(s GraphServiceServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.GetOutput(ctx, in)
		}),
		unary("Reset", func(s GraphServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.Reset(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "texturenet/v1/graph.proto",
}
