package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gotothemoon.v1.Execution"

// ExecutionServer is the operations surface of a running trader. Payloads
// use protobuf well-known types; structured results are JSON-shaped
// structpb values.
type ExecutionServer interface {
	// GetPortfolio returns cash, positions, marks and equity.
	GetPortfolio(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ListOrders returns {"orders": [...]}, optionally filtered by state.
	ListOrders(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// GetOrder returns one order by id.
	GetOrder(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// CancelOrder requests cancellation of one order.
	CancelOrder(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// CancelAll requests cancellation of every open order and returns how
	// many were open.
	CancelAll(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
	// ListOrphans returns {"orphans": [...]}.
	ListOrphans(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// GetStats returns engine counters.
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterExecutionServer registers srv on s.
func RegisterExecutionServer(s grpc.ServiceRegistrar, srv ExecutionServer) {
	s.RegisterService(&executionServiceDesc, srv)
}

var executionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetPortfolio", newEmpty, ExecutionServer.GetPortfolio),
		unary("ListOrders", newString, ExecutionServer.ListOrders),
		unary("GetOrder", newString, ExecutionServer.GetOrder),
		unary("CancelOrder", newString, ExecutionServer.CancelOrder),
		unary("CancelAll", newEmpty, ExecutionServer.CancelAll),
		unary("ListOrphans", newEmpty, ExecutionServer.ListOrphans),
		unary("GetStats", newEmpty, ExecutionServer.GetStats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gotothemoon/v1/execution.proto",
}

func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

// unary builds the method descriptor that protoc-gen-go-grpc would generate
// for a unary call.
func unary[Req proto.Message, Resp proto.Message](
	name string,
	newReq func() Req,
	call func(ExecutionServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ExecutionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ExecutionServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
