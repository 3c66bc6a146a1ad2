package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the queue admin service.
const ServiceName = "airchainpay.admin.v1.QueueAdmin"

// Method names of QueueAdmin.
const (
	MethodListQueued    = "ListQueued"
	MethodRecordBalance = "RecordBalance"
	MethodRecordNonce   = "RecordNonce"
	MethodDrain         = "Drain"
)

// QueueAdminServer is the server side of QueueAdmin. Every message is a structpb.Struct.
type QueueAdminServer interface {
	ListQueued(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordNonce(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Drain(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(QueueAdminServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(method string, pick unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := pick(srv.(QueueAdminServer))
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(ctx, req.(*structpb.Struct))
		})
	}
}

// QueueAdminServiceDesc describes QueueAdmin for grpc.Server.RegisterService.
var QueueAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodListQueued, Handler: handler(MethodListQueued, func(s QueueAdminServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.ListQueued
		})},
		{MethodName: MethodRecordBalance, Handler: handler(MethodRecordBalance, func(s QueueAdminServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.RecordBalance
		})},
		{MethodName: MethodRecordNonce, Handler: handler(MethodRecordNonce, func(s QueueAdminServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.RecordNonce
		})},
		{MethodName: MethodDrain, Handler: handler(MethodDrain, func(s QueueAdminServer) func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return s.Drain
		})},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterQueueAdminServer registers srv on s.
func RegisterQueueAdminServer(s grpc.ServiceRegistrar, srv QueueAdminServer) {
	s.RegisterService(&QueueAdminServiceDesc, srv)
}

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// QueueAdminClient calls QueueAdmin over a client connection.
type QueueAdminClient struct {
	cc grpc.ClientConnInterface
}

// NewQueueAdminClient constructs a QueueAdminClient.
func NewQueueAdminClient(cc grpc.ClientConnInterface) *QueueAdminClient {
	return &QueueAdminClient{cc: cc}
}

func (c *QueueAdminClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListQueued calls QueueAdmin.ListQueued.
func (c *QueueAdminClient) ListQueued(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodListQueued, in, opts...)
}

// RecordBalance calls QueueAdmin.RecordBalance.
func (c *QueueAdminClient) RecordBalance(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRecordBalance, in, opts...)
}

// RecordNonce calls QueueAdmin.RecordNonce.
func (c *QueueAdminClient) RecordNonce(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRecordNonce, in, opts...)
}

// Drain calls QueueAdmin.Drain.
func (c *QueueAdminClient) Drain(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodDrain, in, opts...)
}
