package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName = "penumbra.v1.Worker"

	methodGet     = "/penumbra.v1.Worker/Get"
	methodEncrypt = "/penumbra.v1.Worker/Encrypt"
	methodDecrypt = "/penumbra.v1.Worker/Decrypt"
	methodSetup   = "/penumbra.v1.Worker/Setup"
	methodChannel = "/penumbra.v1.Worker/Channel"
)

// EventStream is the worker's sending half of the Setup stream.
type EventStream interface {
	Send(*JobEvent) error
	Context() context.Context
}

// FrameStream is the worker's view of one bound Channel stream.
type FrameStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	Context() context.Context
}

// WorkerServer is the remote-callable surface the worker context exposes.
// Every argument crossing the boundary is a plain serializable value or an
// endpoint token; there is no shared memory.
type WorkerServer interface {
	Get(context.Context, *GetRequest) (*Accepted, error)
	Encrypt(context.Context, *TransformRequest) (*Accepted, error)
	Decrypt(context.Context, *TransformRequest) (*Accepted, error)
	Setup(*SetupRequest, EventStream) error
	Channel(FrameStream) error
}

// RegisterWorkerServer registers srv on a gRPC server. The server must be
// constructed with grpc.ForceServerCodec(Codec{}).
func RegisterWorkerServer(s *grpc.Server, srv WorkerServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

// The service descriptor is registered by hand: the surface is five methods
// and the wire format is CBOR, so there is no generated code to lean on.
var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Encrypt", Handler: encryptHandler},
		{MethodName: "Decrypt", Handler: decryptHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Setup", Handler: setupHandler, ServerStreams: true},
		{StreamName: "Channel", Handler: channelHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "penumbra/v1/worker",
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGet}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func encryptHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TransformRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Encrypt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEncrypt}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Encrypt(ctx, req.(*TransformRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func decryptHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TransformRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Decrypt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDecrypt}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Decrypt(ctx, req.(*TransformRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type eventSender struct {
	grpc.ServerStream
}

func (s eventSender) Send(e *JobEvent) error { return s.SendMsg(e) }

func setupHandler(srv any, stream grpc.ServerStream) error {
	in := new(SetupRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WorkerServer).Setup(in, eventSender{stream})
}

type serverFrameStream struct {
	grpc.ServerStream
}

func (s serverFrameStream) Send(f *Frame) error { return s.SendMsg(f) }

func (s serverFrameStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerServer).Channel(serverFrameStream{stream})
}
