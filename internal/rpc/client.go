package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client wraps a gRPC connection to a worker with typed calls. All calls
// force the CBOR codec.
type Client struct {
	cc *grpc.ClientConn
}

func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func callOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.ForceCodec(Codec{})}
}

func (c *Client) Get(ctx context.Context, req *GetRequest) (*Accepted, error) {
	out := new(Accepted)
	if err := c.cc.Invoke(ctx, methodGet, req, out, callOptions()...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Encrypt(ctx context.Context, req *TransformRequest) (*Accepted, error) {
	out := new(Accepted)
	if err := c.cc.Invoke(ctx, methodEncrypt, req, out, callOptions()...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Decrypt(ctx context.Context, req *TransformRequest) (*Accepted, error) {
	out := new(Accepted)
	if err := c.cc.Invoke(ctx, methodDecrypt, req, out, callOptions()...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventReceiver is the caller's receiving half of the Setup stream.
type EventReceiver interface {
	Recv() (*JobEvent, error)
}

type eventReceiver struct {
	grpc.ClientStream
}

func (r eventReceiver) Recv() (*JobEvent, error) {
	e := new(JobEvent)
	if err := r.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Setup opens the worker's event stream. WaitForReady lets the call block
// while a freshly spawned worker process finishes starting up; bound the
// wait with ctx.
func (c *Client) Setup(ctx context.Context, req *SetupRequest) (EventReceiver, error) {
	desc := &grpc.StreamDesc{StreamName: "Setup", ServerStreams: true}
	opts := append(callOptions(), grpc.WaitForReady(true))
	s, err := c.cc.NewStream(ctx, desc, methodSetup, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.SendMsg(req); err != nil {
		return nil, err
	}
	if err := s.CloseSend(); err != nil {
		return nil, err
	}
	return eventReceiver{s}, nil
}

// ClientFrameStream is the caller's view of one bound Channel stream.
type ClientFrameStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	CloseSend() error
}

type clientFrameStream struct {
	grpc.ClientStream
}

func (s clientFrameStream) Send(f *Frame) error { return s.SendMsg(f) }

func (s clientFrameStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Channel opens a frame stream to bind one transferred endpoint. The caller
// must send the bind frame first.
func (c *Client) Channel(ctx context.Context) (ClientFrameStream, error) {
	desc := &grpc.StreamDesc{StreamName: "Channel", ServerStreams: true, ClientStreams: true}
	s, err := c.cc.NewStream(ctx, desc, methodChannel, callOptions()...)
	if err != nil {
		return nil, err
	}
	return clientFrameStream{s}, nil
}
