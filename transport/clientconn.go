package transport

import (
	"context"
	"io"
	"sync"

	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/bridgemd"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ClientConn implements [grpc.ClientConnInterface] over a [Transport],
// allowing generated gRPC clients to perform calls through wsbridge transports.
//
// Outgoing context metadata is sent as the request metadata, and the [grpc.Header], [grpc.Trailer]
// and [grpc.ForceCodec] call options are supported. Other call options are ignored.
type ClientConn struct {
	transport Transport
}

var _ grpc.ClientConnInterface = (*ClientConn)(nil)

// NewClientConn creates a new ClientConn performing calls using the specified transport.
func NewClientConn(transport Transport) *ClientConn {
	return &ClientConn{transport: transport}
}

// Invoke performs a unary call.
func (cc *ClientConn) Invoke(ctx context.Context, fullMethod string, args any, reply any, opts ...grpc.CallOption) error {
	method, err := parseMethod(fullMethod, false, false)
	if err != nil {
		return err
	}

	call := cc.transport.Unary(ctx, method, args, cc.callOptions(ctx, opts))
	err = call.Response(ctx, reply)
	applyCallOptions(ctx, call.callState, opts)

	return err
}

// NewStream starts a streaming call of the shape described by desc.
// Calls without client streaming are started once the single request is sent using SendMsg.
func (cc *ClientConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, fullMethod string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	method, err := parseMethod(fullMethod, desc.ClientStreams, desc.ServerStreams)
	if err != nil {
		return nil, err
	}

	s := &clientStream{ctx: ctx, grpcOpts: opts}
	callOpts := cc.callOptions(ctx, opts)

	switch method.Kind() {
	case bridgedesc.KindUnary:
		s.start = func(msg any) {
			call := cc.transport.Unary(ctx, method, msg, callOpts)
			s.state = call.callState
			s.recvFn = singleResponse(call.Response)
		}
	case bridgedesc.KindServerStreaming:
		s.start = func(msg any) {
			call := cc.transport.ServerStreaming(ctx, method, msg, callOpts)
			s.state = call.callState
			s.recvFn = call.Recv
		}
	case bridgedesc.KindClientStreaming:
		call := cc.transport.ClientStreaming(ctx, method, callOpts)
		s.state = call.callState
		s.recvFn = singleResponse(call.Response)
	case bridgedesc.KindDuplexStreaming:
		call := cc.transport.DuplexStreaming(ctx, method, callOpts)
		s.state = call.callState
		s.recvFn = call.Recv
	}

	return s, nil
}

func (cc *ClientConn) callOptions(ctx context.Context, opts []grpc.CallOption) CallOptions {
	var callOpts []CallOption

	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		callOpts = append(callOpts, WithMetadata(bridgemd.FromGRPC(md)))
	}

	for _, opt := range opts {
		if o, ok := opt.(grpc.ForceCodecCallOption); ok {
			callOpts = append(callOpts, WithCodec(o.Codec))
		}
	}

	return cc.transport.MergeOptions(callOpts...)
}

func parseMethod(fullMethod string, clientStreams, serverStreams bool) (*bridgedesc.Method, error) {
	method, err := bridgedesc.ParseFullMethod(fullMethod)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	method.ClientStreaming = clientStreams
	method.ServerStreaming = serverStreams

	return &method, nil
}

// applyCallOptions fills the header and trailer call options once the call has ended.
func applyCallOptions(ctx context.Context, state *callState, opts []grpc.CallOption) {
	for _, opt := range opts {
		switch o := opt.(type) {
		case grpc.HeaderCallOption:
			md, _ := state.Header(ctx)
			*o.HeaderAddr = md.ToGRPC()
		case grpc.TrailerCallOption:
			md, _ := state.Trailer(ctx)
			*o.TrailerAddr = md.ToGRPC()
		}
	}
}

func singleResponse(response func(context.Context, any) error) func(context.Context, any) error {
	received := false

	return func(ctx context.Context, msg any) error {
		if received {
			return io.EOF
		}

		received = true

		return response(ctx, msg)
	}
}

// clientStream adapts the call objects to [grpc.ClientStream].
type clientStream struct {
	ctx      context.Context
	grpcOpts []grpc.CallOption

	// start is set for calls which begin with the first SendMsg.
	start  func(msg any)
	state  *callState
	recvFn func(ctx context.Context, msg any) error

	finishOnce sync.Once
}

var errNotStarted = status.Error(codes.Internal, "wsbridge: stream used before sending the request message")

func (s *clientStream) Header() (metadata.MD, error) {
	if s.state == nil {
		return nil, errNotStarted
	}

	md, err := s.state.Header(s.ctx)
	if err != nil {
		return nil, err
	}

	return md.ToGRPC(), nil
}

func (s *clientStream) Trailer() metadata.MD {
	if s.state == nil {
		return nil
	}

	select {
	case <-s.state.Done():
		md, _ := s.state.Trailer(s.ctx)
		return md.ToGRPC()
	default:
		return nil
	}
}

func (s *clientStream) CloseSend() error {
	if s.start != nil {
		return nil
	}

	return s.state.closeSend()
}

func (s *clientStream) Context() context.Context {
	return s.ctx
}

func (s *clientStream) SendMsg(m any) error {
	if s.start != nil {
		if s.state != nil {
			return status.Error(codes.Internal, "wsbridge: multiple request messages sent for a call without client streaming")
		}

		s.start(m)
		return nil
	}

	return s.state.send(m)
}

func (s *clientStream) RecvMsg(m any) error {
	if s.state == nil {
		return errNotStarted
	}

	err := s.recvFn(s.ctx, m)
	if err != nil {
		s.finishOnce.Do(func() { applyCallOptions(s.ctx, s.state, s.grpcOpts) })
	}

	return err
}
