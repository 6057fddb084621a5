// Package grpcproxy implements a native gRPC entrypoint forwarding calls to the same backends as the web bridges.
package grpcproxy

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/bridgelog"
	"github.com/renbou/wsbridge/grpcadapter"
	"github.com/renbou/wsbridge/internal/rpcutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Assertion to make sure that Handler can be registered as valid gRPC stream handler.
var _ grpc.StreamHandler = (*Server)(nil).Handler

// ServerOpts define all the optional settings which can be set for [Server].
type ServerOpts struct {
	// Logs are discarded by default.
	Logger bridgelog.Logger

	// If not set, the default [grpcadapter.ProxyForwarder] is created with default options.
	Forwarder grpcadapter.Forwarder
}

func (o ServerOpts) withDefaults() ServerOpts {
	if o.Logger == nil {
		o.Logger = bridgelog.Discard()
	}

	if o.Forwarder == nil {
		o.Forwarder = grpcadapter.NewProxyForwarder(grpcadapter.ProxyForwarderOpts{})
	}

	return o
}

// Server forwards all the calls of a gRPC server to the connections of a pool.
// Its Handler must be registered using [grpc.UnknownServiceHandler] on a server created with [grpcadapter.ServerCodecOption].
type Server struct {
	logger    bridgelog.Logger
	pool      grpcadapter.ClientPool
	forwarder grpcadapter.Forwarder
}

// NewServer initializes a new [Server] forwarding calls to the connections of the pool.
func NewServer(pool grpcadapter.ClientPool, opts ServerOpts) *Server {
	opts = opts.withDefaults()

	return &Server{
		logger:    opts.Logger.WithComponent("wsbridge.proxy"),
		pool:      pool,
		forwarder: opts.Forwarder,
	}
}

// Handler forwards a single call, and can be used as a [grpc.StreamHandler].
func (s *Server) Handler(_ any, incoming grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(incoming)
	if !ok {
		s.logger.Error("no method name in stream context, unable to route request")
		return status.Errorf(codes.Internal, "no method name in stream context, unable to route request")
	}

	method, err := bridgedesc.ParseFullMethod(fullMethod)
	if err != nil {
		return status.Error(codes.Unimplemented, err.Error())
	}

	conn, ok := s.pool.Get(method.Service)
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown service %s", method.Service)
	}

	logger := s.logger.With("grpc.method", fullMethod)
	logger.Debug("began proxying gRPC stream")

	ctx := incoming.Context()
	md, _ := metadata.FromIncomingContext(ctx)

	err = s.forwarder.Forward(metadata.NewIncomingContext(ctx, encodeBinValues(md)), grpcadapter.ForwardParams{
		Method:   bridgedesc.DummyMethod(method.Service, method.Name),
		Incoming: &serverStream{stream: incoming},
		Outgoing: conn,
	})

	logger.Debug("ended proxying gRPC stream", "error", err)

	return err
}

// encodeBinValues encodes binary values the way web clients send them, since the forwarder's filter expects them base64-encoded.
func encodeBinValues(md metadata.MD) metadata.MD {
	out := make(metadata.MD, len(md))

	for k, v := range md {
		if !strings.HasSuffix(k, "-bin") {
			out[k] = v
			continue
		}

		encoded := make([]string, len(v))
		for i := range v {
			encoded[i] = base64.StdEncoding.EncodeToString([]byte(v[i]))
		}

		out[k] = encoded
	}

	return out
}

// serverStream adapts a gRPC server stream to [grpcadapter.ServerStream].
type serverStream struct {
	stream grpc.ServerStream
}

func (s *serverStream) Recv(ctx context.Context, msg *grpcadapter.RawMessage) error {
	return withCtx(ctx, func() error { return s.stream.RecvMsg(msg) })
}

// Send is synchronous, since SendMsg must not be called after the handler returns.
// It still returns once the client cancels the call.
func (s *serverStream) Send(_ context.Context, msg *grpcadapter.RawMessage) error {
	return s.stream.SendMsg(msg)
}

func (s *serverStream) SetHeader(md metadata.MD) {
	_ = s.stream.SetHeader(md)
}

func (s *serverStream) SetTrailer(md metadata.MD) {
	s.stream.SetTrailer(md)
}

// withCtx runs f in a separate goroutine, returning early if ctx is done before f returns.
// f keeps running until the handler returns and the stream is canceled by gRPC.
func withCtx(ctx context.Context, f func() error) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- f()
	}()

	select {
	case <-ctx.Done():
		return rpcutil.ContextError(ctx.Err())
	case err := <-errChan:
		return err
	}
}
