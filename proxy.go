package wsbridge

import (
	"github.com/renbou/wsbridge/grpcadapter"
	"github.com/renbou/wsbridge/grpcproxy"
	"google.golang.org/grpc"
)

var _ grpc.StreamHandler = (*GRPCProxy)(nil).StreamHandler

// ProxyOption configures gRPC proxying options.
type ProxyOption interface {
	applyProxy(*proxyOptions)
}

// GRPCProxy is a basic gRPC proxy forwarding native gRPC calls to the same backends as [WebBridge],
// which allows serving both web and regular gRPC clients from one process.
// It should be registered with a [grpc.Server] as a [grpc.UnknownServiceHandler] along with the raw codec,
// which is precisely what the [GRPCProxy.AsServerOptions] helper method returns.
type GRPCProxy struct {
	server *grpcproxy.Server
}

// NewGRPCProxy constructs a new [*GRPCProxy] forwarding calls to the connections of the pool.
// By default, a new [Forwarder] is created with default options, but [WithForwarder] can be used to specify a custom call forwarder.
func NewGRPCProxy(pool grpcadapter.ClientPool, opts ...ProxyOption) *GRPCProxy {
	options := defaultProxyOptions()

	for _, opt := range opts {
		opt.applyProxy(&options)
	}

	return &GRPCProxy{
		server: grpcproxy.NewServer(pool, grpcproxy.ServerOpts{
			Logger:    options.common.logger,
			Forwarder: options.common.forwarderOrDefault(),
		}),
	}
}

// AsServerOptions returns the [grpc.ServerOption]s registering this proxy with a gRPC server
// as the handler of all unknown services. Services registered on the same server are still served normally.
func (s *GRPCProxy) AsServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnknownServiceHandler(s.StreamHandler),
		grpcadapter.ServerCodecOption(),
	}
}

// StreamHandler allows proxying any incoming gRPC streams.
func (s *GRPCProxy) StreamHandler(srv any, incoming grpc.ServerStream) error {
	return s.server.Handler(srv, incoming)
}

type proxyOptions struct {
	common options
}

func defaultProxyOptions() proxyOptions {
	return proxyOptions{
		common: defaultOptions(),
	}
}
