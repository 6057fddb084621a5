// Package wsbridge assembles the components of the bridge.
//
// On the client side, [NewClient] builds a single transport which tunnels gRPC calls of all shapes
// over one reconnecting WebSocket channel, optionally performing unary calls using gRPC-Web over plain HTTP.
// On the server side, [WebBridge] terminates both protocols and forwards the calls to gRPC backends.
package wsbridge

import (
	"github.com/renbou/wsbridge/bridgelog"
	"github.com/renbou/wsbridge/grpcadapter"
)

// Option configures common wsbridge options, such as the logger.
type Option interface {
	ForwarderOption
	BridgeOption
	ProxyOption
	ClientOption
}

// WithLogger configures the logger to be used by wsbridge components. By default all logs are discarded.
//
// Taking the full Logger interface allows you to configure all functionality however you want,
// however you can also use [bridgelog.WrapPlainLogger] to wrap a basic logger such as [slog.Logger].
func WithLogger(logger bridgelog.Logger) Option {
	return newFuncOption(func(o *options) {
		o.logger = logger
	})
}

// WithForwarder configures the gRPC call forwarder to be used by [GRPCProxy] or [WebBridge].
// By default each of these components would create their own [Forwarder] with default options.
//
// The default wsbridge [Forwarder] can be customized using [ForwarderOption]s,
// and passed using this option to [NewGRPCProxy] or [NewWebBridge].
func WithForwarder(forwarder grpcadapter.Forwarder) Option {
	return newFuncOption(func(o *options) {
		o.forwarder = forwarder
	})
}

type options struct {
	logger    bridgelog.Logger
	forwarder grpcadapter.Forwarder
}

func (o *options) forwarderOrDefault() grpcadapter.Forwarder {
	if o.forwarder == nil {
		return NewForwarder()
	}

	return o.forwarder
}

func defaultOptions() options {
	return options{logger: bridgelog.Discard()}
}

type funcOption struct {
	f func(*options)
}

func (f *funcOption) applyForwarder(o *forwarderOptions) {
	f.f(&o.common)
}

func (f *funcOption) applyBridge(o *bridgeOptions) {
	f.f(&o.common)
}

func (f *funcOption) applyProxy(o *proxyOptions) {
	f.f(&o.common)
}

func (f *funcOption) applyClient(o *clientOptions) {
	f.f(&o.common)
}

func newFuncOption(f func(*options)) Option {
	return &funcOption{f: f}
}

var _ grpcadapter.Forwarder = (*Forwarder)(nil)
