package wsbridge

import (
	"context"

	"github.com/renbou/wsbridge/grpcadapter"
)

// ForwarderOption configures a [Forwarder].
type ForwarderOption interface {
	applyForwarder(o *forwarderOptions)
}

// Forwarder is the default [grpcadapter.Forwarder] used by [WebBridge].
// It proxies calls as raw byte streams, forwarding only the metadata keys allowed by its options.
type Forwarder struct {
	pf *grpcadapter.ProxyForwarder
}

// NewForwarder constructs a new [Forwarder]. By default no metadata is forwarded apart from grpc-timeout.
func NewForwarder(opts ...ForwarderOption) *Forwarder {
	options := defaultForwarderOptions()

	for _, opt := range opts {
		opt.applyForwarder(&options)
	}

	filter := grpcadapter.NewProxyMDFilter(options.mdFilterOpts)
	pf := grpcadapter.NewProxyForwarder(grpcadapter.ProxyForwarderOpts{
		Filter: filter,
	})

	return &Forwarder{pf: pf}
}

// Forward implements [grpcadapter.Forwarder].
func (f *Forwarder) Forward(ctx context.Context, params grpcadapter.ForwardParams) error {
	return f.pf.Forward(ctx, params)
}

// WithRequestMetadata allows forwarding the specified request metadata keys to the backends.
// [grpcadapter.AllowAll] can be used to forward all keys apart from the reserved ones.
func WithRequestMetadata(keys ...string) ForwarderOption {
	return newFuncForwarderOption(func(o *forwarderOptions) {
		o.mdFilterOpts.AllowRequestMD = append(o.mdFilterOpts.AllowRequestMD, keys...)
	})
}

// WithResponseMetadata allows forwarding the specified response header keys to the clients.
func WithResponseMetadata(keys ...string) ForwarderOption {
	return newFuncForwarderOption(func(o *forwarderOptions) {
		o.mdFilterOpts.AllowResponseMD = append(o.mdFilterOpts.AllowResponseMD, keys...)
	})
}

// WithTrailerMetadata allows forwarding the specified response trailer keys to the clients.
func WithTrailerMetadata(keys ...string) ForwarderOption {
	return newFuncForwarderOption(func(o *forwarderOptions) {
		o.mdFilterOpts.AllowTrailerMD = append(o.mdFilterOpts.AllowTrailerMD, keys...)
	})
}

type forwarderOptions struct {
	common       options
	mdFilterOpts grpcadapter.ProxyMDFilterOpts
}

func defaultForwarderOptions() forwarderOptions {
	return forwarderOptions{common: defaultOptions()}
}

type funcForwarderOption struct {
	f func(*forwarderOptions)
}

func (f *funcForwarderOption) applyForwarder(o *forwarderOptions) {
	f.f(o)
}

func newFuncForwarderOption(f func(*forwarderOptions)) ForwarderOption {
	return &funcForwarderOption{f: f}
}
