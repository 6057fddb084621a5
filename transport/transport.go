package transport

import (
	"context"

	"github.com/renbou/wsbridge/bridgedesc"
)

// UnaryTransport performs unary calls.
// Transports never return errors directly, instead they are reported through the returned call objects.
type UnaryTransport interface {
	Unary(ctx context.Context, method *bridgedesc.Method, input any, opts CallOptions) *UnaryCall
}

// StreamingTransport performs the streaming call shapes.
type StreamingTransport interface {
	// MergeOptions returns the transport's default options with opts applied on top.
	MergeOptions(opts ...CallOption) CallOptions
	ServerStreaming(ctx context.Context, method *bridgedesc.Method, input any, opts CallOptions) *ServerStreamingCall
	ClientStreaming(ctx context.Context, method *bridgedesc.Method, opts CallOptions) *ClientStreamingCall
	DuplexStreaming(ctx context.Context, method *bridgedesc.Method, opts CallOptions) *DuplexStreamingCall
}

// Transport performs calls of all shapes.
type Transport interface {
	UnaryTransport
	StreamingTransport
}

// Combined routes unary calls to one transport and streaming calls to another,
// such as unary calls over plain HTTP with streaming calls over a WebSocket channel.
type Combined struct {
	unary     UnaryTransport
	streaming StreamingTransport
}

var _ Transport = (*Combined)(nil)

// NewCombined creates a new Combined transport.
func NewCombined(unary UnaryTransport, streaming StreamingTransport) *Combined {
	return &Combined{unary: unary, streaming: streaming}
}

// MergeOptions uses the options of the streaming transport.
func (c *Combined) MergeOptions(opts ...CallOption) CallOptions {
	return c.streaming.MergeOptions(opts...)
}

func (c *Combined) Unary(ctx context.Context, method *bridgedesc.Method, input any, opts CallOptions) *UnaryCall {
	return c.unary.Unary(ctx, method, input, opts)
}

func (c *Combined) ServerStreaming(ctx context.Context, method *bridgedesc.Method, input any, opts CallOptions) *ServerStreamingCall {
	return c.streaming.ServerStreaming(ctx, method, input, opts)
}

func (c *Combined) ClientStreaming(ctx context.Context, method *bridgedesc.Method, opts CallOptions) *ClientStreamingCall {
	return c.streaming.ClientStreaming(ctx, method, opts)
}

func (c *Combined) DuplexStreaming(ctx context.Context, method *bridgedesc.Method, opts CallOptions) *DuplexStreamingCall {
	return c.streaming.DuplexStreaming(ctx, method, opts)
}
