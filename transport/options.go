package transport

import (
	"time"

	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/bridgemd"
)

// CallOptions are the per-call parameters shared by all transports.
type CallOptions struct {
	// Metadata is sent as the request metadata of the call.
	Metadata bridgemd.MD
	// Timeout limits the duration of the whole call, in addition to the deadline of the call's context.
	// Zero means no timeout.
	Timeout time.Duration
	// Codec serializes the call's messages. [bridgedesc.DefaultCodec] is used when nil.
	Codec bridgedesc.Codec
}

// CallOption modifies the options of a single call.
type CallOption func(*CallOptions)

// WithMetadata appends the specified metadata to the request metadata of the call.
func WithMetadata(md bridgemd.MD) CallOption {
	return func(o *CallOptions) {
		md.Range(func(key string, values []string) bool {
			o.Metadata.Append(key, values...)
			return true
		})
	}
}

// WithTimeout sets the timeout of the call.
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *CallOptions) {
		o.Timeout = timeout
	}
}

// WithCodec overrides the codec used for the call's messages.
func WithCodec(codec bridgedesc.Codec) CallOption {
	return func(o *CallOptions) {
		o.Codec = codec
	}
}

// ApplyOptions applies opts on top of a copy of base.
func ApplyOptions(base CallOptions, opts ...CallOption) CallOptions {
	merged := base
	merged.Metadata = base.Metadata.Copy()

	for _, opt := range opts {
		opt(&merged)
	}

	return merged
}

func (o CallOptions) codec() bridgedesc.Codec {
	if o.Codec == nil {
		return bridgedesc.DefaultCodec()
	}

	return o.Codec
}
