// Package grpcadapter contains the gRPC client side of the wsbridge server,
// used by the handlers in [github.com/renbou/wsbridge/webbridge] to forward the calls they terminate to the backends.
//
// Messages are forwarded as raw bytes using [RawMessage], so no descriptors of the forwarded services are needed.
package grpcadapter

import (
	"context"
	"errors"

	"github.com/renbou/wsbridge/bridgedesc"
	"google.golang.org/grpc/metadata"
)

var ErrAlreadyDialed = errors.New("connection already dialed")

var (
	_ ClientConn   = (*AdaptedClientConn)(nil)
	_ ClientStream = (*AdaptedClientStream)(nil)
	_ ClientPool   = (*DialedPool)(nil)
	_ Forwarder    = (*ProxyForwarder)(nil)
)

// ClientPool returns the client connection to be used for a target, which is usually the name of a service.
type ClientPool interface {
	Get(target string) (ClientConn, bool)
}

// ClientConn initiates outgoing streams to a single backend.
type ClientConn interface {
	Stream(ctx context.Context, method string) (ClientStream, error)
	Close()
}

// ClientStream is a single outgoing stream. Send and Recv can be called concurrently with each other,
// but each of them must not be called concurrently with itself.
type ClientStream interface {
	Send(context.Context, *RawMessage) error
	Recv(context.Context, *RawMessage) error
	// Header returns the response headers, which are available once the first Recv has returned.
	Header() metadata.MD
	// Trailer returns the response trailers, which are available once Recv has returned an error.
	Trailer() metadata.MD
	CloseSend()
	Close()
}

// ServerStream is the incoming side of a forwarded call, implemented by the bridge handlers.
type ServerStream interface {
	Send(context.Context, *RawMessage) error
	Recv(context.Context, *RawMessage) error
	// SetHeader is called once before the first Send or before the call ends, whichever happens first.
	SetHeader(metadata.MD)
	// SetTrailer is called before the call ends when the backend has returned its trailers.
	SetTrailer(metadata.MD)
}

// ForwardParams define the incoming and outgoing sides of a forwarded call.
type ForwardParams struct {
	Method   *bridgedesc.Method
	Incoming ServerStream
	Outgoing ClientConn
}

// Forwarder forwards an incoming call to an outgoing connection.
type Forwarder interface {
	Forward(ctx context.Context, params ForwardParams) error
}

// MetadataFilter decides which metadata is forwarded between the client and the backend.
type MetadataFilter interface {
	FilterRequestMD(metadata.MD) metadata.MD
	FilterResponseMD(metadata.MD) metadata.MD
	FilterTrailerMD(metadata.MD) metadata.MD
}
