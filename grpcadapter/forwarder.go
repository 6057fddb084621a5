package grpcadapter

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/renbou/wsbridge/internal/rpcutil"
	"google.golang.org/grpc/metadata"
)

// ProxyForwarderOpts define all the optional settings which can be set for [ProxyForwarder].
type ProxyForwarderOpts struct {
	// Filter specifies the metadata filter to be used for all operations.
	// If not set, the default [ProxyMDFilter] is created via [NewProxyMDFilter] and used.
	Filter MetadataFilter
}

func (o ProxyForwarderOpts) withDefaults() ProxyForwarderOpts {
	if o.Filter == nil {
		o.Filter = NewProxyMDFilter(ProxyMDFilterOpts{})
	}

	return o
}

// ProxyForwarder is the default implementation of [Forwarder] used by the bridge handlers.
//
// Every call is forwarded as a duplex stream of raw messages, regardless of the shape the client expects,
// which is enforced by the client itself. Metadata is filtered using the specified [MetadataFilter].
// If the filtered request metadata contains a "grpc-timeout" field, it is used as a timeout for the whole call,
// as described in gRPC's [PROTOCOL-HTTP2] spec.
//
// [PROTOCOL-HTTP2]: https://github.com/grpc/grpc/blob/master/doc/PROTOCOL-HTTP2.md
type ProxyForwarder struct {
	filter MetadataFilter
}

// NewProxyForwarder creates a new [ProxyForwarder] using the specified options.
func NewProxyForwarder(opts ProxyForwarderOpts) *ProxyForwarder {
	opts = opts.withDefaults()

	return &ProxyForwarder{
		filter: opts.Filter,
	}
}

// forwardError distinguishes errors of the incoming and outgoing streams,
// which is mostly needed to handle io.EOF, since both sides can return it.
type forwardError struct {
	incomingErr error
	outgoingErr error
}

// Forward initiates an outgoing stream for params.Method and forwards messages between it and params.Incoming.
// Request metadata is retrieved using [metadata.FromIncomingContext].
// It returns nil once the outgoing stream ends successfully, and the error which ended the call otherwise.
//
// Forward waits for its forwarding goroutines to exit, so Recv and Send of params.Incoming must respect the context.
func (pf *ProxyForwarder) Forward(ctx context.Context, params ForwardParams) error {
	md, _ := metadata.FromIncomingContext(ctx)
	md = pf.filter.FilterRequestMD(md)
	ctx = metadata.NewOutgoingContext(ctx, md)

	// Deferred first so that it runs after cancel() and outgoing.Close().
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := pf.baseContext(ctx, md)
	defer cancel()

	outgoing, err := params.Outgoing.Stream(ctx, params.Method.FullMethod())
	if err != nil {
		return err
	}

	defer outgoing.Close()

	i2oErrCh := make(chan forwardError, 1)
	o2iErrCh := make(chan forwardError, 1)

	wg.Add(2)

	go func() {
		defer wg.Done()
		i2oErrCh <- pf.forwardIncomingToOutgoing(ctx, &params, outgoing)
	}()

	// The backend might respond at any time, not only after the client has finished sending.
	go func() {
		defer wg.Done()
		o2iErrCh <- pf.forwardOutgoingToIncoming(ctx, &params, outgoing)
	}()

	for {
		select {
		case <-ctx.Done():
			return rpcutil.ContextError(ctx.Err())
		case perr := <-i2oErrCh:
			switch {
			case errors.Is(perr.incomingErr, io.EOF) || errors.Is(perr.outgoingErr, io.EOF):
				// Either the client has half-closed, or the backend has already ended the call.
				// In both cases the status arrives through outgoing.Recv.
				outgoing.CloseSend()
			case perr.incomingErr != nil:
				return perr.incomingErr
			default:
				return perr.outgoingErr
			}
		case perr := <-o2iErrCh:
			if perr.incomingErr != nil {
				return perr.incomingErr
			}

			return perr.outgoingErr
		}
	}
}

func (pf *ProxyForwarder) baseContext(ctx context.Context, md metadata.MD) (context.Context, context.CancelFunc) {
	if v := md.Get("grpc-timeout"); len(v) > 0 {
		if d, ok := rpcutil.DecodeTimeout(v[0]); ok {
			return context.WithTimeout(ctx, d)
		}
	}

	return context.WithCancel(ctx)
}

func (pf *ProxyForwarder) forwardIncomingToOutgoing(ctx context.Context, params *ForwardParams, outgoing ClientStream) forwardError {
	for {
		// The message can't be reused after Send, since gRPC might still be holding it.
		msg := new(RawMessage)

		if err := params.Incoming.Recv(ctx, msg); err != nil {
			return forwardError{incomingErr: err}
		}

		if err := outgoing.Send(ctx, msg); err != nil {
			return forwardError{outgoingErr: err}
		}
	}
}

func (pf *ProxyForwarder) forwardOutgoingToIncoming(ctx context.Context, params *ForwardParams, outgoing ClientStream) forwardError {
	first := true

	for {
		msg := new(RawMessage)

		// Recv errors are handled after the header is set, since a non-OK status can still carry one.
		err := outgoing.Recv(ctx, msg)

		if first {
			first = false
			params.Incoming.SetHeader(pf.filter.FilterResponseMD(outgoing.Header()))
		}

		if err != nil {
			// Trailers are available once Recv has returned an error, including io.EOF.
			params.Incoming.SetTrailer(pf.filter.FilterTrailerMD(outgoing.Trailer()))

			if errors.Is(err, io.EOF) {
				return forwardError{}
			}

			return forwardError{outgoingErr: err}
		}

		if err := params.Incoming.Send(ctx, msg); err != nil {
			return forwardError{incomingErr: err}
		}
	}
}
