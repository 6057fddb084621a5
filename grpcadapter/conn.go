package grpcadapter

import (
	"context"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
)

// duplexDesc is used for all outgoing streams, since the shape of a forwarded method isn't known.
// gRPC servers accept calls of any shape made using a duplex stream.
var duplexDesc = &grpc.StreamDesc{ClientStreams: true, ServerStreams: true}

type adaptedClientState struct {
	conn *grpc.ClientConn
	err  error
}

// AdaptedClientConn implements [ClientConn] over a [grpc.ClientConn].
type AdaptedClientConn struct {
	state atomic.Pointer[adaptedClientState]
}

// AdaptClient wraps an existing gRPC client with an adapter implementing [ClientConn].
// The returned client is instantly ready to be used, and will be valid until [*AdaptedClientConn.Close] is called,
// after which any stream initiations via the client will return an error and the underlying gRPC client will be closed, too.
func AdaptClient(conn *grpc.ClientConn) *AdaptedClientConn {
	adapted := new(AdaptedClientConn)
	adapted.state.Store(&adaptedClientState{conn: conn})

	return adapted
}

// Close marks this connection as closed and closes the underlying gRPC client.
func (cc *AdaptedClientConn) Close() {
	state := cc.state.Load()
	if state.conn == nil {
		return
	}

	if !cc.state.CompareAndSwap(state, &adaptedClientState{err: status.Error(codes.Unavailable, "wsbridge: connection closed")}) {
		return
	}

	_ = state.conn.Close() // doesn't return any meaningful errors
}

// Stream initiates a new duplex stream for the method, which must be specified in the "/service/method" form.
// ctx is used only for the stream initiation, its values, including the outgoing metadata, are kept for the whole stream,
// but its cancelation isn't, so the stream must be closed using [ClientStream.Close].
func (cc *AdaptedClientConn) Stream(ctx context.Context, method string) (ClientStream, error) {
	conn, err := cc.getConn(ctx)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wrapped := &AdaptedClientStream{
		// guaranteed to be called by Recv/Send on failure, otherwise needs to be called by caller.
		// we initialize it here because the initial NewStream() can also fail and execute Close().
		closeFunc: sync.OnceFunc(cancel),
	}

	err = wrapped.withCtx(ctx, func() error {
		var newErr error
		wrapped.stream, newErr = conn.NewStream(streamCtx, duplexDesc, method, rawCallOption())
		return newErr
	})
	if err != nil {
		wrapped.Close()

		stErr := status.Convert(err)
		return nil, status.Errorf(stErr.Code(), "initiating stream %q: %s", method, stErr.Message())
	}

	return wrapped, nil
}

func (cc *AdaptedClientConn) getConn(ctx context.Context) (*grpc.ClientConn, error) {
	state := cc.state.Load()

	if state.conn != nil {
		// Try waiting for the connection to recover if it has failed.
		// After waiting still try to use the connection to at least get a readable error describing the failure.
		cc.waitForReady(ctx, state.conn)
	}

	return state.conn, state.err
}

func (*AdaptedClientConn) waitForReady(ctx context.Context, conn *grpc.ClientConn) {
	// No point in wasting all the available time.
	ctx, cancel := ctxWithHalvedDeadline(ctx)
	defer cancel()

	connState := conn.GetState()

	// gRPC won't attempt to reconnect an idle connection until something asks it to.
	if connState == connectivity.Idle {
		conn.Connect()
	}

	for connState != connectivity.Ready {
		if !conn.WaitForStateChange(ctx, connState) {
			return
		}

		connState = conn.GetState()
	}
}
