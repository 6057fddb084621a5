package grpcadapter

import (
	"context"
	"sync/atomic"

	"github.com/renbou/wsbridge/internal/rpcutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// AdaptedClientStream implements [ClientStream] over a [grpc.ClientStream] using the raw codec.
type AdaptedClientStream struct {
	closeFunc  func() // cancels the stream context, wrapped with sync.Once
	stream     grpc.ClientStream
	sendActive atomic.Bool
	recvActive atomic.Bool
}

func (s *AdaptedClientStream) Send(ctx context.Context, msg *RawMessage) error {
	if !s.sendActive.CompareAndSwap(false, true) {
		panic("wsbridge: Send() called concurrently on gRPC client stream")
	}
	defer s.sendActive.Store(false)

	return s.withCtx(ctx, func() error { return s.stream.SendMsg(msg) })
}

func (s *AdaptedClientStream) Recv(ctx context.Context, msg *RawMessage) error {
	if !s.recvActive.CompareAndSwap(false, true) {
		panic("wsbridge: Recv() called concurrently on gRPC client stream")
	}
	defer s.recvActive.Store(false)

	return s.withCtx(ctx, func() error { return s.stream.RecvMsg(msg) })
}

func (s *AdaptedClientStream) Header() metadata.MD {
	md, _ := s.stream.Header()
	return md
}

func (s *AdaptedClientStream) Trailer() metadata.MD {
	return s.stream.Trailer()
}

func (s *AdaptedClientStream) CloseSend() {
	_ = s.stream.CloseSend() // always nil for client streams
}

func (s *AdaptedClientStream) Close() {
	s.closeFunc()
}

func (s *AdaptedClientStream) withCtx(ctx context.Context, f func() error) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- f()
	}()

	select {
	case <-ctx.Done():
		// SendMsg/RecvMsg might still be running, the only way to stop them is to close the whole stream.
		s.Close()
		return rpcutil.ContextError(ctx.Err())
	case err := <-errChan:
		return err
	}
}
