package bridgetest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/renbou/wsbridge/grpcadapter"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// TestDialTarget is the dial target of test servers, which are always reached through bufconn.
const TestDialTarget = "passthrough:///bridgetest"

// MustGRPCServer starts an in-memory gRPC server with the [EchoService] registered,
// and returns a pool containing a connection to it under [EchoServiceName].
func MustGRPCServer(tb testing.TB, prepareFuncs ...func(*grpc.Server)) (*grpc.Server, *grpcadapter.DialedPool) {
	// Relatively big buffer to allow all test goroutines to communicate without blocking.
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&EchoService, struct{}{})

	for _, prepare := range prepareFuncs {
		prepare(server)
	}

	served := make(chan struct{})

	go func() {
		defer close(served)

		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			panic(fmt.Sprintf("failed to serve test gRPC server: %s", err))
		}
	}()

	tb.Cleanup(func() {
		server.Stop()
		<-served
	})

	pool := grpcadapter.NewDialedPool(func(ctx context.Context, target string) (*grpc.ClientConn, error) {
		return grpc.DialContext(ctx, target,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
				return listener.Dial()
			}),
		)
	})

	if _, err := pool.Build(context.Background(), EchoServiceName, TestDialTarget); err != nil {
		tb.Fatalf("failed to dial test gRPC server: %s", err)
	}

	// Registered after server.Stop for the connection to be closed before the server.
	tb.Cleanup(pool.Close)

	return server, pool
}
