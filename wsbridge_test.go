package wsbridge_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/renbou/wsbridge"
	"github.com/renbou/wsbridge/grpcadapter"
	"github.com/renbou/wsbridge/internal/bridgetest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

// mustWebBridge serves a bridge to the echo service forwarding the metadata it uses.
func mustWebBridge(t *testing.T, opts ...wsbridge.BridgeOption) (*wsbridge.WebBridge, string) {
	t.Helper()

	_, pool := bridgetest.MustGRPCServer(t)

	forwarder := wsbridge.NewForwarder(
		wsbridge.WithRequestMetadata("x-request"),
		wsbridge.WithResponseMetadata(grpcadapter.AllowAll),
		wsbridge.WithTrailerMetadata("x-echo", "x-reason"),
	)

	opts = append([]wsbridge.BridgeOption{wsbridge.WithLogger(bridgetest.Logger(t)), wsbridge.WithForwarder(forwarder)}, opts...)
	bridge := wsbridge.NewWebBridge(pool, opts...)

	server := httptest.NewServer(bridge)
	t.Cleanup(server.Close)
	t.Cleanup(bridge.Close)

	return bridge, server.URL
}

func mustClient(t *testing.T, cfg wsbridge.ClientConfig) *wsbridge.Client {
	t.Helper()

	client, err := wsbridge.NewClient(cfg, wsbridge.WithLogger(bridgetest.Logger(t)))
	if err != nil {
		t.Fatalf("NewClient() returned non-nil error = %q", err)
	}

	t.Cleanup(func() { _ = client.Close() })

	return client
}

// waitFor polls cond until it holds, failing the test after a few seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(10 * time.Millisecond)
	}
}
