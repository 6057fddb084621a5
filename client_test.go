package wsbridge_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/renbou/wsbridge"
	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/internal/bridgetest"
	"github.com/renbou/wsbridge/wschannel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func echoMethod(name string) string {
	return "/" + bridgetest.EchoServiceName + "/" + name
}

func Test_Client_Unary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		useHTTP bool
	}{
		{name: "websocket"},
		{name: "grpc-web", useHTTP: true},
	}

	_, url := mustWebBridge(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			cfg := wsbridge.ClientConfig{URL: url}
			if tt.useHTTP {
				cfg.HTTPBaseURL = url
			}

			client := mustClient(t, cfg)
			ctx := metadata.AppendToOutgoingContext(testContext(t), "x-request", "42")

			var header, trailer metadata.MD
			resp := new(wrapperspb.StringValue)

			// Act
			err := client.Conn().Invoke(ctx, echoMethod("Echo"), wrapperspb.String("hello"), resp, grpc.Header(&header), grpc.Trailer(&trailer))

			// Assert
			if err != nil {
				t.Fatalf("ClientConn.Invoke() returned non-nil error = %q", err)
			}

			if resp.GetValue() != "hello" {
				t.Errorf("ClientConn.Invoke() returned response %q, want %q", resp.GetValue(), "hello")
			}

			if got := header.Get("x-request-echo"); len(got) != 1 || got[0] != "42" {
				t.Errorf("grpc.Header() received x-request-echo = %q, want [42]", got)
			}

			if got := trailer.Get("x-echo"); len(got) != 1 || got[0] != "trailer" {
				t.Errorf("grpc.Trailer() received x-echo = %q, want [trailer]", got)
			}

			if usedChannel := client.Channel().State() != wschannel.StateIdle; usedChannel == tt.useHTTP {
				t.Errorf("unary call over gRPC-Web = %t left the channel in state %s", tt.useHTTP, client.Channel().State())
			}
		})
	}
}

func Test_Client_Failure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		useHTTP bool
	}{
		{name: "websocket"},
		{name: "grpc-web", useHTTP: true},
	}

	_, url := mustWebBridge(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			cfg := wsbridge.ClientConfig{URL: url}
			if tt.useHTTP {
				cfg.HTTPBaseURL = url
			}

			client := mustClient(t, cfg)

			var trailer metadata.MD

			// Act
			err := client.Conn().Invoke(testContext(t), echoMethod("Fail"), wrapperspb.String("nothing here"), new(wrapperspb.StringValue), grpc.Trailer(&trailer))

			// Assert
			if err := bridgetest.StatusCodeIs(err, codes.NotFound); err != nil {
				t.Fatalf("ClientConn.Invoke() returned unexpected error: %s", err)
			}

			if got := trailer.Get("x-reason"); len(got) != 1 || got[0] != "failed on purpose" {
				t.Errorf("grpc.Trailer() received x-reason = %q, want [%q]", got, "failed on purpose")
			}
		})
	}
}

func Test_Client_Streaming(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		desc   grpc.StreamDesc
		send   []string
		want   []string
	}{
		{name: "server streaming", method: "Repeat", desc: grpc.StreamDesc{ServerStreams: true}, send: []string{"a,b,c"}, want: []string{"a", "b", "c"}},
		{name: "client streaming", method: "Concat", desc: grpc.StreamDesc{ClientStreams: true}, send: []string{"a", "b", "c"}, want: []string{"abc"}},
		{name: "duplex", method: "Chat", desc: grpc.StreamDesc{ClientStreams: true, ServerStreams: true}, send: []string{"x", "y"}, want: []string{"x", "y"}},
	}

	_, url := mustWebBridge(t)

	// Streaming calls always use the channel, even with gRPC-Web enabled.
	client := mustClient(t, wsbridge.ClientConfig{URL: url, HTTPBaseURL: url})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			ctx := testContext(t)

			stream, err := client.Conn().NewStream(ctx, &tt.desc, echoMethod(tt.method))
			if err != nil {
				t.Fatalf("ClientConn.NewStream() returned non-nil error = %q", err)
			}

			// Act
			for _, s := range tt.send {
				if err := stream.SendMsg(wrapperspb.String(s)); err != nil {
					t.Fatalf("ClientStream.SendMsg() returned non-nil error = %q", err)
				}
			}

			if err := stream.CloseSend(); err != nil {
				t.Fatalf("ClientStream.CloseSend() returned non-nil error = %q", err)
			}

			var got []string

			for {
				resp := new(wrapperspb.StringValue)
				if err := stream.RecvMsg(resp); errors.Is(err, io.EOF) {
					break
				} else if err != nil {
					t.Fatalf("ClientStream.RecvMsg() returned non-nil error = %q", err)
				}

				got = append(got, resp.GetValue())
			}

			// Assert
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ClientStream.RecvMsg() received messages differing from expected (-want +got):\n%s", diff)
			}

			if got := stream.Trailer().Get("x-echo"); len(got) != 1 || got[0] != "trailer" {
				t.Errorf("ClientStream.Trailer() returned x-echo = %q, want [trailer]", got)
			}
		})
	}
}

func Test_Client_Cancel(t *testing.T) {
	t.Parallel()

	// Arrange
	bridge, url := mustWebBridge(t)
	client := mustClient(t, wsbridge.ClientConfig{URL: url})

	tr := client.Transport()
	method := &bridgedesc.Method{Service: bridgetest.EchoServiceName, Name: "Block"}

	call := tr.Unary(testContext(t), method, wrapperspb.String("wait"), tr.MergeOptions())
	waitFor(t, "call to reach the backend", func() bool { return bridge.ActiveStreams(bridgetest.EchoServiceName) == 1 })

	// Act
	call.Cancel()

	// Assert
	if err := bridgetest.StatusCodeIs(call.Response(testContext(t), new(wrapperspb.StringValue)), codes.Canceled); err != nil {
		t.Errorf("UnaryCall.Response() returned unexpected error: %s", err)
	}

	waitFor(t, "bridge to release the stream", func() bool { return bridge.ActiveStreams(bridgetest.EchoServiceName) == 0 })
}

func Test_Client_DefaultTimeout(t *testing.T) {
	t.Parallel()

	// Arrange
	_, url := mustWebBridge(t)
	client := mustClient(t, wsbridge.ClientConfig{URL: url, DefaultTimeout: 100 * time.Millisecond})

	// Act
	err := client.Conn().Invoke(testContext(t), echoMethod("Block"), wrapperspb.String("wait"), new(wrapperspb.StringValue))

	// Assert
	if err := bridgetest.StatusCodeIs(err, codes.DeadlineExceeded); err != nil {
		t.Errorf("ClientConn.Invoke() returned unexpected error: %s", err)
	}
}

func Test_NewClient_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  wsbridge.ClientConfig
	}{
		{name: "missing URL", cfg: wsbridge.ClientConfig{}},
		{name: "unsupported URL scheme", cfg: wsbridge.ClientConfig{URL: "ftp://localhost"}},
		{name: "unsupported HTTP base URL scheme", cfg: wsbridge.ClientConfig{URL: "ws://localhost", HTTPBaseURL: "ws://localhost"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Act
			client, err := wsbridge.NewClient(tt.cfg)

			// Assert
			if err == nil {
				_ = client.Close()
				t.Errorf("NewClient() returned nil error")
			}
		})
	}
}
