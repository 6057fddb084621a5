package webbridge_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/renbou/wsbridge/bridgemd"
	"github.com/renbou/wsbridge/internal/bridgetest"
	"github.com/renbou/wsbridge/webbridge"
	"github.com/renbou/wsbridge/wsframe"
)

// channelClient is a raw channel connection driven frame-by-frame.
type channelClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func mustChannelBridge(t *testing.T, opts webbridge.ChannelBridgeOpts) (*webbridge.ChannelBridge, *channelClient) {
	t.Helper()

	_, pool := bridgetest.MustGRPCServer(t)

	opts.Logger = bridgetest.Logger(t)
	if opts.Forwarder == nil {
		opts.Forwarder = allowAllForwarder()
	}

	bridge := webbridge.NewChannelBridge(pool, opts)
	url := "ws" + strings.TrimPrefix(mustServe(t, bridge), "http")

	dialer := websocket.Dialer{Subprotocols: []string{wsframe.Subprotocol}, HandshakeTimeout: 5 * time.Second}

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial channel bridge: %s", err)
	}

	t.Cleanup(func() { _ = conn.Close() })

	if got := conn.Subprotocol(); got != wsframe.Subprotocol {
		t.Errorf("channel bridge negotiated subprotocol %q, want %q", got, wsframe.Subprotocol)
	}

	return bridge, &channelClient{t: t, conn: conn}
}

func (c *channelClient) write(id uint32, payload wsframe.Payload) {
	c.t.Helper()

	data, err := wsframe.Encode(&wsframe.Frame{StreamID: id, Payload: payload})
	if err != nil {
		c.t.Fatalf("wsframe.Encode() returned non-nil error = %q", err)
	}

	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.t.Fatalf("failed to write frame: %s", err)
	}
}

func (c *channelClient) open(id uint32, operation string, md bridgemd.MD) {
	c.t.Helper()
	c.write(id, &wsframe.Header{Operation: operation, Headers: md})
}

func (c *channelClient) send(id uint32, complete bool, values ...string) {
	c.t.Helper()

	var data []byte
	for _, v := range values {
		data = append(data, wsframe.EncodeMessage(marshalValue(c.t, v))...)
	}

	c.write(id, &wsframe.Body{Data: data, Complete: complete})
}

func (c *channelClient) read() *wsframe.Frame {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("failed to read frame: %s", err)
	}

	if typ != websocket.BinaryMessage {
		c.t.Fatalf("received message of type %d, want binary", typ)
	}

	f, err := wsframe.Decode(data)
	if err != nil {
		c.t.Fatalf("wsframe.Decode() returned non-nil error = %q", err)
	}

	return f
}

// streamResult is everything received for a stream until its terminal frame.
type streamResult struct {
	headers  []*wsframe.Header
	messages []string
	failure  *wsframe.Failure
}

// collect reads the frames of a single stream until it is completed or failed.
func (c *channelClient) collect(id uint32) streamResult {
	c.t.Helper()

	var res streamResult

	for {
		f := c.read()
		if f.StreamID != id {
			c.t.Fatalf("received %s frame for stream %d, want stream %d", f.Kind(), f.StreamID, id)
		}

		switch p := f.Payload.(type) {
		case *wsframe.Header:
			res.headers = append(res.headers, p)
		case *wsframe.Body:
			msgs, err := wsframe.SplitMessages(p.Data)
			if err != nil {
				c.t.Fatalf("received malformed body: %s", err)
			}

			for _, msg := range msgs {
				res.messages = append(res.messages, unmarshalValue(c.t, msg))
			}
		case *wsframe.Complete:
			return res
		case *wsframe.Failure:
			res.failure = p
			return res
		default:
			c.t.Fatalf("received unexpected %s frame", f.Kind())
		}
	}
}

func Test_ChannelBridge_Unary(t *testing.T) {
	t.Parallel()

	// Arrange
	_, client := mustChannelBridge(t, webbridge.ChannelBridgeOpts{})

	// Act
	client.open(1, bridgetest.EchoServiceName+"/Echo", bridgemd.Pairs("x-request", "1"))
	client.send(1, true, "hello")

	res := client.collect(1)

	// Assert
	if res.failure != nil {
		t.Fatalf("stream failed with status %s: %s", res.failure.ErrorStatus, res.failure.ErrorMessage)
	}

	if diff := cmp.Diff([]string{"hello"}, res.messages); diff != "" {
		t.Errorf("stream returned messages differing from expected (-want +got):\n%s", diff)
	}

	wantHeaders := []*wsframe.Header{
		{Headers: bridgemd.Pairs("x-echo", "header", "x-request-echo", "1"), Status: 200},
		{Headers: bridgemd.Pairs("trailer:x-echo", "trailer", "trailer:grpc-status", "0"), Status: 200},
	}

	if diff := cmp.Diff(wantHeaders, res.headers); diff != "" {
		t.Errorf("stream returned header frames differing from expected (-want +got):\n%s", diff)
	}
}

func Test_ChannelBridge_Streaming(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		method    string
		send      func(c *channelClient, id uint32)
		wantValue []string
	}{
		{
			name:   "server streaming",
			method: "Repeat",
			send: func(c *channelClient, id uint32) {
				c.send(id, true, "a,b,c")
			},
			wantValue: []string{"a", "b", "c"},
		},
		{
			name:   "client streaming",
			method: "Concat",
			send: func(c *channelClient, id uint32) {
				c.send(id, false, "a", "b")
				c.send(id, false, "c")
				c.write(id, &wsframe.Complete{})
			},
			wantValue: []string{"abc"},
		},
		{
			name:   "duplex streaming",
			method: "Chat",
			send: func(c *channelClient, id uint32) {
				c.send(id, false, "ping")
				c.send(id, true, "pong")
			},
			wantValue: []string{"ping", "pong"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			_, client := mustChannelBridge(t, webbridge.ChannelBridgeOpts{})

			// Act
			client.open(7, bridgetest.EchoServiceName+"/"+tt.method, bridgemd.MD{})
			tt.send(client, 7)

			res := client.collect(7)

			// Assert
			if res.failure != nil {
				t.Fatalf("stream failed with status %s: %s", res.failure.ErrorStatus, res.failure.ErrorMessage)
			}

			if diff := cmp.Diff(tt.wantValue, res.messages); diff != "" {
				t.Errorf("stream returned messages differing from expected (-want +got):\n%s", diff)
			}
		})
	}
}

// Test_ChannelBridge_SplitBody tests that request messages split across multiple body frames are reassembled.
func Test_ChannelBridge_SplitBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		split      func(first, second []byte) [][]byte
		wantValue  []string
		wantStatus string
	}{
		{
			name: "split inside message",
			split: func(first, second []byte) [][]byte {
				joined := append(append([]byte{}, first...), second...)
				return [][]byte{joined[:len(first)-2], joined[len(first)-2:]}
			},
			wantValue: []string{"hello world"},
		},
		{
			name: "split inside prefix",
			split: func(first, second []byte) [][]byte {
				return [][]byte{first[:2], first[2:], second[:3], second[3:]}
			},
			wantValue: []string{"hello world"},
		},
		{
			name: "incomplete last message",
			split: func(first, second []byte) [][]byte {
				return [][]byte{first, second[:len(second)-1]}
			},
			wantStatus: "13",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			_, client := mustChannelBridge(t, webbridge.ChannelBridgeOpts{})
			first := wsframe.EncodeMessage(marshalValue(t, "hello "))
			second := wsframe.EncodeMessage(marshalValue(t, "world"))

			// Act
			client.open(5, bridgetest.EchoServiceName+"/Concat", bridgemd.MD{})

			for _, chunk := range tt.split(first, second) {
				client.write(5, &wsframe.Body{Data: chunk})
			}

			client.write(5, &wsframe.Complete{})

			res := client.collect(5)

			// Assert
			if tt.wantStatus != "" {
				if res.failure == nil || res.failure.ErrorStatus != tt.wantStatus {
					t.Fatalf("stream ended with failure %+v, want failure with status %s", res.failure, tt.wantStatus)
				}

				return
			}

			if res.failure != nil {
				t.Fatalf("stream failed with status %s: %s", res.failure.ErrorStatus, res.failure.ErrorMessage)
			}

			if diff := cmp.Diff(tt.wantValue, res.messages); diff != "" {
				t.Errorf("stream returned messages differing from expected (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_ChannelBridge_Failure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		operation   string
		wantStatus  string
		wantMessage string
		wantTrailer bool
	}{
		{
			name:        "backend failure",
			operation:   bridgetest.EchoServiceName + "/Fail",
			wantStatus:  "5",
			wantMessage: "boom",
			wantTrailer: true,
		},
		{
			name:       "unknown service",
			operation:  "wsbridge.test.MissingService/Echo",
			wantStatus: "12",
		},
		{
			name:       "unknown method",
			operation:  bridgetest.EchoServiceName + "/Missing",
			wantStatus: "12",
		},
		{
			name:       "malformed operation",
			operation:  "Echo",
			wantStatus: "3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			_, client := mustChannelBridge(t, webbridge.ChannelBridgeOpts{})

			// Act
			client.open(3, tt.operation, bridgemd.MD{})
			client.send(3, true, "boom")

			res := client.collect(3)

			// Assert
			if res.failure == nil {
				t.Fatalf("stream completed successfully, want failure with status %s", tt.wantStatus)
			}

			if res.failure.ErrorStatus != tt.wantStatus {
				t.Errorf("failure frame has status %q (message = %q), want %q", res.failure.ErrorStatus, res.failure.ErrorMessage, tt.wantStatus)
			}

			if tt.wantMessage != "" && res.failure.ErrorMessage != tt.wantMessage {
				t.Errorf("failure frame has message %q, want %q", res.failure.ErrorMessage, tt.wantMessage)
			}

			if reason, _ := res.failure.Headers.First("x-reason"); tt.wantTrailer && reason != "failed on purpose" {
				t.Errorf("failure frame has x-reason = %q, want %q", reason, "failed on purpose")
			}
		})
	}
}

func Test_ChannelBridge_Multiplexing(t *testing.T) {
	t.Parallel()

	// Arrange
	bridge, client := mustChannelBridge(t, webbridge.ChannelBridgeOpts{})

	// Act
	client.open(1, bridgetest.EchoServiceName+"/Block", bridgemd.MD{})
	client.send(1, true, "")
	waitFor(t, "blocked stream to become active", func() bool { return bridge.ActiveStreams(bridgetest.EchoServiceName) == 1 })

	client.open(2, bridgetest.EchoServiceName+"/Echo", bridgemd.MD{})
	client.send(2, true, "unblocked")

	res := client.collect(2)

	// Assert
	if diff := cmp.Diff([]string{"unblocked"}, res.messages); diff != "" {
		t.Errorf("stream returned messages differing from expected (-want +got):\n%s", diff)
	}

	client.write(1, &wsframe.Cancel{})
	waitFor(t, "canceled stream to end", func() bool { return bridge.ActiveStreams(bridgetest.EchoServiceName) == 0 })
}

func Test_ChannelBridge_MaxStreams(t *testing.T) {
	t.Parallel()

	// Arrange
	bridge, client := mustChannelBridge(t, webbridge.ChannelBridgeOpts{MaxStreams: 1})

	client.open(1, bridgetest.EchoServiceName+"/Block", bridgemd.MD{})
	client.send(1, true, "")
	waitFor(t, "blocked stream to become active", func() bool { return bridge.ActiveStreams(bridgetest.EchoServiceName) == 1 })

	// Act
	client.open(2, bridgetest.EchoServiceName+"/Echo", bridgemd.MD{})
	res := client.collect(2)

	// Assert
	if res.failure == nil || res.failure.ErrorStatus != "8" {
		t.Errorf("stream over the limit returned failure = %v, want status 8", res.failure)
	}

	client.write(1, &wsframe.Cancel{})
	waitFor(t, "canceled stream to end", func() bool { return bridge.ActiveStreams(bridgetest.EchoServiceName) == 0 })
}

func Test_ChannelBridge_Ping(t *testing.T) {
	t.Parallel()

	// Arrange
	_, client := mustChannelBridge(t, webbridge.ChannelBridgeOpts{})

	// Act
	client.write(0, &wsframe.Ping{Pong: []byte("are you there")})
	f := client.read()

	// Assert
	if diff := cmp.Diff(&wsframe.Frame{Payload: &wsframe.Ping{Pong: []byte("are you there")}}, f); diff != "" {
		t.Errorf("bridge answered ping with frame differing from expected (-want +got):\n%s", diff)
	}
}

func Test_ChannelBridge_ConnectionClose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		close func(bridge *webbridge.ChannelBridge, client *channelClient)
	}{
		{
			name:  "by client",
			close: func(_ *webbridge.ChannelBridge, client *channelClient) { _ = client.conn.Close() },
		},
		{
			name:  "by server",
			close: func(bridge *webbridge.ChannelBridge, _ *channelClient) { bridge.Close() },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			bridge, client := mustChannelBridge(t, webbridge.ChannelBridgeOpts{})

			client.open(1, bridgetest.EchoServiceName+"/Block", bridgemd.MD{})
			client.send(1, true, "")
			waitFor(t, "blocked stream to become active", func() bool { return bridge.ActiveStreams(bridgetest.EchoServiceName) == 1 })

			// Act
			tt.close(bridge, client)

			// Assert
			waitFor(t, "streams of the closed connection to end", func() bool { return bridge.ActiveStreams(bridgetest.EchoServiceName) == 0 })
		})
	}
}
