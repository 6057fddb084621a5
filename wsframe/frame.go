// Package wsframe implements the binary envelope exchanged over a grpc-websocket-channel connection.
//
// Each WebSocket binary message carries exactly one [Frame], encoded using the protobuf wire format
// as described by frame.proto in this directory. Message bodies are additionally wrapped in the
// standard 5-byte gRPC length-prefixed framing, see [EncodeMessage].
package wsframe

import (
	"github.com/renbou/wsbridge/bridgemd"
)

// Subprotocol is the WebSocket subprotocol negotiated by both sides of a channel.
const Subprotocol = "grpc-websocket-channel"

// Kind identifies the payload variant of a frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindHeader
	KindBody
	KindComplete
	KindFailure
	KindCancel
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindBody:
		return "body"
	case KindComplete:
		return "complete"
	case KindFailure:
		return "failure"
	case KindCancel:
		return "cancel"
	case KindPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Frame is a single envelope sent over the channel. StreamID is zero only for ping frames.
// Payload is nil for decoded frames whose payload kind isn't known to this implementation.
type Frame struct {
	StreamID uint32
	Payload  Payload
}

// Kind returns the kind of the frame's payload.
func (f *Frame) Kind() Kind {
	if f.Payload == nil {
		return KindUnknown
	}

	return f.Payload.Kind()
}

// Payload is one of [*Header], [*Body], [*Complete], [*Failure], [*Cancel], [*Ping].
type Payload interface {
	Kind() Kind
	appendPayload(b []byte) []byte
}

// Header opens a logical stream when sent by the client, in which case Operation is set to "service/method".
// When sent by the server, it carries response headers, trailers under "trailer:"-prefixed keys, and a status.
type Header struct {
	Operation string
	Headers   bridgemd.MD
	Status    int32
}

// Body carries a chunk of length-prefixed messages. Complete marks the end of client input.
type Body struct {
	Data     []byte
	Complete bool
}

// Complete is sent by the server when a stream finishes successfully, and by the client to end its input.
type Complete struct{}

// Failure terminates a stream with an error. ErrorStatus is a gRPC code, either numeric or by name.
type Failure struct {
	ErrorStatus  string
	ErrorMessage string
	Headers      bridgemd.MD
}

// Cancel aborts a logical stream and can be sent by either side.
type Cancel struct{}

// Ping is a connection-level liveness frame not tied to any stream.
type Ping struct {
	Pong []byte
}

func (*Header) Kind() Kind   { return KindHeader }
func (*Body) Kind() Kind     { return KindBody }
func (*Complete) Kind() Kind { return KindComplete }
func (*Failure) Kind() Kind  { return KindFailure }
func (*Cancel) Kind() Kind   { return KindCancel }
func (*Ping) Kind() Kind     { return KindPing }
