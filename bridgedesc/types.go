// Package bridgedesc describes the methods invoked through wsbridge transports
// and the message codec used to serialize their inputs and outputs.
package bridgedesc

import (
	"google.golang.org/grpc/encoding"
	protoenc "google.golang.org/grpc/encoding/proto"
)

// Kind is the shape of an RPC, determined by whether the client and the server stream messages.
type Kind uint8

const (
	KindUnary Kind = iota
	KindServerStreaming
	KindClientStreaming
	KindDuplexStreaming
)

func (k Kind) String() string {
	switch k {
	case KindServerStreaming:
		return "server_streaming"
	case KindClientStreaming:
		return "client_streaming"
	case KindDuplexStreaming:
		return "duplex_streaming"
	default:
		return "unary"
	}
}

// Method describes a single RPC method of a service.
type Method struct {
	// Service is the fully-qualified name of the service, such as "grpc.health.v1.Health".
	Service string
	// Name is the short name of the method, such as "Check".
	Name            string
	ClientStreaming bool
	ServerStreaming bool
}

// Operation returns the "service/method" string used to identify the method in channel header frames.
func (m Method) Operation() string {
	return m.Service + "/" + m.Name
}

// FullMethod returns the "/service/method" path used by gRPC.
func (m Method) FullMethod() string {
	return "/" + m.Operation()
}

// Kind returns the shape of the method.
func (m Method) Kind() Kind {
	switch {
	case m.ClientStreaming && m.ServerStreaming:
		return KindDuplexStreaming
	case m.ClientStreaming:
		return KindClientStreaming
	case m.ServerStreaming:
		return KindServerStreaming
	default:
		return KindUnary
	}
}

// IsStream reports whether either side of the method streams messages.
func (m Method) IsStream() bool {
	return m.ClientStreaming || m.ServerStreaming
}

// Codec serializes messages to bytes and back. It is the same interface as gRPC's [encoding.Codec],
// so any registered gRPC codec can be used.
type Codec = encoding.Codec

// DefaultCodec returns the protobuf codec registered in gRPC.
func DefaultCodec() Codec {
	return encoding.GetCodec(protoenc.Name)
}
