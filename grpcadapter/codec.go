package grpcadapter

import (
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// RawMessage is a serialized message forwarded without being decoded.
type RawMessage struct {
	Data []byte
}

// rawCodec passes RawMessage data through as-is, falling back to the registered proto codec for other messages.
// It is named "proto" so that the content subtype sent to the backends stays the default one.
type rawCodec struct{}

var _ encoding.Codec = rawCodec{}

func protoCodec() (encoding.Codec, error) {
	codec := encoding.GetCodec("proto")
	if codec == nil {
		return nil, errors.New("grpcadapter: proto codec isn't registered")
	}

	return codec, nil
}

func (rawCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*RawMessage)
	if !ok {
		codec, err := protoCodec()
		if err != nil {
			return nil, err
		}

		return codec.Marshal(v)
	}

	return msg.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*RawMessage)
	if !ok {
		codec, err := protoCodec()
		if err != nil {
			return err
		}

		return codec.Unmarshal(data, v)
	}

	// gRPC may reuse the buffer after Unmarshal returns.
	msg.Data = append(msg.Data[:0], data...)

	return nil
}

func (rawCodec) Name() string {
	return "proto"
}

// rawCallOption forces the raw codec for a single call.
func rawCallOption() grpc.CallOption {
	return grpc.ForceCodec(rawCodec{})
}

// ServerCodecOption forces the raw codec on a gRPC server forwarding calls via [grpc.UnknownServiceHandler],
// so that incoming messages are received as [*RawMessage]. Services registered on the same server keep working,
// since other messages are handled by the proto codec.
func ServerCodecOption() grpc.ServerOption {
	return grpc.ForceServerCodec(rawCodec{})
}
