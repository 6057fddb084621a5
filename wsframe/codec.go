package wsframe

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/renbou/wsbridge/bridgemd"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrNoPayload is returned by [Encode] for frames without a payload.
var ErrNoPayload = errors.New("wsframe: frame has no payload")

// DecodeError describes a malformed frame or message.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return "wsframe: decoding " + e.What + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

const (
	fieldStreamID protowire.Number = 1
	fieldHeader   protowire.Number = 2
	fieldBody     protowire.Number = 3
	fieldComplete protowire.Number = 4
	fieldFailure  protowire.Number = 5
	fieldCancel   protowire.Number = 6
	fieldPing     protowire.Number = 7
)

// Encode serializes the frame. Fields set to their zero values are omitted, as in proto3,
// but the payload is always present, even if it is an empty message.
func Encode(f *Frame) ([]byte, error) {
	if f.Payload == nil {
		return nil, ErrNoPayload
	}

	var b []byte
	if f.StreamID != 0 {
		b = protowire.AppendTag(b, fieldStreamID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.StreamID))
	}

	b = protowire.AppendTag(b, payloadField(f.Payload.Kind()), protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload.appendPayload(nil))

	return b, nil
}

// Decode parses a frame. Unknown fields are skipped, and a frame with an unknown payload kind
// is returned with a nil Payload. Byte slices in the result don't alias b.
func Decode(b []byte) (*Frame, error) {
	f := new(Frame)
	var fieldErr *DecodeError

	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == fieldStreamID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > math.MaxUint32 {
				fieldErr = &DecodeError{What: "frame", Err: fmt.Errorf("stream id %d overflows uint32", v)}
				return errPayload
			}

			f.StreamID = uint32(v)
			return n
		case num >= fieldHeader && num <= fieldPing && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}

			// The last payload wins, same as with oneof fields of generated messages.
			p, err := decodePayload(num, v)
			if err != nil {
				fieldErr = &DecodeError{What: "frame payload", Err: err}
				return errPayload
			}

			f.Payload = p
			return n
		}

		return skipField
	})
	if fieldErr != nil {
		return nil, fieldErr
	} else if err != nil {
		return nil, &DecodeError{What: "frame", Err: err}
	}

	return f, nil
}

func payloadField(k Kind) protowire.Number {
	switch k {
	case KindHeader:
		return fieldHeader
	case KindBody:
		return fieldBody
	case KindComplete:
		return fieldComplete
	case KindFailure:
		return fieldFailure
	case KindCancel:
		return fieldCancel
	default:
		return fieldPing
	}
}

func decodePayload(num protowire.Number, b []byte) (Payload, error) {
	switch num {
	case fieldHeader:
		return decodeHeader(b)
	case fieldBody:
		return decodeBody(b)
	case fieldComplete:
		return new(Complete), consumeMessage(b, skipAll)
	case fieldFailure:
		return decodeFailure(b)
	case fieldCancel:
		return new(Cancel), consumeMessage(b, skipAll)
	default:
		return decodePing(b)
	}
}

func (h *Header) appendPayload(b []byte) []byte {
	b = appendString(b, 1, h.Operation)
	b = appendMD(b, 2, h.Headers)

	if h.Status != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(h.Status)))
	}

	return b
}

func decodeHeader(b []byte) (*Header, error) {
	h := new(Header)

	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.Operation = v
			return n
		case num == 2 && typ == protowire.BytesType:
			return consumeMDEntry(b, &h.Headers)
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.Status = int32(v)
			return n
		}

		return skipField
	})

	return h, err
}

func (body *Body) appendPayload(b []byte) []byte {
	if len(body.Data) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, body.Data)
	}

	if body.Complete {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}

	return b
}

func decodeBody(b []byte) (*Body, error) {
	body := new(Body)

	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			body.Data = bytes.Clone(v)
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			body.Complete = protowire.DecodeBool(v)
			return n
		}

		return skipField
	})

	return body, err
}

func (*Complete) appendPayload(b []byte) []byte {
	return b
}

func (f *Failure) appendPayload(b []byte) []byte {
	b = appendString(b, 1, f.ErrorStatus)
	b = appendString(b, 2, f.ErrorMessage)
	return appendMD(b, 3, f.Headers)
}

func decodeFailure(b []byte) (*Failure, error) {
	f := new(Failure)

	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.ErrorStatus = v
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.ErrorMessage = v
			return n
		case num == 3 && typ == protowire.BytesType:
			return consumeMDEntry(b, &f.Headers)
		}

		return skipField
	})

	return f, err
}

func (*Cancel) appendPayload(b []byte) []byte {
	return b
}

func (p *Ping) appendPayload(b []byte) []byte {
	if len(p.Pong) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Pong)
	}

	return b
}

func decodePing(b []byte) (*Ping, error) {
	p := new(Ping)

	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			p.Pong = bytes.Clone(v)
			return n
		}

		return skipField
	})

	return p, err
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendMD encodes md as a map<string, Values> field, emitting the entries in insertion order.
func appendMD(b []byte, num protowire.Number, md bridgemd.MD) []byte {
	md.Range(func(key string, values []string) bool {
		var vb []byte
		for _, v := range values {
			vb = protowire.AppendTag(vb, 1, protowire.BytesType)
			vb = protowire.AppendString(vb, v)
		}

		var eb []byte
		eb = protowire.AppendTag(eb, 1, protowire.BytesType)
		eb = protowire.AppendString(eb, key)
		eb = protowire.AppendTag(eb, 2, protowire.BytesType)
		eb = protowire.AppendBytes(eb, vb)

		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
		return true
	})

	return b
}

func consumeMDEntry(b []byte, md *bridgemd.MD) int {
	eb, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}

	var key string
	var values []string

	err := consumeMessage(eb, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			key = v
			return n
		case num == 2 && typ == protowire.BytesType:
			vb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}

			verr := consumeMessage(vb, func(num protowire.Number, typ protowire.Type, b []byte) int {
				if num == 1 && typ == protowire.BytesType {
					v, n := protowire.ConsumeString(b)
					values = append(values, v)
					return n
				}

				return skipField
			})
			if verr != nil {
				return errPayload
			}

			return n
		}

		return skipField
	})
	if err != nil {
		return errPayload
	}

	md.Append(key, values...)
	return n
}

const (
	// skipField is returned by field callbacks to skip unknown fields.
	skipField = math.MinInt
	// errPayload is returned by field callbacks when a field or a nested message is malformed.
	errPayload = math.MinInt + 1
)

var errNestedMessage = errors.New("malformed nested message")

func skipAll(protowire.Number, protowire.Type, []byte) int {
	return skipField
}

// consumeMessage iterates over the fields of a protobuf message, calling f for each one.
// f returns the number of bytes consumed, a negative protowire error code, skipField or errPayload.
func consumeMessage(b []byte, f func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]

		n = f(num, typ, b)
		switch {
		case n == skipField:
			n = protowire.ConsumeFieldValue(num, typ, b)
		case n == errPayload:
			return errNestedMessage
		}

		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]
	}

	return nil
}
