package wsframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageHeaderLen is the length of the gRPC length-prefixed message header:
// a single compression flag byte followed by the big-endian uint32 message length.
const MessageHeaderLen = 5

// ErrCompressed is returned when a message has a non-zero compression flag, since compression is never negotiated.
var ErrCompressed = errors.New("compressed messages are not supported")

// EncodeMessage wraps msg in the 5-byte gRPC length-prefixed message header with the compression flag set to 0.
func EncodeMessage(msg []byte) []byte {
	b := make([]byte, MessageHeaderLen, MessageHeaderLen+len(msg))
	binary.BigEndian.PutUint32(b[1:MessageHeaderLen], uint32(len(msg)))
	return append(b, msg...)
}

// DecodeMessage unwraps a single length-prefixed message, validating that the flag is 0
// and that the length matches the remaining bytes exactly. The result aliases b.
func DecodeMessage(b []byte) ([]byte, error) {
	msg, rest, err := nextMessage(b)
	if err != nil {
		return nil, err
	}

	if len(rest) > 0 {
		return nil, &DecodeError{What: "message", Err: fmt.Errorf("%d trailing bytes after message", len(rest))}
	}

	return msg, nil
}

// SplitMessages unwraps all the concatenated length-prefixed messages contained in b.
// The results alias b.
func SplitMessages(b []byte) ([][]byte, error) {
	var msgs [][]byte

	for len(b) > 0 {
		msg, rest, err := nextMessage(b)
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, msg)
		b = rest
	}

	return msgs, nil
}

func nextMessage(b []byte) (msg []byte, rest []byte, err error) {
	if len(b) < MessageHeaderLen {
		return nil, nil, &DecodeError{What: "message", Err: fmt.Errorf("header truncated to %d bytes", len(b))}
	}

	if b[0] != 0 {
		return nil, nil, &DecodeError{What: "message", Err: fmt.Errorf("%w (flag = %#x)", ErrCompressed, b[0])}
	}

	length := binary.BigEndian.Uint32(b[1:MessageHeaderLen])
	b = b[MessageHeaderLen:]

	if uint64(length) > uint64(len(b)) {
		return nil, nil, &DecodeError{What: "message", Err: fmt.Errorf("length %d exceeds the %d available bytes", length, len(b))}
	}

	return b[:length], b[length:], nil
}

// MessageBuffer reassembles length-prefixed messages which may be split across the bodies of multiple frames.
// The zero value is ready to use. It isn't safe for concurrent use.
type MessageBuffer struct {
	buf []byte
}

// Write appends chunk to the buffered bytes and returns all the messages completed by it, in order.
// Bytes of an incomplete message are kept until the next call. An error is returned only for a message
// with a non-zero flag, after which the buffer must not be used anymore.
func (mb *MessageBuffer) Write(chunk []byte) ([][]byte, error) {
	mb.buf = append(mb.buf, chunk...)

	var msgs [][]byte

	for len(mb.buf) >= MessageHeaderLen {
		if mb.buf[0] != 0 {
			return msgs, &DecodeError{What: "message", Err: fmt.Errorf("%w (flag = %#x)", ErrCompressed, mb.buf[0])}
		}

		length := binary.BigEndian.Uint32(mb.buf[1:MessageHeaderLen])
		if uint64(length) > uint64(len(mb.buf)-MessageHeaderLen) {
			break
		}

		end := MessageHeaderLen + int(length)
		msgs = append(msgs, mb.buf[MessageHeaderLen:end:end])
		mb.buf = mb.buf[end:]
	}

	if len(mb.buf) == 0 {
		mb.buf = nil
	}

	return msgs, nil
}

// Buffered returns the number of bytes of an incomplete message kept by the buffer.
func (mb *MessageBuffer) Buffered() int {
	return len(mb.buf)
}
