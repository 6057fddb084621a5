package wsframe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/renbou/wsbridge/bridgemd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Test_Encode_RoundTrip checks that decoding an encoded frame yields the same frame for all payload kinds.
func Test_Encode_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name: "client header",
			frame: &Frame{StreamID: 1, Payload: &Header{
				Operation: "wsbridge.test.EchoService/Echo",
				Headers:   bridgemd.Pairs("x-b", "1", "x-a", "2", "x-b", "3", "grpc-timeout", "100m"),
			}},
		},
		{
			name: "server header with status",
			frame: &Frame{StreamID: 42, Payload: &Header{
				Headers: bridgemd.Pairs("trailer:grpc-status", "5"),
				Status:  5,
			}},
		},
		{
			name:  "negative status",
			frame: &Frame{StreamID: 3, Payload: &Header{Status: -1}},
		},
		{
			name:  "body",
			frame: &Frame{StreamID: 7, Payload: &Body{Data: EncodeMessage([]byte("hello")), Complete: true}},
		},
		{
			name:  "empty body",
			frame: &Frame{StreamID: 7, Payload: &Body{}},
		},
		{
			name:  "complete",
			frame: &Frame{StreamID: 1 << 31, Payload: &Complete{}},
		},
		{
			name: "failure",
			frame: &Frame{StreamID: 9, Payload: &Failure{
				ErrorStatus:  "5",
				ErrorMessage: "not found",
				Headers:      bridgemd.Pairs("grpc-status", "5", "x-reason", "missing"),
			}},
		},
		{
			name:  "cancel",
			frame: &Frame{StreamID: 10, Payload: &Cancel{}},
		},
		{
			name:  "ping",
			frame: &Frame{Payload: &Ping{Pong: []byte{1, 2, 3}}},
		},
		{
			name:  "max stream id",
			frame: &Frame{StreamID: ^uint32(0), Payload: &Cancel{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Act
			encoded, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode() returned non-nil error = %q", err)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() returned non-nil error = %q", err)
			}

			// Assert
			if diff := cmp.Diff(tt.frame, decoded, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Decode(Encode()) returned frame differing from original (-want +got):\n%s", diff)
			}

			if decoded.Kind() != tt.frame.Kind() {
				t.Errorf("Decode(Encode()) returned frame of kind %s, want %s", decoded.Kind(), tt.frame.Kind())
			}
		})
	}
}

// Test_Encode_Wire checks the exact wire format of a few frames against hand-encoded protobuf bytes.
func Test_Encode_Wire(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame *Frame
		want  []byte
	}{
		{name: "cancel", frame: &Frame{StreamID: 1, Payload: &Cancel{}}, want: []byte{0x08, 0x01, 0x32, 0x00}},
		{name: "complete", frame: &Frame{StreamID: 2, Payload: &Complete{}}, want: []byte{0x08, 0x02, 0x22, 0x00}},
		{name: "ping", frame: &Frame{Payload: &Ping{}}, want: []byte{0x3a, 0x00}},
		{
			name:  "body",
			frame: &Frame{StreamID: 1, Payload: &Body{Data: []byte{0xff}, Complete: true}},
			want:  []byte{0x08, 0x01, 0x1a, 0x05, 0x0a, 0x01, 0xff, 0x10, 0x01},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode() returned non-nil error = %q", err)
			}

			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = %x, want %x", got, tt.want)
			}
		})
	}
}

func Test_Encode_NoPayload(t *testing.T) {
	t.Parallel()

	if _, err := Encode(&Frame{StreamID: 1}); !errors.Is(err, ErrNoPayload) {
		t.Errorf("Encode() returned error = %v, want %v", err, ErrNoPayload)
	}
}

// Test_Decode_Unknown checks that unknown fields are skipped and unknown payloads result in a nil payload.
func Test_Decode_Unknown(t *testing.T) {
	t.Parallel()

	// Arrange
	var b []byte
	b = protowire.AppendTag(b, fieldStreamID, protowire.VarintType)
	b = protowire.AppendVarint(b, 5)
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendString(b, "unknown payload kind")
	b = protowire.AppendTag(b, 16, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 1)

	// Act
	f, err := Decode(b)

	// Assert
	if err != nil {
		t.Fatalf("Decode() returned non-nil error = %q", err)
	}

	if diff := cmp.Diff(&Frame{StreamID: 5}, f); diff != "" {
		t.Errorf("Decode() returned frame differing from expected (-want +got):\n%s", diff)
	}

	if f.Kind() != KindUnknown {
		t.Errorf("Decode() returned frame of kind %s, want %s", f.Kind(), KindUnknown)
	}
}

func Test_Decode_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated tag", data: []byte{0x80}},
		{name: "truncated payload", data: []byte{0x08, 0x01, 0x1a, 0x05, 0x0a}},
		{name: "malformed nested header", data: []byte{0x12, 0x02, 0x0a, 0x05}},
		{name: "stream id overflow", data: []byte{0x08, 0x80, 0x80, 0x80, 0x80, 0x10, 0x3a, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Decode(tt.data)

			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Errorf("Decode(%x) returned error = %v, want *DecodeError", tt.data, err)
			}
		})
	}
}

// Test_EncodeMessage checks the 5-byte sub-framing of messages of various sizes.
func Test_EncodeMessage(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 1, 5, 255, 256, 1 << 16, 1<<16 + 1} {
		msg := bytes.Repeat([]byte{0xab}, size)

		framed := EncodeMessage(msg)

		if len(framed) != size+MessageHeaderLen {
			t.Fatalf("EncodeMessage(%d bytes) returned %d bytes, want %d", size, len(framed), size+MessageHeaderLen)
		}

		if framed[0] != 0 {
			t.Errorf("EncodeMessage(%d bytes) set compression flag = %#x, want 0", size, framed[0])
		}

		if length := binary.BigEndian.Uint32(framed[1:5]); length != uint32(size) {
			t.Errorf("EncodeMessage(%d bytes) encoded length = %d, want %d", size, length, size)
		}

		got, err := DecodeMessage(framed)
		if err != nil {
			t.Fatalf("DecodeMessage(EncodeMessage(%d bytes)) returned non-nil error = %q", size, err)
		}

		if !bytes.Equal(got, msg) {
			t.Errorf("DecodeMessage(EncodeMessage(%d bytes)) returned different bytes", size)
		}
	}
}

func Test_DecodeMessage_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		data       []byte
		compressed bool
	}{
		{name: "empty", data: nil},
		{name: "short header", data: []byte{0, 0, 0}},
		{name: "compressed", data: []byte{1, 0, 0, 0, 1, 0xff}, compressed: true},
		{name: "length too large", data: []byte{0, 0, 0, 0, 3, 0xff}},
		{name: "trailing bytes", data: []byte{0, 0, 0, 0, 1, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodeMessage(tt.data)

			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("DecodeMessage(%x) returned error = %v, want *DecodeError", tt.data, err)
			}

			if got := errors.Is(err, ErrCompressed); got != tt.compressed {
				t.Errorf("DecodeMessage(%x) error matches ErrCompressed = %v, want %v", tt.data, got, tt.compressed)
			}
		})
	}
}

func Test_SplitMessages(t *testing.T) {
	t.Parallel()

	// Arrange
	data := append(EncodeMessage([]byte("first")), EncodeMessage(nil)...)
	data = append(data, EncodeMessage([]byte("third"))...)

	// Act
	msgs, err := SplitMessages(data)
	if err != nil {
		t.Fatalf("SplitMessages() returned non-nil error = %q", err)
	}

	// Assert
	want := [][]byte{[]byte("first"), {}, []byte("third")}
	if diff := cmp.Diff(want, msgs, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("SplitMessages() returned messages differing from expected (-want +got):\n%s", diff)
	}

	if _, err := SplitMessages(data[:len(data)-1]); err == nil {
		t.Errorf("SplitMessages() on truncated data returned nil error")
	}
}

func Test_MessageBuffer_Write(t *testing.T) {
	t.Parallel()

	first := EncodeMessage([]byte("hello world"))
	second := EncodeMessage([]byte("bye"))
	joined := append(append([]byte{}, first...), second...)

	tests := []struct {
		name         string
		chunks       [][]byte
		want         [][]byte
		wantBuffered int
	}{
		{
			name:   "whole messages",
			chunks: [][]byte{joined},
			want:   [][]byte{[]byte("hello world"), []byte("bye")},
		},
		{
			name:   "message split inside body",
			chunks: [][]byte{first[:8], first[8:]},
			want:   [][]byte{[]byte("hello world")},
		},
		{
			name:   "message split inside header",
			chunks: [][]byte{first[:2], first[2:], second},
			want:   [][]byte{[]byte("hello world"), []byte("bye")},
		},
		{
			name:   "byte by byte",
			chunks: splitBytes(second),
			want:   [][]byte{[]byte("bye")},
		},
		{
			name:         "incomplete tail",
			chunks:       [][]byte{joined[:len(joined)-1]},
			want:         [][]byte{[]byte("hello world")},
			wantBuffered: len(second) - 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			var mb MessageBuffer
			var got [][]byte

			// Act
			for _, chunk := range tt.chunks {
				msgs, err := mb.Write(chunk)
				if err != nil {
					t.Fatalf("MessageBuffer.Write() returned non-nil error = %q", err)
				}

				got = append(got, msgs...)
			}

			// Assert
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("MessageBuffer.Write() returned messages differing from expected (-want +got):\n%s", diff)
			}

			if mb.Buffered() != tt.wantBuffered {
				t.Errorf("MessageBuffer.Buffered() = %d, want %d", mb.Buffered(), tt.wantBuffered)
			}
		})
	}
}

func Test_MessageBuffer_Write_Compressed(t *testing.T) {
	t.Parallel()

	var mb MessageBuffer

	msg := EncodeMessage([]byte("zipped"))
	msg[0] = 1

	if _, err := mb.Write(msg[:3]); err != nil {
		t.Fatalf("MessageBuffer.Write() on partial header returned non-nil error = %q", err)
	}

	if _, err := mb.Write(msg[3:]); !errors.Is(err, ErrCompressed) {
		t.Errorf("MessageBuffer.Write() returned error = %v, want ErrCompressed", err)
	}
}

func splitBytes(b []byte) [][]byte {
	chunks := make([][]byte, len(b))
	for i := range b {
		chunks[i] = b[i : i+1]
	}

	return chunks
}
