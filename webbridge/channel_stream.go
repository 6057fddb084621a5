package webbridge

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/bridgemd"
	"github.com/renbou/wsbridge/grpcadapter"
	"github.com/renbou/wsbridge/wsframe"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// errInputEnded is returned by channelStream.Recv once the client has finished sending.
var errInputEnded = io.EOF

// channelStream is the incoming side of a single forwarded stream of a channel connection.
// Send, SetHeader, SetTrailer and finish are called sequentially by the forwarding goroutines,
// while the input is fed by the read loop of the connection.
type channelStream struct {
	conn   *channelConn
	id     uint32
	method bridgedesc.Method
	input  *inputQueue
	// Accessed only by the read loop of the connection.
	body   wsframe.MessageBuffer

	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool

	header     metadata.MD
	headerSent bool
	trailer    metadata.MD
}

var _ grpcadapter.ServerStream = (*channelStream)(nil)

// endInput closes the input once the client finishes sending, failing it if the last message is incomplete.
func (s *channelStream) endInput() {
	if n := s.body.Buffered(); n > 0 {
		s.input.close(status.Errorf(codes.Internal, "client finished sending with %d bytes of an incomplete message", n))
		return
	}

	s.input.close(errInputEnded)
}

func (s *channelStream) Recv(ctx context.Context, msg *grpcadapter.RawMessage) error {
	data, err := s.input.pop(ctx)
	if err != nil {
		return err
	}

	msg.Data = data

	return nil
}

// Send doesn't wait on ctx, since writes are already limited by the write timeout of the connection.
func (s *channelStream) Send(_ context.Context, msg *grpcadapter.RawMessage) error {
	if err := s.flushHeader(); err != nil {
		return err
	}

	return s.conn.write(&wsframe.Frame{
		StreamID: s.id,
		Payload:  &wsframe.Body{Data: wsframe.EncodeMessage(msg.Data)},
	})
}

func (s *channelStream) SetHeader(md metadata.MD) {
	s.header = md
}

func (s *channelStream) SetTrailer(md metadata.MD) {
	s.trailer = md
}

// abort handles a cancel frame from the client.
func (s *channelStream) abort() {
	s.aborted.Store(true)
	s.input.close(status.Error(codes.Canceled, "wsbridge: stream canceled by client"))
	s.cancel()
}

func (s *channelStream) flushHeader() error {
	if s.headerSent {
		return nil
	}

	s.headerSent = true

	return s.conn.write(&wsframe.Frame{
		StreamID: s.id,
		Payload: &wsframe.Header{
			Headers: bridgemd.FromGRPC(encodeBinValues(s.header)),
			Status:  headerStatusOK,
		},
	})
}

// finish sends the result of the stream once forwarding has ended.
func (s *channelStream) finish(err error) error {
	if err != nil {
		// Headers received before the failure are still useful to the client.
		if s.header != nil {
			if herr := s.flushHeader(); herr != nil {
				return herr
			}
		}

		return s.conn.write(failureFrame(s.id, status.Convert(err), s.trailer))
	}

	if err := s.flushHeader(); err != nil {
		return err
	}

	if err := s.conn.write(trailerFrame(s.id, s.trailer)); err != nil {
		return err
	}

	return s.conn.write(&wsframe.Frame{StreamID: s.id, Payload: &wsframe.Complete{}})
}
