package wschannel

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/renbou/wsbridge/bridgelog"
	"github.com/renbou/wsbridge/bridgemd"
	"github.com/renbou/wsbridge/rpcerr"
	"github.com/renbou/wsbridge/wsframe"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrStreamEnded is returned when sending frames for a stream which has already ended.
	ErrStreamEnded = errors.New("wschannel: stream already ended")

	errNotStarted     = status.Error(codes.Internal, "wsbridge: stream used before Start")
	errAlreadyStarted = status.Error(codes.Internal, "wsbridge: stream started multiple times")
)

// Callbacks receive the events of a single logical stream.
//
// OnHeader and OnMessage are called sequentially from the channel's read loop, in the order the frames were received.
// OnEnd is called exactly once when the stream ends, and no other callbacks are called after it.
// Callbacks must not block, and must not call back into the [Stream] synchronously.
type Callbacks struct {
	// OnHeader receives the response headers, with keys normalized by [bridgemd.FromWireKey], and the status sent by the server.
	OnHeader func(md bridgemd.MD, status int32)
	// OnMessage receives each unwrapped response message.
	OnMessage func(data []byte)
	// OnEnd receives nil when the server completes the stream successfully, or the error which ended it.
	OnEnd func(err error)
	// ConsumerClosed, if set, is checked before delivering each message. Once it returns true,
	// the stream is canceled instead of delivering any more messages.
	ConsumerClosed func() bool
}

// StreamOpts describe the logical stream to be opened by [Channel.OpenStream].
type StreamOpts struct {
	Service string
	Method  string
	// IsStream is set for streaming methods, and is used only for logging.
	IsStream  bool
	Callbacks Callbacks
}

// Stream is the handle of a single logical stream opened on a [Channel].
type Stream struct {
	channel  *Channel
	logger   bridgelog.Logger
	id       uint32
	service  string
	method   string
	isStream bool
	cbs      Callbacks

	started atomic.Bool

	// Accessed only by the read loop.
	body wsframe.MessageBuffer

	// Guarded by channel.mu.
	removed      bool
	sent         bool
	connectTimer *time.Timer

	// mu serializes the delivery of callbacks with the termination of the stream.
	mu    sync.Mutex
	ended bool
}

// ID returns the stream id, unique among the active streams of the channel.
func (s *Stream) ID() uint32 {
	return s.id
}

// Operation returns the "service/method" operation sent in the header frame.
func (s *Stream) Operation() string {
	return s.service + "/" + s.method
}

// Start opens the stream on the server by sending the header frame with the request metadata.
// If the connection isn't open yet, the frame is queued and flushed once it opens.
func (s *Stream) Start(md bridgemd.MD) error {
	if s.started.Swap(true) {
		return errAlreadyStarted
	}

	s.logger.Debug("starting stream", "is_stream", s.isStream)

	return s.channel.send(s, &wsframe.Frame{
		StreamID: s.id,
		Payload:  &wsframe.Header{Operation: s.Operation(), Headers: md},
	})
}

// SendMessage sends a single message in a body frame, wrapping it in the length-prefixed message framing.
// complete marks the message as the last one sent by the client.
func (s *Stream) SendMessage(data []byte, complete bool) error {
	if !s.started.Load() {
		return errNotStarted
	}

	return s.channel.send(s, &wsframe.Frame{
		StreamID: s.id,
		Payload:  &wsframe.Body{Data: wsframe.EncodeMessage(data), Complete: complete},
	})
}

// FinishSend notifies the server that the client won't send any more messages.
func (s *Stream) FinishSend() error {
	if !s.started.Load() {
		return errNotStarted
	}

	return s.channel.send(s, &wsframe.Frame{StreamID: s.id, Payload: &wsframe.Complete{}})
}

// Cancel ends the stream immediately with the specified error, or CANCELLED if err is nil,
// and notifies the server using a cancel frame without waiting for any acknowledgement.
// Calling Cancel on an already ended stream does nothing.
func (s *Stream) Cancel(err error) {
	if err == nil {
		err = status.Error(codes.Canceled, "wsbridge: stream canceled")
	}

	s.channel.cancelStream(s, err)
}

// truncatedBody returns an error if the stream ended in the middle of a message.
func (s *Stream) truncatedBody() error {
	if n := s.body.Buffered(); n > 0 {
		return rpcerr.Internal("stream ended with %d bytes of an incomplete message", n)
	}

	return nil
}

func (s *Stream) deliver(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}

	f()
}

func (s *Stream) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("stream ended with error", "error", err)
	} else {
		s.logger.Debug("stream completed")
	}

	if s.cbs.OnEnd != nil {
		s.cbs.OnEnd(err)
	}
}
