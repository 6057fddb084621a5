// Package wstransport implements the four gRPC call shapes over logical streams of a [wschannel.Channel].
//
// Every call opens its own logical stream, and all of the call's events are driven by the stream's callbacks.
// Calls are never retried by the transport, a call whose stream fails is failed with the classified error.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/bridgelog"
	"github.com/renbou/wsbridge/bridgemd"
	"github.com/renbou/wsbridge/internal/rpcutil"
	"github.com/renbou/wsbridge/rpcerr"
	"github.com/renbou/wsbridge/transport"
	"github.com/renbou/wsbridge/wschannel"
	"google.golang.org/grpc/codes"
)

const (
	keyTimeout = "grpc-timeout"
	keyStatus  = "grpc-status"
)

// Opts define the configurable parameters of a [Transport].
type Opts struct {
	// Logger is used for logging call failures. By default, [bridgelog.Discard] is used.
	Logger bridgelog.Logger
	// DefaultTimeout is used for calls which don't specify their own timeout. Zero means no timeout.
	DefaultTimeout time.Duration
	// Codec is the default codec of calls, [bridgedesc.DefaultCodec] by default.
	Codec bridgedesc.Codec
}

func (o Opts) withDefaults() Opts {
	if o.Logger == nil {
		o.Logger = bridgelog.Discard()
	}

	if o.Codec == nil {
		o.Codec = bridgedesc.DefaultCodec()
	}

	return o
}

// Transport performs calls of all shapes over a single [wschannel.Channel].
// Multiple transports may share the same channel.
type Transport struct {
	channel  *wschannel.Channel
	logger   bridgelog.Logger
	defaults transport.CallOptions
}

var _ transport.Transport = (*Transport)(nil)

// New creates a new Transport using the specified channel.
func New(channel *wschannel.Channel, opts Opts) *Transport {
	opts = opts.withDefaults()

	return &Transport{
		channel: channel,
		logger:  opts.Logger.WithComponent("wsbridge.transport"),
		defaults: transport.CallOptions{
			Timeout: opts.DefaultTimeout,
			Codec:   opts.Codec,
		},
	}
}

// MergeOptions returns the transport's default call options with opts applied on top.
func (t *Transport) MergeOptions(opts ...transport.CallOption) transport.CallOptions {
	return transport.ApplyOptions(t.defaults, opts...)
}

// Unary sends the single request message along with the complete flag,
// and resolves the response with the first message received.
func (t *Transport) Unary(ctx context.Context, method *bridgedesc.Method, input any, opts transport.CallOptions) *transport.UnaryCall {
	call, ctl := transport.NewUnaryCall(method, opts)
	t.startSingle(ctx, ctl, input, opts.Timeout)

	return call
}

// ServerStreaming sends the single request message along with the complete flag,
// and queues all received messages for receiving.
func (t *Transport) ServerStreaming(ctx context.Context, method *bridgedesc.Method, input any, opts transport.CallOptions) *transport.ServerStreamingCall {
	call, ctl := transport.NewServerStreamingCall(method, opts)
	t.startSingle(ctx, ctl, input, opts.Timeout)

	return call
}

// ClientStreaming opens the stream immediately, with request messages sent as they're submitted.
func (t *Transport) ClientStreaming(ctx context.Context, method *bridgedesc.Method, opts transport.CallOptions) *transport.ClientStreamingCall {
	call, ctl := transport.NewClientStreamingCall(method, opts)
	t.startStreaming(ctx, ctl, opts.Timeout)

	return call
}

// DuplexStreaming opens the stream immediately, with request messages sent as they're submitted
// and received messages queued for receiving.
func (t *Transport) DuplexStreaming(ctx context.Context, method *bridgedesc.Method, opts transport.CallOptions) *transport.DuplexStreamingCall {
	call, ctl := transport.NewDuplexStreamingCall(method, opts)
	t.startStreaming(ctx, ctl, opts.Timeout)

	return call
}

func (t *Transport) startSingle(ctx context.Context, ctl *transport.Controller, input any, timeout time.Duration) {
	data, err := ctl.Marshal(input)
	if err != nil {
		return
	}

	stream := t.start(ctx, ctl, timeout)
	if stream == nil {
		return
	}

	if err := stream.SendMessage(data, true); err != nil {
		t.abort(ctl, stream, err)
	}
}

func (t *Transport) startStreaming(ctx context.Context, ctl *transport.Controller, timeout time.Duration) {
	stream := t.start(ctx, ctl, timeout)
	if stream == nil {
		return
	}

	ctl.BindInput(func(data []byte) error {
		return sendError(stream.SendMessage(data, false))
	}, func() error {
		return sendError(stream.FinishSend())
	})
}

// start opens and starts the call's stream, returning nil if the call has already failed.
func (t *Transport) start(ctx context.Context, ctl *transport.Controller, timeout time.Duration) *wschannel.Stream {
	method := ctl.Method()

	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	md := ctl.RequestMetadata()
	if deadline, ok := ctx.Deadline(); ok {
		md.Set(keyTimeout, rpcutil.EncodeTimeout(time.Until(deadline)))
	}

	var (
		stopCtx   func() bool
		state     = &streamState{}
		logger    = t.logger.With("method", method.FullMethod())
		stopReady = make(chan struct{})
	)

	stream, err := t.channel.OpenStream(wschannel.StreamOpts{
		Service:  method.Service,
		Method:   method.Name,
		IsStream: method.IsStream(),
		Callbacks: wschannel.Callbacks{
			OnHeader: func(md bridgemd.MD, status int32) {
				header, trailer := md.SplitTrailers()
				ctl.Header(header)

				if trailer.Len() > 0 {
					trailer.Range(func(key string, values []string) bool {
						state.trailer.Append(key, values...)
						return true
					})
					ctl.Trailer(trailer)
				}

				if status != 0 {
					state.httpStatus = status
				}
			},
			OnMessage:      ctl.Message,
			ConsumerClosed: ctl.ConsumerClosed,
			OnEnd: func(err error) {
				<-stopReady
				stopCtx()
				cancel()

				if err == nil {
					err = state.failure()
				}

				if err != nil {
					logger.Debug("call failed", "error", rpcerr.Describe(err))
					ctl.Fail(err)

					return
				}

				ctl.Finish()
			},
		},
	})
	if err != nil {
		cancel()
		logger.Warn("failed to open stream", "error", rpcerr.Describe(err))
		ctl.Fail(err)

		return nil
	}

	stopCtx = context.AfterFunc(ctx, func() {
		stream.Cancel(rpcerr.FromContext(ctx.Err()))
	})
	close(stopReady)

	ctl.BindCancel(stream.Cancel)

	if err := stream.Start(md); err != nil {
		t.abort(ctl, stream, err)
		return nil
	}

	return stream
}

// abort fails the call after a failed write. Streams which have already ended are settled by their OnEnd callback.
func (t *Transport) abort(ctl *transport.Controller, stream *wschannel.Stream, err error) {
	if errors.Is(err, wschannel.ErrStreamEnded) {
		return
	}

	err = rpcerr.Classify(err)
	stream.Cancel(err)
	ctl.Fail(err)
}

// streamState is the per-call state accumulated by the stream callbacks.
// The callbacks of a single stream are serialized by the channel, so no locking is needed.
type streamState struct {
	trailer    bridgemd.MD
	httpStatus int32
}

// failure returns the error reported by the trailers or the response status of a stream which completed normally.
// The trailers have already been delivered to the call, so they aren't attached to the error.
func (s *streamState) failure() error {
	if code, ok := s.trailer.First(keyStatus); ok && rpcerr.ParseCode(code) != codes.OK {
		st := rpcerr.FromFailure("", "", s.trailer).GRPCStatus()
		return rpcerr.New(st.Code(), st.Message(), bridgemd.MD{})
	}

	if s.httpStatus != 0 && s.httpStatus != http.StatusOK {
		return rpcerr.New(rpcerr.FromHTTPStatus(int(s.httpStatus)), fmt.Sprintf("wsbridge: unexpected response status %d", s.httpStatus), bridgemd.MD{})
	}

	return nil
}

func sendError(err error) error {
	if errors.Is(err, wschannel.ErrStreamEnded) {
		return io.EOF
	}

	return err
}
