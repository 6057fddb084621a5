package transport

import (
	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/bridgemd"
	"github.com/renbou/wsbridge/rpcerr"
)

// Controller is the transport-side handle of a call, used by transport implementations
// to feed the events of the underlying stream into the call object returned to the application.
// All methods are safe for concurrent use, and events received after the call has ended are ignored.
type Controller struct {
	c *callState
}

// NewUnaryCall creates a new unary call along with its controller.
func NewUnaryCall(method *bridgedesc.Method, opts CallOptions) (*UnaryCall, *Controller) {
	c := newCallState(method, opts, false)
	return &UnaryCall{c}, &Controller{c}
}

// NewServerStreamingCall creates a new server-streaming call along with its controller.
func NewServerStreamingCall(method *bridgedesc.Method, opts CallOptions) (*ServerStreamingCall, *Controller) {
	c := newCallState(method, opts, true)
	return &ServerStreamingCall{c}, &Controller{c}
}

// NewClientStreamingCall creates a new client-streaming call along with its controller.
func NewClientStreamingCall(method *bridgedesc.Method, opts CallOptions) (*ClientStreamingCall, *Controller) {
	c := newCallState(method, opts, false)
	return &ClientStreamingCall{c}, &Controller{c}
}

// NewDuplexStreamingCall creates a new duplex streaming call along with its controller.
func NewDuplexStreamingCall(method *bridgedesc.Method, opts CallOptions) (*DuplexStreamingCall, *Controller) {
	c := newCallState(method, opts, true)
	return &DuplexStreamingCall{c}, &Controller{c}
}

// Method returns the description of the called method.
func (ctl *Controller) Method() *bridgedesc.Method {
	return ctl.c.method
}

// RequestMetadata returns the metadata which should be sent with the call.
func (ctl *Controller) RequestMetadata() bridgemd.MD {
	return ctl.c.md.Copy()
}

// Codec returns the codec used for the call's messages.
func (ctl *Controller) Codec() bridgedesc.Codec {
	return ctl.c.codec
}

// Marshal serializes the request message using the call's codec, failing the call with INTERNAL on error.
func (ctl *Controller) Marshal(msg any) ([]byte, error) {
	data, err := ctl.c.codec.Marshal(msg)
	if err != nil {
		err = rpcerr.Internal("marshaling request message: %s", err)
		ctl.Fail(err)

		return nil, err
	}

	return data, nil
}

// Done returns a channel which is closed once the call ends.
func (ctl *Controller) Done() <-chan struct{} {
	return ctl.c.final.done
}

// Header resolves the header of the call. Only the first header is used.
func (ctl *Controller) Header(md bridgemd.MD) {
	ctl.c.header.resolve(md)
}

// Trailer appends the specified trailers to the ones returned once the call ends.
func (ctl *Controller) Trailer(md bridgemd.MD) {
	if ctl.c.final.isSettled() {
		return
	}

	ctl.c.mu.Lock()
	defer ctl.c.mu.Unlock()

	md.Range(func(key string, values []string) bool {
		ctl.c.trailer.Append(key, values...)
		return true
	})
}

// Message delivers a single response message. For calls with a single response only the first message is used,
// for streaming calls it is queued for receiving, unless the consumer has closed the stream.
func (ctl *Controller) Message(data []byte) {
	if ctl.c.final.isSettled() {
		return
	}

	if ctl.c.output != nil {
		ctl.c.output.push(data)
		return
	}

	ctl.c.response.resolve(data)
}

// ConsumerClosed reports whether the application has stopped receiving the call's messages using CloseRecv.
func (ctl *Controller) ConsumerClosed() bool {
	return ctl.c.output != nil && ctl.c.output.isConsumerClosed()
}

// Finish ends the call successfully. Calls with a single response fail with INTERNAL if none was received.
func (ctl *Controller) Finish() {
	if ctl.c.response != nil && !ctl.c.response.isSettled() {
		ctl.c.settle(errNoResponse)
		return
	}

	ctl.c.settle(nil)
}

// Fail ends the call with the specified error, which is classified using [rpcerr.Classify].
func (ctl *Controller) Fail(err error) {
	if err == nil {
		err = rpcerr.Internal("call failed with unspecified error")
	}

	ctl.c.settle(rpcerr.Classify(err))
}

// BindCancel sets the function called when the application cancels the call.
// It should abort the underlying stream, the call itself is settled by the Cancel call regardless.
func (ctl *Controller) BindCancel(cancel func(err error)) {
	ctl.c.mu.Lock()
	defer ctl.c.mu.Unlock()

	ctl.c.cancelFn = cancel
}

// BindInput sets the functions used to send the request messages of client-streaming and duplex calls.
func (ctl *Controller) BindInput(send func(data []byte) error, closeSend func() error) {
	ctl.c.mu.Lock()
	defer ctl.c.mu.Unlock()

	ctl.c.sendFn = send
	ctl.c.closeSendFn = closeSend
}
