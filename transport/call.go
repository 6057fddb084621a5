// Package transport defines the call objects returned by wsbridge transports,
// the interfaces implemented by the transports themselves, and adapters built on top of them.
//
// Each call settles exactly once: when it completes successfully, fails, or is canceled.
// The header and the single response message become available as soon as they are received,
// while the status and trailers become available when the call settles.
// Everything still pending at that moment is settled together with the call.
package transport

import (
	"context"
	"io"
	"sync"

	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/bridgemd"
	"github.com/renbou/wsbridge/rpcerr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	errCallCanceled = status.Error(codes.Canceled, "wsbridge: call canceled")
	errRecvClosed   = status.Error(codes.Canceled, "wsbridge: receiving closed by CloseRecv")
	errSendClosed   = status.Error(codes.Internal, "wsbridge: send after CloseSend")
	errNoInput      = status.Error(codes.Internal, "wsbridge: call has no input bound")
	errNoResponse   = status.Error(codes.Internal, "wsbridge: call completed without a response message")
)

// callState is the state shared by all call shapes.
type callState struct {
	method *bridgedesc.Method
	md     bridgemd.MD
	codec  bridgedesc.Codec

	header   *deferred[bridgemd.MD]
	final    *deferred[struct{}]
	response *deferred[[]byte] // only for shapes with a single response
	output   *messageQueue     // only for shapes with streamed output

	mu          sync.Mutex
	trailer     bridgemd.MD
	cancelFn    func(error)
	sendFn      func([]byte) error
	closeSendFn func() error
	sendClosed  bool
}

func newCallState(method *bridgedesc.Method, opts CallOptions, streamedOutput bool) *callState {
	c := &callState{
		method: method,
		md:     opts.Metadata.Copy(),
		codec:  opts.codec(),
		header: newDeferred[bridgemd.MD](),
		final:  newDeferred[struct{}](),
	}

	if streamedOutput {
		c.output = newMessageQueue()
	} else {
		c.response = newDeferred[[]byte]()
	}

	return c
}

// Method returns the description of the called method.
func (c *callState) Method() *bridgedesc.Method {
	return c.method
}

// RequestMetadata returns the metadata sent with the call.
func (c *callState) RequestMetadata() bridgemd.MD {
	return c.md.Copy()
}

// Header waits for the response header, which is available before the call ends.
// If the call fails before any header is received, the call's error is returned.
func (c *callState) Header(ctx context.Context) (bridgemd.MD, error) {
	return c.header.wait(ctx)
}

// Status waits for the call to end and returns its final status.
// The returned error is non-nil only if ctx is done before the call ends.
func (c *callState) Status(ctx context.Context) (*status.Status, error) {
	select {
	case <-c.final.done:
		return status.Convert(c.final.err), nil
	case <-ctx.Done():
		return nil, rpcerr.FromContext(ctx.Err())
	}
}

// Trailer waits for the call to end and returns its trailers along with the error the call ended with, if any.
func (c *callState) Trailer(ctx context.Context) (bridgemd.MD, error) {
	select {
	case <-c.final.done:
	case <-ctx.Done():
		return bridgemd.MD{}, rpcerr.FromContext(ctx.Err())
	}

	c.mu.Lock()
	trailer := c.trailer.Copy()
	c.mu.Unlock()

	if errTrailer, ok := rpcerr.TrailerOf(c.final.err); ok {
		errTrailer.Range(func(key string, values []string) bool {
			trailer.Append(key, values...)
			return true
		})
	}

	return trailer, c.final.err
}

// Done returns a channel which is closed once the call ends.
func (c *callState) Done() <-chan struct{} {
	return c.final.done
}

// Err returns the error the call ended with, or nil if it hasn't ended yet or completed successfully.
func (c *callState) Err() error {
	if !c.final.isSettled() {
		return nil
	}

	return c.final.err
}

// Cancel ends the call immediately with CANCELLED, notifying the server on a best-effort basis.
func (c *callState) Cancel() {
	c.cancel(errCallCanceled)
}

func (c *callState) cancel(err error) {
	c.mu.Lock()
	cancelFn := c.cancelFn
	c.mu.Unlock()

	if cancelFn != nil {
		cancelFn(err)
	}

	c.settle(err)
}

// settle ends the call, settling all of its pending parts.
func (c *callState) settle(err error) {
	if !c.final.settle(struct{}{}, err) {
		return
	}

	if err != nil {
		c.header.reject(err)
	} else {
		c.header.resolve(bridgemd.MD{})
	}

	if c.response != nil {
		c.response.reject(err)
	}

	if c.output != nil {
		if err == nil {
			err = io.EOF
		}

		c.output.close(err)
	}
}

func (c *callState) send(msg any) error {
	c.mu.Lock()
	sendClosed, sendFn := c.sendClosed, c.sendFn
	c.mu.Unlock()

	if sendClosed {
		return errSendClosed
	}

	if c.final.isSettled() {
		return io.EOF
	}

	if sendFn == nil {
		return errNoInput
	}

	data, err := c.codec.Marshal(msg)
	if err != nil {
		return rpcerr.Internal("marshaling request message: %s", err)
	}

	return sendFn(data)
}

func (c *callState) closeSend() error {
	c.mu.Lock()
	if c.sendClosed {
		c.mu.Unlock()
		return nil
	}

	c.sendClosed = true
	closeSendFn := c.closeSendFn
	c.mu.Unlock()

	if c.final.isSettled() || closeSendFn == nil {
		return nil
	}

	return closeSendFn()
}

func (c *callState) recv(ctx context.Context, msg any) error {
	data, err := c.output.pop(ctx)
	if err != nil {
		return err
	}

	if err := c.codec.Unmarshal(data, msg); err != nil {
		return rpcerr.Internal("unmarshaling response message: %s", err)
	}

	return nil
}

func (c *callState) closeRecv() {
	c.output.closeConsumer()
}

func (c *callState) awaitResponse(ctx context.Context, msg any) error {
	data, err := c.response.wait(ctx)
	if err != nil {
		return err
	}

	if err := c.codec.Unmarshal(data, msg); err != nil {
		return rpcerr.Internal("unmarshaling response message: %s", err)
	}

	return nil
}

// UnaryCall is a call with a single request and a single response.
type UnaryCall struct {
	*callState
}

// Response waits for the response message and unmarshals it into msg.
// The first response message is returned as soon as it is received, even if the call later fails.
func (c *UnaryCall) Response(ctx context.Context, msg any) error {
	return c.awaitResponse(ctx, msg)
}

// ServerStreamingCall is a call with a single request and a stream of responses.
type ServerStreamingCall struct {
	*callState
}

// Recv waits for the next response message and unmarshals it into msg.
// io.EOF is returned once the call completes successfully and all messages have been received,
// otherwise the call's error is returned after the remaining messages.
func (c *ServerStreamingCall) Recv(ctx context.Context, msg any) error {
	return c.recv(ctx, msg)
}

// CloseRecv marks the consumer as closed, which drops any pending messages and cancels the call
// as soon as the next message arrives.
func (c *ServerStreamingCall) CloseRecv() {
	c.closeRecv()
}

// ClientStreamingCall is a call with a stream of requests and a single response.
type ClientStreamingCall struct {
	*callState
}

// Send marshals and sends a single request message.
// io.EOF is returned if the call has already ended, in which case its status should be checked.
func (c *ClientStreamingCall) Send(msg any) error {
	return c.send(msg)
}

// CloseSend notifies the server that no more messages will be sent.
func (c *ClientStreamingCall) CloseSend() error {
	return c.closeSend()
}

// Response waits for the response message and unmarshals it into msg.
// If the call fails before a response is received, only the error is returned.
func (c *ClientStreamingCall) Response(ctx context.Context, msg any) error {
	return c.awaitResponse(ctx, msg)
}

// DuplexStreamingCall is a call where both sides stream messages independently.
type DuplexStreamingCall struct {
	*callState
}

// Send marshals and sends a single request message.
// io.EOF is returned if the call has already ended, in which case its status should be checked.
func (c *DuplexStreamingCall) Send(msg any) error {
	return c.send(msg)
}

// CloseSend notifies the server that no more messages will be sent.
func (c *DuplexStreamingCall) CloseSend() error {
	return c.closeSend()
}

// Recv waits for the next response message and unmarshals it into msg,
// with the same semantics as [ServerStreamingCall.Recv].
func (c *DuplexStreamingCall) Recv(ctx context.Context, msg any) error {
	return c.recv(ctx, msg)
}

// CloseRecv marks the consumer as closed, same as [ServerStreamingCall.CloseRecv].
func (c *DuplexStreamingCall) CloseRecv() {
	c.closeRecv()
}
