// Package rpcerr maps transport failures onto the canonical gRPC error taxonomy used by wsbridge calls.
//
// All errors produced by wsbridge transports are gRPC status errors, which can be inspected
// using [google.golang.org/grpc/status.FromError] and [google.golang.org/grpc/status.Code].
// Errors decoded from failures reported by the server are returned as [*Error], additionally carrying the trailers.
package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/renbou/wsbridge/bridgemd"
	"github.com/renbou/wsbridge/internal/rpcutil"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	keyStatus  = "grpc-status"
	keyMessage = "grpc-message"
)

// Error is a gRPC status error carrying the trailers received together with the status.
type Error struct {
	st      *status.Status
	Trailer bridgemd.MD
}

// New creates an [*Error] with the specified code, message and trailers.
func New(code codes.Code, msg string, trailer bridgemd.MD) *Error {
	return &Error{st: status.New(code, msg), Trailer: trailer}
}

func (e *Error) Error() string {
	return e.st.Err().Error()
}

// GRPCStatus makes [*Error] compatible with [status.FromError].
func (e *Error) GRPCStatus() *status.Status {
	return e.st
}

func (e *Error) Code() codes.Code {
	return e.st.Code()
}

// Unavailable returns an UNAVAILABLE status error.
func Unavailable(format string, args ...any) error {
	return status.Errorf(codes.Unavailable, "wsbridge: "+format, args...)
}

// Internal returns an INTERNAL status error.
func Internal(format string, args ...any) error {
	return status.Errorf(codes.Internal, "wsbridge: "+format, args...)
}

// Classify converts an arbitrary error into a gRPC status error.
// Status errors are returned as-is, context errors become DEADLINE_EXCEEDED or CANCELLED,
// connection errors become UNAVAILABLE and everything else is classified as INTERNAL.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FromContext(err)
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return Unavailable("connection closed with code %d: %s", closeErr.Code, closeErr.Text)
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, websocket.ErrBadHandshake) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return Unavailable("connection failed: %s", err)
	}

	return Internal("%s", err)
}

// FromContext converts the error of a done context into DEADLINE_EXCEEDED or CANCELLED.
func FromContext(err error) error {
	return rpcutil.ContextError(err)
}

// FromFailure decodes a failure reported by the server. The code can be specified either as a number
// or by its canonical name, such as "NOT_FOUND". When the code or message are empty,
// the grpc-status and grpc-message keys of the metadata are used instead.
// A failure never results in an OK code, UNKNOWN is returned for it instead.
func FromFailure(code string, msg string, md bridgemd.MD) *Error {
	if code == "" {
		code, _ = md.First(keyStatus)
	}

	if msg == "" {
		if v, ok := md.First(keyMessage); ok {
			msg = DecodeMessage(v)
		}
	}

	c := ParseCode(code)
	if c == codes.OK {
		c = codes.Unknown
	}

	return New(c, msg, md)
}

// ParseCode parses a numeric or named gRPC code, returning UNKNOWN for invalid values.
func ParseCode(s string) codes.Code {
	s = strings.TrimSpace(s)
	if s == "" {
		return codes.Unknown
	}

	var c codes.Code
	if _, err := strconv.ParseUint(s, 10, 32); err == nil {
		if err := c.UnmarshalJSON([]byte(s)); err != nil {
			return codes.Unknown
		}

		return c
	}

	if err := c.UnmarshalJSON([]byte(strconv.Quote(strings.ToUpper(s)))); err != nil {
		return codes.Unknown
	}

	return c
}

// FromHTTPStatus maps an unsuccessful HTTP status of a gRPC response onto a gRPC code,
// following the gRPC HTTP-to-code mapping.
func FromHTTPStatus(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.Internal
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.Unimplemented
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

// DecodeMessage percent-decodes a grpc-message value, returning it as-is if it is not validly encoded.
func DecodeMessage(v string) string {
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}

	return v
}

// IsRetryable reports whether retrying the whole call might succeed.
// Only UNAVAILABLE, DEADLINE_EXCEEDED, INTERNAL and RESOURCE_EXHAUSTED are considered retryable.
// It is meant for application-level retry loops, the transports never retry calls by themselves.
func IsRetryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// TrailerOf returns the trailers attached to err, if it is or wraps an [*Error].
func TrailerOf(err error) (bridgemd.MD, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Trailer, true
	}

	return bridgemd.MD{}, false
}

// Describe formats err for logging, including its code.
func Describe(err error) string {
	st := status.Convert(err)
	return fmt.Sprintf("code %s: %s", st.Code(), st.Message())
}
