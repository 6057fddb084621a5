package bridgetest

import (
	"context"
	"errors"
	"io"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// EchoServiceName is the name under which the echo service is registered.
const EchoServiceName = "wsbridge.test.EchoService"

// EchoService is a test service of every shape exchanging [wrapperspb.StringValue] messages.
// Every method sets the "x-echo" header and trailer, and returns the "x-request" request header as "x-request-echo".
//
//   - Echo returns the request as-is.
//   - Repeat streams back every comma-separated part of the request.
//   - Concat returns the concatenation of all the requests.
//   - Chat streams back every request.
//   - Fail returns NOT_FOUND with the request as the message and the "x-reason" trailer.
//   - Block waits until the call is canceled.
var EchoService = grpc.ServiceDesc{
	ServiceName: EchoServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Echo", Handler: unaryHandler(func(_ context.Context, req string) (string, error) { return req, nil })},
		{MethodName: "Fail", Handler: unaryHandler(failHandler)},
		{MethodName: "Block", Handler: unaryHandler(blockHandler)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Repeat", Handler: repeatHandler, ServerStreams: true},
		{StreamName: "Concat", Handler: concatHandler, ClientStreams: true},
		{StreamName: "Chat", Handler: chatHandler, ServerStreams: true, ClientStreams: true},
	},
}

func echoMetadata(ctx context.Context) (header, trailer metadata.MD) {
	header = metadata.Pairs("x-echo", "header")
	trailer = metadata.Pairs("x-echo", "trailer")

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-request"); len(v) > 0 {
			header.Set("x-request-echo", v...)
		}
	}

	return header, trailer
}

func unaryHandler(f func(context.Context, string) (string, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		req := new(wrapperspb.StringValue)
		if err := dec(req); err != nil {
			return nil, err
		}

		header, trailer := echoMetadata(ctx)
		_ = grpc.SetHeader(ctx, header)
		_ = grpc.SetTrailer(ctx, trailer)

		resp, err := f(ctx, req.GetValue())
		if err != nil {
			return nil, err
		}

		return wrapperspb.String(resp), nil
	}
}

func failHandler(ctx context.Context, req string) (string, error) {
	_ = grpc.SetTrailer(ctx, metadata.Pairs("x-reason", "failed on purpose"))
	return "", status.Error(codes.NotFound, req)
}

func blockHandler(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", status.FromContextError(ctx.Err()).Err()
}

func setStreamMetadata(stream grpc.ServerStream) {
	header, trailer := echoMetadata(stream.Context())
	_ = stream.SetHeader(header)
	stream.SetTrailer(trailer)
}

func repeatHandler(_ any, stream grpc.ServerStream) error {
	setStreamMetadata(stream)

	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	for _, part := range strings.Split(req.GetValue(), ",") {
		if err := stream.SendMsg(wrapperspb.String(part)); err != nil {
			return err
		}
	}

	return nil
}

func concatHandler(_ any, stream grpc.ServerStream) error {
	setStreamMetadata(stream)

	var b strings.Builder

	for {
		req := new(wrapperspb.StringValue)
		if err := stream.RecvMsg(req); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}

		b.WriteString(req.GetValue())
	}

	return stream.SendMsg(wrapperspb.String(b.String()))
}

func chatHandler(_ any, stream grpc.ServerStream) error {
	setStreamMetadata(stream)

	for {
		req := new(wrapperspb.StringValue)
		if err := stream.RecvMsg(req); errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		if err := stream.SendMsg(req); err != nil {
			return err
		}
	}
}
