// Package webbridge implements the server side of wsbridge: HTTP handlers terminating the calls
// made by wsbridge clients and forwarding them to gRPC backends using [grpcadapter].
//
// [ChannelBridge] serves the multiplexed grpc-websocket-channel protocol,
// while [GRPCWebBridge] serves unary and server-streaming calls made using gRPC-Web.
package webbridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/renbou/wsbridge/bridgelog"
	"github.com/renbou/wsbridge/internal/rpcutil"
	"google.golang.org/grpc/metadata"
)

const binSuffix = "-bin"

// headersToMD converts the HTTP headers of a request into incoming metadata.
// Filtering of the metadata is left up to the forwarder.
func headersToMD(h http.Header) metadata.MD {
	md := make(metadata.MD, len(h))

	for k, v := range h {
		md.Append(k, v...)
	}

	return md
}

// encodeBinValues base64-encodes the values of binary metadata fields,
// since they are received in their raw form from the gRPC client.
func encodeBinValues(md metadata.MD) metadata.MD {
	out := make(metadata.MD, len(md))

	for k, v := range md {
		if !strings.HasSuffix(k, binSuffix) {
			out[k] = v
			continue
		}

		encoded := make([]string, len(v))
		for i, s := range v {
			encoded[i] = base64.StdEncoding.EncodeToString([]byte(s))
		}

		out[k] = encoded
	}

	return out
}

// withCtx runs f in a separate goroutine, returning early if ctx is done before f returns.
func withCtx(ctx context.Context, f func() error) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- f()
	}()

	select {
	case <-ctx.Done():
		return rpcutil.ContextError(ctx.Err())
	case err := <-errChan:
		return err
	}
}

type gwsLogger struct {
	bridgelog.Logger
}

func (l gwsLogger) Error(args ...any) {
	l.Logger.Error("gws WebSocket error", "error", fmt.Sprint(args...))
}
