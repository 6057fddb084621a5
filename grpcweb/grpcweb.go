// Package grpcweb implements unary calls over plain HTTP using the gRPC-Web protocol,
// as it is described in the [PROTOCOL-WEB] specification.
//
// It is meant to be used together with [github.com/renbou/wsbridge/wstransport] through [transport.Combined],
// so that unary calls don't depend on the state of the WebSocket channel.
//
// [PROTOCOL-WEB]: https://github.com/grpc/grpc/blob/master/doc/PROTOCOL-WEB.md
package grpcweb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/bridgelog"
	"github.com/renbou/wsbridge/bridgemd"
	"github.com/renbou/wsbridge/internal/rpcutil"
	"github.com/renbou/wsbridge/rpcerr"
	"github.com/renbou/wsbridge/transport"
	"github.com/renbou/wsbridge/wsframe"
	"google.golang.org/grpc/codes"
)

const (
	// ContentType is the content type of gRPC-Web requests and responses with binary protobuf messages.
	ContentType = "application/grpc-web+proto"

	defaultMaxMessageSize = 4 << 20 // same as the default receive limit of gRPC

	flagTrailer    byte = 0x80
	flagCompressed byte = 0x01

	keyStatus  = "grpc-status"
	keyMessage = "grpc-message"
	keyTimeout = "grpc-timeout"
)

// Opts define the configurable parameters of a [Transport].
type Opts struct {
	// Logger is used for logging failed requests. By default, [bridgelog.Discard] is used.
	Logger bridgelog.Logger
	// Client performs the HTTP requests, [http.DefaultClient] by default.
	Client *http.Client
	// Header is added to every request, before the request metadata.
	Header http.Header
	// MaxMessageSize limits the size of a single received message, 4 MiB by default.
	MaxMessageSize int
}

func (o Opts) withDefaults() Opts {
	if o.Logger == nil {
		o.Logger = bridgelog.Discard()
	}

	if o.Client == nil {
		o.Client = http.DefaultClient
	}

	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}

	return o
}

// Transport performs unary calls using gRPC-Web requests to a single base URL.
type Transport struct {
	baseURL string
	logger  bridgelog.Logger
	opts    Opts
}

var _ transport.UnaryTransport = (*Transport)(nil)

// New creates a new Transport sending requests to baseURL, which must be an http:// or https:// URL.
func New(baseURL string, opts Opts) (*Transport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gRPC-Web base URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported gRPC-Web base URL scheme %q, expected http or https", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("gRPC-Web base URL %q has no host", baseURL)
	}

	opts = opts.withDefaults()

	return &Transport{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		logger:  opts.Logger.WithComponent("wsbridge.grpcweb").With("url", u.Redacted()),
		opts:    opts,
	}, nil
}

// Unary performs the call in the background, returning immediately.
func (t *Transport) Unary(ctx context.Context, method *bridgedesc.Method, input any, opts transport.CallOptions) *transport.UnaryCall {
	call, ctl := transport.NewUnaryCall(method, opts)

	data, err := ctl.Marshal(input)
	if err != nil {
		return call
	}

	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	ctl.BindCancel(func(error) { cancel() })

	go func() {
		defer cancel()

		if err := t.do(ctx, ctl, data); err != nil {
			t.logger.Debug("gRPC-Web call failed", "method", method.FullMethod(), "error", rpcerr.Describe(err))
			ctl.Fail(err)
		}
	}()

	return call
}

func (t *Transport) do(ctx context.Context, ctl *transport.Controller, data []byte) error {
	req, err := t.newRequest(ctx, ctl, data)
	if err != nil {
		return err
	}

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return rpcerr.FromContext(ctx.Err())
		}

		return rpcerr.Unavailable("performing gRPC-Web request: %s", err)
	}

	defer resp.Body.Close()

	header := bridgemd.FromHTTP(resp.Header)

	// Trailers-only responses carry the status in the headers, which is also the case for most non-200 responses.
	if header.Has(keyStatus) {
		ctl.Header(bridgemd.MD{})
		return finish(ctl, header)
	}

	if resp.StatusCode != http.StatusOK {
		return rpcerr.New(rpcerr.FromHTTPStatus(resp.StatusCode), fmt.Sprintf("wsbridge: gRPC-Web request failed with HTTP status %d", resp.StatusCode), bridgemd.MD{})
	}

	ctl.Header(header)

	trailer, err := t.readBody(ctx, ctl, resp.Body)
	if err != nil {
		return err
	}

	return finish(ctl, trailer)
}

func (t *Transport) newRequest(ctx context.Context, ctl *transport.Controller, data []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+ctl.Method().FullMethod(), bytes.NewReader(wsframe.EncodeMessage(data)))
	if err != nil {
		return nil, rpcerr.Internal("creating gRPC-Web request: %s", err)
	}

	for key, values := range t.opts.Header {
		req.Header[key] = slices.Clone(values)
	}

	ctl.RequestMetadata().Range(func(key string, values []string) bool {
		for _, v := range values {
			req.Header.Add(key, v)
		}

		return true
	})

	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("X-Grpc-Web", "1")

	if deadline, ok := ctx.Deadline(); ok {
		req.Header.Set(keyTimeout, rpcutil.EncodeTimeout(time.Until(deadline)))
	}

	return req, nil
}

// readBody reads the length-prefixed messages of the response, delivering the data frames to the call,
// and returns the trailers parsed from the trailer frame.
func (t *Transport) readBody(ctx context.Context, ctl *transport.Controller, body io.Reader) (bridgemd.MD, error) {
	header := make([]byte, 5)
	r := bufio.NewReader(body)

	for {
		if _, err := io.ReadFull(r, header); errors.Is(err, io.EOF) {
			return bridgemd.MD{}, rpcerr.Internal("gRPC-Web response ended without trailers")
		} else if err != nil {
			return bridgemd.MD{}, readError(ctx, "reading length-prefixed message header", err)
		}

		flags := header[0]
		length := binary.BigEndian.Uint32(header[1:5])

		if flags&flagCompressed != 0 {
			return bridgemd.MD{}, rpcerr.Internal("received compressed gRPC-Web message, but compression wasn't requested")
		}

		if length > uint32(t.opts.MaxMessageSize) {
			return bridgemd.MD{}, rpcerr.New(codes.ResourceExhausted,
				fmt.Sprintf("wsbridge: received message larger than max (%d vs. %d)", length, t.opts.MaxMessageSize), bridgemd.MD{})
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return bridgemd.MD{}, readError(ctx, "reading length-prefixed message body", err)
		}

		if flags&flagTrailer != 0 {
			return parseTrailer(data)
		}

		ctl.Message(data)
	}
}

func readError(ctx context.Context, action string, err error) error {
	if ctx.Err() != nil {
		return rpcerr.FromContext(ctx.Err())
	}

	return rpcerr.Unavailable("%s: %s", action, err)
}

// parseTrailer parses the trailer frame, which is formatted as an HTTP/1.1 header block.
func parseTrailer(data []byte) (bridgemd.MD, error) {
	// extra \r\n needed to properly end textproto header
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(slices.Concat(data, []byte("\r\n")))))

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return bridgemd.MD{}, rpcerr.Internal("parsing gRPC-Web trailers: %s", err)
	}

	return bridgemd.FromHTTP(http.Header(mimeHeader)), nil
}

// finish ends the call according to the status contained in the trailers.
func finish(ctl *transport.Controller, trailer bridgemd.MD) error {
	ctl.Trailer(trailer)

	code, ok := trailer.First(keyStatus)
	if !ok {
		return rpcerr.Internal("gRPC-Web response trailers don't contain %s", keyStatus)
	}

	if c := rpcerr.ParseCode(code); c != codes.OK {
		msg, _ := trailer.First(keyMessage)
		return rpcerr.New(c, rpcerr.DecodeMessage(msg), bridgemd.MD{})
	}

	ctl.Finish()

	return nil
}
