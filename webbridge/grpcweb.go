package webbridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/bridgelog"
	"github.com/renbou/wsbridge/grpcadapter"
	"github.com/renbou/wsbridge/wsframe"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	grpcWebContentType    = "application/grpc-web+proto"
	defaultMaxMessageSize = 4 << 20 // same as the default receive limit of gRPC

	flagTrailer byte = 0x80
)

// GRPCWebBridgeOpts define all the optional settings which can be set for [GRPCWebBridge].
type GRPCWebBridgeOpts struct {
	// Logs are discarded by default.
	Logger bridgelog.Logger

	// If not set, the default [grpcadapter.ProxyForwarder] is created with default options.
	Forwarder grpcadapter.Forwarder

	// MaxMessageSize limits the size of a single request message, 4 MiB by default.
	MaxMessageSize int
}

func (o GRPCWebBridgeOpts) withDefaults() GRPCWebBridgeOpts {
	if o.Logger == nil {
		o.Logger = bridgelog.Discard()
	}

	if o.Forwarder == nil {
		o.Forwarder = grpcadapter.NewProxyForwarder(grpcadapter.ProxyForwarderOpts{})
	}

	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}

	return o
}

// GRPCWebBridge is a gRPC bridge implementing the HTTP-based gRPC-Web protocol, as it is described in the [PROTOCOL-WEB] specification.
// The request path must be the "/service/method" path of the call, so the bridge should be mounted using [http.StripPrefix] if needed.
//
// Successful responses and failures after the first message are returned with a 200 OK status
// and the status in the trailer frame, while failures before any messages are returned as trailers-only responses.
//
// [PROTOCOL-WEB]: https://github.com/grpc/grpc/blob/master/doc/PROTOCOL-WEB.md
type GRPCWebBridge struct {
	logger         bridgelog.Logger
	pool           grpcadapter.ClientPool
	forwarder      grpcadapter.Forwarder
	maxMessageSize int
}

// NewGRPCWebBridge initializes a new [GRPCWebBridge] forwarding calls to the connections of the pool.
func NewGRPCWebBridge(pool grpcadapter.ClientPool, opts GRPCWebBridgeOpts) *GRPCWebBridge {
	opts = opts.withDefaults()

	return &GRPCWebBridge{
		logger:         opts.Logger.WithComponent("wsbridge.web"),
		pool:           pool,
		forwarder:      opts.Forwarder,
		maxMessageSize: opts.MaxMessageSize,
	}
}

// ServeHTTP implements [net/http.Handler] so that the bridge is used as a normal HTTP handler.
func (b *GRPCWebBridge) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "gRPC-Web requests must use POST", http.StatusMethodNotAllowed)

		return
	}

	if !isGRPCWebContentType(r.Header.Get("Content-Type")) {
		http.Error(rw, "unsupported gRPC-Web content type", http.StatusUnsupportedMediaType)
		return
	}

	incoming := &gRPCWebStream{rw: rw, body: r.Body, maxMessageSize: b.maxMessageSize}

	method, err := bridgedesc.ParseFullMethod(r.URL.Path)
	if err != nil {
		incoming.finish(status.Error(codes.Unimplemented, err.Error()))
		return
	}

	conn, ok := b.pool.Get(method.Service)
	if !ok {
		incoming.finish(status.Errorf(codes.Unimplemented, "unknown service %s", method.Service))
		return
	}

	logger := b.logger.With("grpc.method", method.FullMethod())
	logger.Debug("began handling gRPC-Web request")

	err = b.forwarder.Forward(metadata.NewIncomingContext(r.Context(), headersToMD(r.Header)), grpcadapter.ForwardParams{
		Method:   bridgedesc.DummyMethod(method.Service, method.Name),
		Incoming: incoming,
		Outgoing: conn,
	})

	logger.Debug("ended handling gRPC-Web request", "error", err)

	incoming.finish(err)
}

func isGRPCWebContentType(v string) bool {
	mediaType, _, err := mime.ParseMediaType(v)
	if err != nil {
		return false
	}

	return mediaType == "application/grpc-web" || mediaType == grpcWebContentType
}

// gRPCWebStream is the incoming side of a gRPC-Web call. Recv is called by the forwarder concurrently
// with Send and SetHeader, which are called sequentially along with SetTrailer and finish.
type gRPCWebStream struct {
	rw             http.ResponseWriter
	body           io.Reader
	maxMessageSize int

	header      metadata.MD
	wroteHeader bool
	trailer     metadata.MD
}

var _ grpcadapter.ServerStream = (*gRPCWebStream)(nil)

func (s *gRPCWebStream) Recv(ctx context.Context, msg *grpcadapter.RawMessage) error {
	return withCtx(ctx, func() error { return s.recv(msg) })
}

func (s *gRPCWebStream) recv(msg *grpcadapter.RawMessage) error {
	header := make([]byte, wsframe.MessageHeaderLen)

	if _, err := io.ReadFull(s.body, header); errors.Is(err, io.EOF) {
		return io.EOF
	} else if err != nil {
		return status.Errorf(codes.Unavailable, "failed to read length-prefixed message header: %s", err)
	}

	if header[0] != 0 {
		return status.Errorf(codes.Internal, "received message with unsupported flags %#x", header[0])
	}

	length := binary.BigEndian.Uint32(header[1:])
	if length > uint32(s.maxMessageSize) {
		return status.Errorf(codes.ResourceExhausted, "received message larger than max (%d vs. %d)", length, s.maxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(s.body, data); err != nil {
		return status.Errorf(codes.Unavailable, "failed to read length-prefixed message body: %s", err)
	}

	msg.Data = data

	return nil
}

func (s *gRPCWebStream) Send(_ context.Context, msg *grpcadapter.RawMessage) error {
	s.writeHeader()

	if _, err := s.rw.Write(wsframe.EncodeMessage(msg.Data)); err != nil {
		return status.Errorf(codes.Unavailable, "failed to write length-prefixed message: %s", err)
	}

	_ = http.NewResponseController(s.rw).Flush()

	return nil
}

func (s *gRPCWebStream) SetHeader(md metadata.MD) {
	s.header = md
}

func (s *gRPCWebStream) SetTrailer(md metadata.MD) {
	s.trailer = md
}

func (s *gRPCWebStream) writeHeader() {
	if s.wroteHeader {
		return
	}

	s.wroteHeader = true

	appendHeaders(s.rw.Header(), encodeBinValues(s.header))
	s.rw.Header().Set("Content-Type", grpcWebContentType)
	s.rw.WriteHeader(http.StatusOK)
}

// finish writes the status of the call, either in a trailer frame or as a trailers-only response.
func (s *gRPCWebStream) finish(err error) {
	trailer := trailerWithStatus(encodeBinValues(s.trailer), status.Convert(err))

	if !s.wroteHeader {
		s.wroteHeader = true

		appendHeaders(s.rw.Header(), encodeBinValues(s.header))
		appendHeaders(s.rw.Header(), trailer)
		s.rw.Header().Set("Content-Type", grpcWebContentType)
		s.rw.WriteHeader(http.StatusOK)

		return
	}

	_, _ = s.rw.Write(lpmTrailer(trailer))
}

func appendHeaders(h http.Header, md metadata.MD) {
	for k, v := range md {
		for _, s := range v {
			h.Add(k, s)
		}
	}
}

func trailerWithStatus(md metadata.MD, st *status.Status) metadata.MD {
	md = md.Copy()
	md.Set("grpc-status", strconv.Itoa(int(st.Code())))
	md.Set("grpc-message", url.PathEscape(st.Message()))

	return md
}

// lpmTrailer formats the trailers as a gRPC-Web trailer frame, with keys sorted to keep the output stable.
func lpmTrailer(md metadata.MD) []byte {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	var buf bytes.Buffer

	for _, k := range keys {
		for _, v := range md[k] {
			fmt.Fprintf(&buf, "%s: %s\r\n", strings.ToLower(k), v)
		}
	}

	header := []byte{flagTrailer, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(header[1:], uint32(buf.Len()))

	return append(header, buf.Bytes()...)
}
