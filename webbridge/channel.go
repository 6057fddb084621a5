package webbridge

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lxzan/gws"
	"github.com/renbou/wsbridge/bridgedesc"
	"github.com/renbou/wsbridge/bridgelog"
	"github.com/renbou/wsbridge/bridgemd"
	"github.com/renbou/wsbridge/grpcadapter"
	"github.com/renbou/wsbridge/internal/countmap"
	"github.com/renbou/wsbridge/internal/syncset"
	"github.com/renbou/wsbridge/wsframe"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// gwsConnKey is used to store the connection state in gws socket sessions,
// which allows reusing a single upgrader for all connections.
const gwsConnKey = "wsbridge\x00channel"

const (
	defaultWriteTimeout = 10 * time.Second

	// headerStatusOK is the status sent in response header frames, interpreted by clients as an HTTP status.
	headerStatusOK = http.StatusOK

	trailerPrefix = "trailer:"
)

// ChannelBridgeOpts define all the optional settings which can be set for [ChannelBridge].
type ChannelBridgeOpts struct {
	// Logs are discarded by default.
	Logger bridgelog.Logger

	// If not set, the default [grpcadapter.ProxyForwarder] is created with default options.
	Forwarder grpcadapter.Forwarder

	// MaxStreams limits the number of concurrently active streams of a single connection, unlimited by default.
	MaxStreams int

	// WriteTimeout limits the time spent writing a single frame, 10 seconds by default.
	WriteTimeout time.Duration
}

func (o ChannelBridgeOpts) withDefaults() ChannelBridgeOpts {
	if o.Logger == nil {
		o.Logger = bridgelog.Discard()
	}

	if o.Forwarder == nil {
		o.Forwarder = grpcadapter.NewProxyForwarder(grpcadapter.ProxyForwarderOpts{})
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}

	return o
}

// ChannelBridge terminates grpc-websocket-channel connections, on which clients multiplex many logical streams.
// Every stream is forwarded to the backend returned by the pool for the stream's service name.
//
// Response headers are sent in a header frame with status 200, trailers are sent as "trailer:"-prefixed keys
// of another header frame followed by a complete frame, and errors are sent as failure frames with the trailers attached.
type ChannelBridge struct {
	logger       bridgelog.Logger
	upgrader     *gws.Upgrader
	pool         grpcadapter.ClientPool
	forwarder    grpcadapter.Forwarder
	maxStreams   int
	writeTimeout time.Duration

	active *countmap.CountMap[string, int]
	conns  *syncset.SyncSet[*channelConn]
}

// NewChannelBridge initializes a new [ChannelBridge] forwarding streams to the connections of the pool.
func NewChannelBridge(pool grpcadapter.ClientPool, opts ChannelBridgeOpts) *ChannelBridge {
	opts = opts.withDefaults()
	logger := opts.Logger.WithComponent("wsbridge.web")

	upgrader := gws.NewUpgrader(new(gwsChannelHandler), &gws.ServerOption{
		ParallelEnabled:  false, // frames must be dispatched in the order they were received
		CheckUtf8Enabled: false, // all frames are binary
		Logger:           gwsLogger{logger},
		SubProtocols:     []string{wsframe.Subprotocol},
	})

	return &ChannelBridge{
		logger:       logger,
		upgrader:     upgrader,
		pool:         pool,
		forwarder:    opts.Forwarder,
		maxStreams:   opts.MaxStreams,
		writeTimeout: opts.WriteTimeout,
		active:       countmap.New[string, int](),
		conns:        syncset.New[*channelConn](),
	}
}

// ActiveStreams returns the number of streams currently being forwarded to the service.
func (b *ChannelBridge) ActiveStreams(service string) int {
	return b.active.Get(service)
}

// Close closes all the currently open connections, canceling their streams.
// Connections accepted after Close aren't affected, so the HTTP server should be shut down first.
func (b *ChannelBridge) Close() {
	for _, conn := range b.conns.Items() {
		conn.socket.WriteClose(1001, []byte("server shutting down"))
		_ = conn.socket.NetConn().Close()
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and serves it until it is closed.
func (b *ChannelBridge) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	socket, err := b.upgrader.Upgrade(rw, r)
	if err != nil {
		// Upgrade writes the error response by itself.
		b.logger.Debug("failed to upgrade channel connection", "error", err)
		return
	}

	// Always clean up the incoming socket to avoid any potential leaks.
	defer socket.NetConn().Close()

	// NB: r.Context is valid here even after Hijack() in Upgrade()
	ctx, cancel := context.WithCancel(r.Context())

	conn := &channelConn{
		bridge:  b,
		socket:  socket,
		logger:  b.logger.With("remote_addr", r.RemoteAddr),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint32]*channelStream),
	}

	socket.Session().Store(gwsConnKey, conn)

	b.conns.Add(conn)
	defer b.conns.Remove(conn)

	conn.logger.Debug("began serving channel connection")
	defer conn.logger.Debug("ended serving channel connection")

	// ReadLoop exits once the connection is closed by either side, and OnClose cancels the streams.
	socket.ReadLoop()

	cancel()
	conn.wg.Wait()
}

// channelConn is the state of a single channel connection.
type channelConn struct {
	bridge *ChannelBridge
	socket *gws.Conn
	logger bridgelog.Logger

	// ctx is the parent of all stream contexts, canceled once the connection is closed.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[uint32]*channelStream
	wg      sync.WaitGroup
}

// write sends a single frame. Writes are serialized by gws, so it can be called from any goroutine.
func (c *channelConn) write(f *wsframe.Frame) error {
	data, err := wsframe.Encode(f)
	if err != nil {
		return status.Errorf(codes.Internal, "encoding %s frame: %s", f.Kind(), err)
	}

	_ = c.socket.NetConn().SetWriteDeadline(time.Now().Add(c.bridge.writeTimeout))

	if err := c.socket.WriteMessage(gws.OpcodeBinary, data); err != nil {
		return status.Errorf(codes.Unavailable, "writing %s frame: %s", f.Kind(), err)
	}

	return nil
}

// dispatch handles a single frame received from the client. Called only from the read loop.
func (c *channelConn) dispatch(f *wsframe.Frame) {
	if p, ok := f.Payload.(*wsframe.Ping); ok {
		if err := c.write(&wsframe.Frame{Payload: &wsframe.Ping{Pong: p.Pong}}); err != nil {
			c.logger.Debug("failed to answer ping", "error", err)
		}

		return
	}

	if f.Payload == nil {
		c.logger.Warn("dropping frame with unknown payload", "stream_id", f.StreamID)
		return
	}

	if h, ok := f.Payload.(*wsframe.Header); ok {
		c.open(f.StreamID, h)
		return
	}

	c.mu.Lock()
	s := c.streams[f.StreamID]
	c.mu.Unlock()

	if s == nil {
		// Clients can legitimately send cancels and completions for streams which have just ended.
		if kind := f.Kind(); kind != wsframe.KindCancel && kind != wsframe.KindComplete {
			c.logger.Warn("dropping frame for unknown stream", "stream_id", f.StreamID, "kind", kind)
		}

		return
	}

	switch p := f.Payload.(type) {
	case *wsframe.Body:
		msgs, err := s.body.Write(p.Data)
		if err != nil {
			s.input.close(status.Errorf(codes.Internal, "malformed message body: %s", err))
			return
		}

		s.input.push(msgs...)

		if p.Complete {
			s.endInput()
		}
	case *wsframe.Complete:
		s.endInput()
	case *wsframe.Cancel:
		s.abort()
	default:
		c.logger.Warn("dropping unexpected frame", "stream_id", f.StreamID, "kind", f.Kind())
	}
}

// open starts forwarding a new stream described by the header frame.
func (c *channelConn) open(id uint32, h *wsframe.Header) {
	logger := c.logger.With("stream_id", id, "operation", h.Operation)

	if id == 0 {
		logger.Warn("dropping header frame without stream id")
		return
	}

	method, err := bridgedesc.ParseOperation(h.Operation)
	if err != nil {
		c.reject(id, status.New(codes.InvalidArgument, err.Error()))
		return
	}

	outgoing, ok := c.bridge.pool.Get(method.Service)
	if !ok {
		c.reject(id, status.Newf(codes.Unimplemented, "unknown service %s", method.Service))
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	s := &channelStream{
		conn:   c,
		id:     id,
		method: method,
		input:  newInputQueue(),
		ctx:    ctx,
		cancel: cancel,
	}

	c.mu.Lock()
	if _, exists := c.streams[id]; exists {
		c.mu.Unlock()
		cancel()
		logger.Warn("dropping header frame for already active stream")

		return
	}

	if c.bridge.maxStreams > 0 && len(c.streams) >= c.bridge.maxStreams {
		c.mu.Unlock()
		cancel()
		c.reject(id, status.Newf(codes.ResourceExhausted, "too many concurrent streams, limit is %d", c.bridge.maxStreams))

		return
	}

	c.streams[id] = s
	c.wg.Add(1)
	c.mu.Unlock()

	md := bridgemd.FromWire(h.Headers)

	go c.serve(s, logger, outgoing, md.ToGRPC())
}

func (c *channelConn) serve(s *channelStream, logger bridgelog.Logger, outgoing grpcadapter.ClientConn, md metadata.MD) {
	defer c.wg.Done()
	defer s.cancel()

	c.bridge.active.Inc(s.method.Service)
	defer c.bridge.active.Dec(s.method.Service)

	logger.Debug("began forwarding channel stream")

	err := c.bridge.forwarder.Forward(metadata.NewIncomingContext(s.ctx, md), grpcadapter.ForwardParams{
		Method:   bridgedesc.DummyMethod(s.method.Service, s.method.Name),
		Incoming: s,
		Outgoing: outgoing,
	})

	c.mu.Lock()
	delete(c.streams, s.id)
	c.mu.Unlock()

	logger.Debug("ended forwarding channel stream", "error", err)

	if s.aborted.Load() || c.ctx.Err() != nil {
		// Nobody is listening for the result anymore.
		return
	}

	if err := s.finish(err); err != nil {
		logger.Debug("failed to send stream result", "error", err)
	}
}

// reject fails a stream which couldn't be opened.
func (c *channelConn) reject(id uint32, st *status.Status) {
	c.logger.Debug("rejecting channel stream", "stream_id", id, "error", st.Message())

	if err := c.write(failureFrame(id, st, metadata.MD{})); err != nil {
		c.logger.Debug("failed to send stream rejection", "stream_id", id, "error", err)
	}
}

func failureFrame(id uint32, st *status.Status, trailer metadata.MD) *wsframe.Frame {
	return &wsframe.Frame{
		StreamID: id,
		Payload: &wsframe.Failure{
			ErrorStatus:  strconv.Itoa(int(st.Code())),
			ErrorMessage: st.Message(),
			Headers:      bridgemd.FromGRPC(encodeBinValues(trailer)),
		},
	}
}

// trailerFrame formats the trailers of a successfully finished stream as a header frame.
func trailerFrame(id uint32, trailer metadata.MD) *wsframe.Frame {
	md := bridgemd.FromGRPC(encodeBinValues(trailer))

	var headers bridgemd.MD
	md.Range(func(key string, values []string) bool {
		headers.Append(trailerPrefix+key, values...)
		return true
	})
	headers.Set(trailerPrefix+"grpc-status", strconv.Itoa(int(codes.OK)))

	return &wsframe.Frame{
		StreamID: id,
		Payload:  &wsframe.Header{Headers: headers, Status: headerStatusOK},
	}
}

type gwsChannelHandler struct {
	gws.BuiltinEventHandler
}

func (gwsChannelHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	conn := loadConn(socket)
	if conn == nil {
		return
	}

	if message.Opcode != gws.OpcodeBinary {
		conn.logger.Warn("dropping non-binary channel message", "opcode", message.Opcode)
		return
	}

	f, err := wsframe.Decode(message.Bytes())
	if err != nil {
		conn.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	conn.dispatch(f)
}

func (gwsChannelHandler) OnClose(socket *gws.Conn, err error) {
	if conn := loadConn(socket); conn != nil {
		conn.logger.Debug("channel connection closed", "error", err)
		conn.cancel()
	}
}

func loadConn(socket *gws.Conn) *channelConn {
	connAny, ok := socket.Session().Load(gwsConnKey)
	if !ok {
		return nil
	}

	conn, _ := connAny.(*channelConn)

	return conn
}
