// Package wschannel implements the client side of the WebSocket channel protocol,
// which multiplexes many logical gRPC streams over a single WebSocket connection.
package wschannel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/renbou/wsbridge/bridgelog"
	"github.com/renbou/wsbridge/bridgemd"
	"github.com/renbou/wsbridge/internal/resilience"
	"github.com/renbou/wsbridge/rpcerr"
	"github.com/renbou/wsbridge/wsframe"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultConnectTimeout  = 3 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 5 * time.Second
)

// State is the lifecycle state of the channel's connection.
type State uint8

const (
	// StateIdle means no connection exists. It is opened lazily by the next stream.
	StateIdle State = iota
	StateConnecting
	StateOpen
	// StateReconnecting means the connection was lost and a reconnect attempt is scheduled.
	StateReconnecting
	// StateClosed is terminal, entered only via [Channel.Close].
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Opts define the configurable parameters of a [Channel].
type Opts struct {
	// Logger is used for logging connection events and dropped frames. By default, [bridgelog.Discard] is used.
	Logger bridgelog.Logger
	// Dialer is used to establish the WebSocket connection, [websocket.DefaultDialer] by default.
	// Its Subprotocols are always overridden with [wsframe.Subprotocol].
	Dialer *websocket.Dialer
	// Header is sent with the WebSocket handshake request.
	Header http.Header
	// Reconnect enables automatic reconnects with exponential backoff after abnormal connection closures.
	Reconnect bool
	// ConnectTimeout bounds both the handshake and the time a stream waits for the connection to open. 3s by default.
	ConnectTimeout time.Duration
	// WriteTimeout bounds writing a single frame to the connection. 10s by default.
	WriteTimeout time.Duration
	// MaxConcurrentStreams limits the number of active streams. Zero means no limit.
	MaxConcurrentStreams int
	// PingInterval enables sending ping frames with the specified interval.
	// The connection is considered dead and closed when nothing is received for three intervals.
	PingInterval time.Duration
	// Backoff configures the delays between reconnects.
	Backoff resilience.BackoffOpts
	// BreakerFailures is the number of consecutive failed dials after which further dials
	// fail immediately for BreakerTimeout. 5 and 5s by default.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// Debug enables logging of each sent and received frame.
	Debug bool
}

func (o Opts) withDefaults() Opts {
	if o.Logger == nil {
		o.Logger = bridgelog.Discard()
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}

	if o.BreakerFailures == 0 {
		o.BreakerFailures = defaultBreakerFailures
	}

	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = defaultBreakerTimeout
	}

	return o
}

type queuedFrame struct {
	stream *Stream
	data   []byte
}

// Channel is a lazily-connected WebSocket connection multiplexing logical streams.
// Frames sent while the connection isn't open are queued and flushed in order once it opens.
// All methods of Channel and [Stream] are safe for concurrent use.
type Channel struct {
	url     string
	opts    Opts
	logger  bridgelog.Logger
	dialer  websocket.Dialer
	breaker *gobreaker.CircuitBreaker[*websocket.Conn]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards the fields below and must be acquired before writeMu.
	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	streams        map[uint32]*Stream
	lastID         uint32
	queue          []queuedFrame
	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer

	writeMu sync.Mutex
}

// New creates a new channel for the specified URL without connecting to it.
// http and https URLs are translated to ws and wss respectively.
func New(rawURL string, opts Opts) (*Channel, error) {
	wsURL, err := translateURL(rawURL)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	logger := opts.Logger.WithComponent("wsbridge.channel").With("url", wsURL)

	dialer := *websocket.DefaultDialer
	if opts.Dialer != nil {
		dialer = *opts.Dialer
	}
	dialer.Subprotocols = []string{wsframe.Subprotocol}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Channel{
		url:     wsURL,
		opts:    opts,
		logger:  logger,
		dialer:  dialer,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint32]*Stream),
		backoff: resilience.NewBackoff(opts.Backoff),
	}

	c.breaker = gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "wsbridge.channel.dial",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Dials aborted by Close say nothing about the server.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("dial circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

func translateURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing channel URL %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("channel URL %q has unsupported scheme %q", rawURL, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("channel URL %q has no host", rawURL)
	}

	return u.String(), nil
}

// URL returns the WebSocket URL the channel connects to.
func (c *Channel) URL() string {
	return c.url
}

// State returns the current state of the channel's connection.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// ActiveStreams returns the number of streams which haven't ended yet.
func (c *Channel) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.streams)
}

// OpenStream registers a new logical stream, opening the connection if it is idle.
// Nothing is sent to the server until [Stream.Start] is called.
// UNAVAILABLE is returned after the channel has been closed,
// and RESOURCE_EXHAUSTED when MaxConcurrentStreams streams are already active.
func (c *Channel) OpenStream(opts StreamOpts) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil, rpcerr.Unavailable("channel closed")
	}

	if c.opts.MaxConcurrentStreams > 0 && len(c.streams) >= c.opts.MaxConcurrentStreams {
		return nil, status.Errorf(codes.ResourceExhausted, "wsbridge: %d concurrent streams already active", len(c.streams))
	}

	id := c.nextIDLocked()
	s := &Stream{
		channel:  c,
		logger:   c.logger.With("stream_id", id, "operation", opts.Service+"/"+opts.Method),
		id:       id,
		service:  opts.Service,
		method:   opts.Method,
		isStream: opts.IsStream,
		cbs:      opts.Callbacks,
	}

	c.streams[id] = s

	if c.state == StateIdle {
		c.connectLocked()
	}

	return s, nil
}

// nextIDLocked allocates the next stream id, wrapping around and skipping zero along with the ids still in use.
func (c *Channel) nextIDLocked() uint32 {
	for {
		c.lastID++
		if c.lastID == 0 {
			continue
		}

		if _, ok := c.streams[c.lastID]; !ok {
			return c.lastID
		}
	}
}

// Close closes the connection with a normal closure, ends all active streams with UNAVAILABLE,
// and waits for the background goroutines to exit. The channel can't be used after Close.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}

	c.state = StateClosed
	conn := c.conn
	c.conn = nil

	streams := c.streams
	c.streams = make(map[uint32]*Stream)
	for _, s := range streams {
		c.removeLocked(s)
	}
	c.queue = nil

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	c.cancel()

	var closeErr error
	if conn != nil {
		// WriteControl can be called concurrently with other writes.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteTimeout))
		closeErr = conn.Close()
	}

	err := rpcerr.Unavailable("channel closed")
	for _, s := range streams {
		s.end(err)
	}

	c.wg.Wait()
	c.logger.Debug("channel closed")

	return closeErr
}

func (c *Channel) send(s *Stream, f *wsframe.Frame) error {
	data, err := wsframe.Encode(f)
	if err != nil {
		return rpcerr.Internal("encoding frame: %s", err)
	}

	c.mu.Lock()
	if s.removed {
		c.mu.Unlock()
		return ErrStreamEnded
	}

	switch c.state {
	case StateOpen:
		conn := c.conn
		s.sent = true

		c.writeMu.Lock()
		c.mu.Unlock()
		defer c.writeMu.Unlock()

		c.debugFrame("sending frame", f)
		return c.write(conn, data)
	case StateClosed:
		c.mu.Unlock()
		return rpcerr.Unavailable("channel closed")
	default:
		c.queue = append(c.queue, queuedFrame{stream: s, data: data})
		if s.connectTimer == nil {
			s.connectTimer = time.AfterFunc(c.opts.ConnectTimeout, func() { c.expire(s) })
		}

		if c.state == StateIdle {
			c.connectLocked()
		}

		c.mu.Unlock()
		c.debugFrame("queued frame", f)
		return nil
	}
}

// writeRaw writes a frame not bound to an active stream, skipping it when the connection isn't open.
func (c *Channel) writeRaw(data []byte) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}

	conn := c.conn
	c.writeMu.Lock()
	c.mu.Unlock()
	defer c.writeMu.Unlock()

	if err := c.write(conn, data); err != nil {
		c.logger.Debug("failed to write control frame", "error", err)
	}
}

// write must be called with writeMu held.
func (c *Channel) write(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return rpcerr.Unavailable("setting write deadline: %s", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		// The connection is unusable after a failed write, closing it forces the read loop to clean up.
		_ = conn.Close()
		return rpcerr.Unavailable("writing frame: %s", err)
	}

	return nil
}

func (c *Channel) cancelStream(s *Stream, err error) {
	c.mu.Lock()
	if s.removed {
		c.mu.Unlock()
		return
	}

	notify := s.sent && c.state == StateOpen
	c.removeLocked(s)
	c.mu.Unlock()

	s.end(err)

	if notify {
		data, _ := wsframe.Encode(&wsframe.Frame{StreamID: s.id, Payload: &wsframe.Cancel{}})
		c.writeRaw(data)
	}
}

func (c *Channel) finishStream(s *Stream, err error) {
	c.mu.Lock()
	if s.removed {
		c.mu.Unlock()
		return
	}

	c.removeLocked(s)
	c.mu.Unlock()

	s.end(err)
}

// expire fails a stream whose frames weren't flushed within the connect timeout.
func (c *Channel) expire(s *Stream) {
	c.mu.Lock()
	if s.removed || s.connectTimer == nil {
		c.mu.Unlock()
		return
	}

	c.removeLocked(s)
	c.mu.Unlock()

	s.end(rpcerr.Unavailable("connection to %s not established within %s", c.url, c.opts.ConnectTimeout))
}

// removeLocked unregisters the stream and purges its queued frames, so that nothing is sent for it anymore.
func (c *Channel) removeLocked(s *Stream) {
	if c.streams[s.id] == s {
		delete(c.streams, s.id)
	}

	s.removed = true

	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
		c.queue = slices.DeleteFunc(c.queue, func(q queuedFrame) bool { return q.stream == s })
	}
}

func (c *Channel) connectLocked() {
	c.state = StateConnecting
	c.wg.Add(1)

	go c.connect()
}

func (c *Channel) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (HTTP status %d)", err, resp.StatusCode)
		}

		return nil, err
	}

	if conn.Subprotocol() != wsframe.Subprotocol {
		c.logger.Debug("server didn't confirm the channel subprotocol", "subprotocol", conn.Subprotocol())
	}

	return conn, nil
}

func (c *Channel) connect() {
	defer c.wg.Done()

	c.logger.Debug("connecting")
	conn, err := c.breaker.Execute(c.dial)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}

		return
	}

	if err != nil {
		c.logger.Warn("failed to connect", "error", err)

		if c.opts.Reconnect && c.scheduleReconnectLocked() {
			c.mu.Unlock()
			return
		}

		c.state = StateIdle
		failed := c.takeQueuedLocked()
		c.mu.Unlock()

		endErr := rpcerr.Unavailable("connecting to %s: %s", c.url, err)
		for _, s := range failed {
			s.end(endErr)
		}

		return
	}

	c.backoff.Reset()
	c.state = StateOpen
	c.conn = conn

	queue := c.queue
	c.queue = nil
	for _, q := range queue {
		if q.stream.connectTimer != nil {
			q.stream.connectTimer.Stop()
			q.stream.connectTimer = nil
		}

		q.stream.sent = true
	}

	connCtx, connCancel := context.WithCancel(c.ctx)
	c.wg.Add(1)

	c.writeMu.Lock()
	c.mu.Unlock()

	c.logger.Info("connected", "queued_frames", len(queue))

	for _, q := range queue {
		if err := c.write(conn, q.data); err != nil {
			c.logger.Warn("failed to flush queued frames", "error", err)
			break
		}
	}
	c.writeMu.Unlock()

	if c.opts.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(connCtx)
	}

	go c.readLoop(connCtx, connCancel, conn)
}

// scheduleReconnectLocked moves the channel to StateReconnecting,
// returning false if the backoff has given up on reconnecting.
func (c *Channel) scheduleReconnectLocked() bool {
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.logger.Warn("giving up on reconnecting")
		return false
	}

	c.logger.Debug("scheduling reconnect", "delay", delay)

	c.state = StateReconnecting
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)

	return true
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReconnecting {
		return
	}

	c.reconnectTimer = nil
	c.connectLocked()
}

// takeQueuedLocked removes the streams which are waiting for the connection to open.
func (c *Channel) takeQueuedLocked() []*Stream {
	var waiting []*Stream

	for _, s := range c.streams {
		if s.connectTimer != nil {
			waiting = append(waiting, s)
		}
	}

	for _, s := range waiting {
		c.removeLocked(s)
	}

	return waiting
}

func (c *Channel) pingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	ping, _ := wsframe.Encode(&wsframe.Frame{Payload: &wsframe.Ping{}})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeRaw(ping)
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer c.wg.Done()
	defer cancel()

	// Closing the connection unblocks ReadMessage, both when the channel is closed and when the peer goes silent.
	var canceler *resilience.ContextCanceler
	if c.opts.PingInterval > 0 {
		ctx, canceler = resilience.ContextWithCanceler(ctx, 3*c.opts.PingInterval)
		defer canceler.Stop()
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		if canceler != nil {
			canceler.Reset()
		}

		if typ != websocket.BinaryMessage {
			c.logger.Warn("dropping non-binary message", "message_type", typ)
			continue
		}

		f, err := wsframe.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		c.debugFrame("received frame", f)
		c.dispatch(f)
	}
}

func (c *Channel) dispatch(f *wsframe.Frame) {
	if f.Kind() == wsframe.KindPing {
		return
	}

	if f.Payload == nil {
		c.logger.Warn("dropping frame with unknown payload", "stream_id", f.StreamID)
		return
	}

	c.mu.Lock()
	s := c.streams[f.StreamID]
	c.mu.Unlock()

	if s == nil {
		// Completions can legitimately race with local cancellation.
		if f.Kind() != wsframe.KindComplete {
			c.logger.Warn("dropping frame for unknown stream", "stream_id", f.StreamID, "kind", f.Kind())
		}

		return
	}

	switch p := f.Payload.(type) {
	case *wsframe.Header:
		md := bridgemd.FromWire(p.Headers)
		s.deliver(func() {
			if s.cbs.OnHeader != nil {
				s.cbs.OnHeader(md, p.Status)
			}
		})
	case *wsframe.Body:
		msgs, err := s.body.Write(p.Data)
		if err != nil {
			c.cancelStream(s, rpcerr.Internal("malformed message body: %s", err))
			return
		}

		for _, msg := range msgs {
			if s.cbs.ConsumerClosed != nil && s.cbs.ConsumerClosed() {
				c.cancelStream(s, status.Error(codes.Canceled, "wsbridge: consumer closed the stream"))
				return
			}

			s.deliver(func() {
				if s.cbs.OnMessage != nil {
					s.cbs.OnMessage(msg)
				}
			})
		}
	case *wsframe.Complete:
		c.finishStream(s, s.truncatedBody())
	case *wsframe.Failure:
		if err := s.truncatedBody(); err != nil {
			c.finishStream(s, err)
			return
		}

		c.finishStream(s, rpcerr.FromFailure(p.ErrorStatus, p.ErrorMessage, bridgemd.FromWire(p.Headers)))
	case *wsframe.Cancel:
		c.finishStream(s, status.Error(codes.Canceled, "wsbridge: stream canceled by server"))
	}
}

func (c *Channel) handleClose(conn *websocket.Conn, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn != conn || c.state == StateClosed {
		c.mu.Unlock()
		return
	}

	c.conn = nil

	streams := c.streams
	c.streams = make(map[uint32]*Stream)
	for _, s := range streams {
		c.removeLocked(s)
	}

	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if !clean && c.opts.Reconnect && c.scheduleReconnectLocked() {
		c.logger.Warn("connection lost, reconnecting", "error", err, "active_streams", len(streams))
	} else {
		c.state = StateIdle
		c.logger.Info("connection closed", "error", err, "active_streams", len(streams))
	}
	c.mu.Unlock()

	endErr := rpcerr.Unavailable("connection closed: %s", err)
	for _, s := range streams {
		s.end(endErr)
	}
}

func (c *Channel) debugFrame(msg string, f *wsframe.Frame) {
	if c.opts.Debug {
		c.logger.Debug(msg, "stream_id", f.StreamID, "kind", f.Kind())
	}
}
