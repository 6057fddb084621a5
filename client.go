package wsbridge

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/renbou/wsbridge/grpcweb"
	"github.com/renbou/wsbridge/internal/resilience"
	"github.com/renbou/wsbridge/transport"
	"github.com/renbou/wsbridge/wschannel"
	"github.com/renbou/wsbridge/wstransport"
)

// BackoffConfig configures an exponential backoff with jitter. Zero values are replaced with defaults:
// 100ms initial interval, 10s max interval and a multiplier of 1.5.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxElapsedTime stops the backoff after the specified time. Zero means it never stops.
	MaxElapsedTime time.Duration
}

func (c BackoffConfig) opts() resilience.BackoffOpts {
	return resilience.BackoffOpts{
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
		MaxElapsedTime:  c.MaxElapsedTime,
	}
}

// ClientConfig is the configuration of a [Client].
type ClientConfig struct {
	// URL of the WebSocket channel endpoint. http and https URLs are translated to ws and wss.
	URL string
	// HTTPBaseURL enables performing unary calls using gRPC-Web requests to this URL instead of the WebSocket channel.
	HTTPBaseURL string
	// Debug enables logging of every frame sent and received over the channel.
	Debug bool
	// DefaultTimeout is used for calls which don't specify their own timeout. Zero means no timeout.
	DefaultTimeout time.Duration
	// Reconnect enables reconnecting the channel after abnormal closures.
	// Calls active during the closure fail, they are never resumed.
	Reconnect bool
	// ConnectTimeout bounds the time calls wait for the channel to open, 3s by default.
	ConnectTimeout time.Duration
	// MaxConcurrentStreams limits the number of streams active on the channel. Zero means no limit.
	MaxConcurrentStreams int
	// PingInterval enables pinging the server, with the channel considered dead when nothing is received for three intervals.
	PingInterval time.Duration
	// Backoff configures the delays between reconnects.
	Backoff BackoffConfig
}

// ClientOption configures a [Client] in addition to its [ClientConfig].
type ClientOption interface {
	applyClient(o *clientOptions)
}

// Client is the single transport instance of an application, which should be created once and passed to all callers.
// Streaming calls, and unary calls when [ClientConfig.HTTPBaseURL] isn't set, share one lazily-opened WebSocket channel.
type Client struct {
	channel   *wschannel.Channel
	transport transport.Transport
	conn      *transport.ClientConn
}

// NewClient builds a new [Client] without connecting to the server, which happens on the first call.
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsbridge: client URL is required")
	}

	options := defaultClientOptions()

	for _, opt := range opts {
		opt.applyClient(&options)
	}

	logger := options.common.logger

	channel, err := wschannel.New(cfg.URL, wschannel.Opts{
		Logger:               logger,
		Dialer:               options.dialer,
		Header:               options.header,
		Reconnect:            cfg.Reconnect,
		ConnectTimeout:       cfg.ConnectTimeout,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		PingInterval:         cfg.PingInterval,
		Backoff:              cfg.Backoff.opts(),
		Debug:                cfg.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("wsbridge: creating channel: %w", err)
	}

	ws := wstransport.New(channel, wstransport.Opts{
		Logger:         logger,
		DefaultTimeout: cfg.DefaultTimeout,
	})

	var tr transport.Transport = ws

	if cfg.HTTPBaseURL != "" {
		web, err := grpcweb.New(cfg.HTTPBaseURL, grpcweb.Opts{
			Logger: logger,
			Client: options.httpClient,
			Header: options.header,
		})
		if err != nil {
			_ = channel.Close()
			return nil, fmt.Errorf("wsbridge: creating gRPC-Web transport: %w", err)
		}

		tr = transport.NewCombined(web, ws)
	}

	return &Client{
		channel:   channel,
		transport: tr,
		conn:      transport.NewClientConn(tr),
	}, nil
}

// Transport returns the transport performing calls of all shapes.
func (c *Client) Transport() transport.Transport {
	return c.transport
}

// Conn returns a [grpc.ClientConnInterface] over the client's transport, which can be used with generated gRPC stubs.
func (c *Client) Conn() *transport.ClientConn {
	return c.conn
}

// Channel returns the underlying WebSocket channel.
func (c *Client) Channel() *wschannel.Channel {
	return c.channel
}

// Close closes the channel, failing all its active calls with CANCELLED.
// gRPC-Web calls aren't affected and should be canceled using their contexts.
func (c *Client) Close() error {
	return c.channel.Close()
}

// WithDialer configures the dialer used to open the WebSocket channel, [websocket.DefaultDialer] by default.
func WithDialer(dialer *websocket.Dialer) ClientOption {
	return newFuncClientOption(func(o *clientOptions) {
		o.dialer = dialer
	})
}

// WithHTTPClient configures the client used for gRPC-Web requests, [http.DefaultClient] by default.
func WithHTTPClient(client *http.Client) ClientOption {
	return newFuncClientOption(func(o *clientOptions) {
		o.httpClient = client
	})
}

// WithHeader configures the headers sent with the WebSocket handshake and every gRPC-Web request.
func WithHeader(header http.Header) ClientOption {
	return newFuncClientOption(func(o *clientOptions) {
		o.header = header
	})
}

type clientOptions struct {
	common     options
	dialer     *websocket.Dialer
	httpClient *http.Client
	header     http.Header
}

func defaultClientOptions() clientOptions {
	return clientOptions{common: defaultOptions()}
}

type funcClientOption struct {
	f func(*clientOptions)
}

func (f *funcClientOption) applyClient(o *clientOptions) {
	f.f(o)
}

func newFuncClientOption(f func(*clientOptions)) ClientOption {
	return &funcClientOption{f: f}
}
