package wsbridge

import (
	"net/http"
	"strings"
	"time"

	"github.com/renbou/wsbridge/grpcadapter"
	"github.com/renbou/wsbridge/internal/ascii"
	"github.com/renbou/wsbridge/webbridge"
)

// BridgeOption configures the bridging handlers used by [WebBridge].
type BridgeOption interface {
	applyBridge(o *bridgeOptions)
}

// WebBridge provides a single entrypoint for all web-originating calls which are forwarded to the gRPC backends of a pool.
// It supports both the multiplexed WebSocket channel protocol, used for calls of all shapes, and gRPC-Web, used for unary calls.
//
// WebBridge itself is no more than a thin wrapper around the handlers from the [webbridge] package, multiplexing incoming requests
// to the appropriate handler based on the Connection and Upgrade headers. For more info, see the [WebBridge.ServeHTTP] method.
type WebBridge struct {
	channelBridge *webbridge.ChannelBridge
	grpcWebBridge *webbridge.GRPCWebBridge
}

// NewWebBridge constructs a new [*WebBridge] forwarding calls to the connections of the pool.
// When no options are provided, the handlers from [webbridge] are initialized with a default [Forwarder].
func NewWebBridge(pool grpcadapter.ClientPool, opts ...BridgeOption) *WebBridge {
	options := defaultBridgeOptions()

	for _, opt := range opts {
		opt.applyBridge(&options)
	}

	forwarder := options.common.forwarderOrDefault()

	channelBridge := webbridge.NewChannelBridge(pool, webbridge.ChannelBridgeOpts{
		Logger:       options.common.logger,
		Forwarder:    forwarder,
		MaxStreams:   options.maxStreams,
		WriteTimeout: options.writeTimeout,
	})

	grpcWebBridge := webbridge.NewGRPCWebBridge(pool, webbridge.GRPCWebBridgeOpts{
		Logger:         options.common.logger,
		Forwarder:      forwarder,
		MaxMessageSize: options.maxMessageSize,
	})

	return &WebBridge{channelBridge: channelBridge, grpcWebBridge: grpcWebBridge}
}

// ServeHTTP implements [net/http.Handler] and routes the request to the appropriate bridging handler according to these rules:
//  1. WebSocket upgrades (Connection: Upgrade and Upgrade: WebSocket) are handled by [webbridge.ChannelBridge].
//  2. All other requests are handled by [webbridge.GRPCWebBridge].
func (b *WebBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Case-insensitive comparison as specified in the RFC https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.1.
	if headerHasToken(r.Header, "Connection", "upgrade") && headerHasToken(r.Header, "Upgrade", "websocket") {
		b.channelBridge.ServeHTTP(w, r)
		return
	}

	b.grpcWebBridge.ServeHTTP(w, r)
}

// ActiveStreams returns the number of streams of the service currently forwarded over WebSocket channels.
func (b *WebBridge) ActiveStreams(service string) int {
	return b.channelBridge.ActiveStreams(service)
}

// Close closes all the active WebSocket channels. It doesn't affect the gRPC-Web handler,
// whose requests are terminated by the HTTP server itself.
func (b *WebBridge) Close() {
	b.channelBridge.Close()
}

// headerHasToken reports whether one of the comma-separated values of the header matches the token.
// Browsers send values such as "keep-alive, Upgrade" in the Connection header.
func headerHasToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, t := range strings.Split(v, ",") {
			if ascii.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}

	return false
}

// WithMaxStreams limits the number of concurrently active streams of a single WebSocket channel.
// By default the number of streams isn't limited.
func WithMaxStreams(n int) BridgeOption {
	return newFuncBridgeOption(func(o *bridgeOptions) {
		o.maxStreams = n
	})
}

// WithWriteTimeout limits the time spent writing a single frame to a WebSocket channel, 10 seconds by default.
func WithWriteTimeout(d time.Duration) BridgeOption {
	return newFuncBridgeOption(func(o *bridgeOptions) {
		o.writeTimeout = d
	})
}

// WithMaxMessageSize limits the size of gRPC-Web request messages, 4 MiB by default.
func WithMaxMessageSize(n int) BridgeOption {
	return newFuncBridgeOption(func(o *bridgeOptions) {
		o.maxMessageSize = n
	})
}

type bridgeOptions struct {
	common         options
	maxStreams     int
	writeTimeout   time.Duration
	maxMessageSize int
}

func defaultBridgeOptions() bridgeOptions {
	return bridgeOptions{common: defaultOptions()}
}

type funcBridgeOption struct {
	f func(*bridgeOptions)
}

func (f *funcBridgeOption) applyBridge(o *bridgeOptions) {
	f.f(o)
}

func newFuncBridgeOption(f func(*bridgeOptions)) BridgeOption {
	return &funcBridgeOption{f: f}
}
