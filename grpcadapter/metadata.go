package grpcadapter

import (
	"encoding/base64"
	"slices"
	"strings"

	"github.com/renbou/wsbridge/internal/ascii"
	"google.golang.org/grpc/metadata"
)

const (
	// AllowAll can be specified in an allowlist of [ProxyMDFilterOpts] to forward all the non-reserved fields.
	AllowAll = "*"

	reservedPrefix    = "grpc-"
	metadataTimeout   = "grpc-timeout"
	metadataBinSuffix = "-bin"
)

// reservedKeys are the HTTP/2 and WebSocket connection-level headers which must never be forwarded.
var reservedKeys = []string{
	"connection", "content-length", "content-type", "host", "keep-alive", "proxy-connection", "te",
	"transfer-encoding", "upgrade", "user-agent", "sec-websocket-key", "sec-websocket-protocol", "sec-websocket-version",
}

// ProxyMDFilterOpts specify the metadata fields forwarded in request headers (from a client)
// and response headers/trailers (from a backend).
type ProxyMDFilterOpts struct {
	// AllowRequestMD is the allowlist for request metadata.
	AllowRequestMD []string
	// AllowResponseMD is the allowlist for response metadata.
	AllowResponseMD []string
	// AllowTrailerMD is the allowlist for response trailer metadata.
	AllowTrailerMD []string
}

// ProxyMDFilter is the default implementation of [MetadataFilter], suitable for untrusted clients.
// By default, no client or backend metadata is forwarded, since both might contain sensitive fields:
// a client might send an X-Internal header blindly trusted by a backend,
// while a backend might return an X-Internal header leaking some sensitive data.
//
// Fields are forwarded only when present in the appropriate allowlist of [ProxyMDFilterOpts],
// or when the allowlist contains [AllowAll]. Reserved fields, which are the ones prefixed with "grpc-"
// and the connection-level headers, are never forwarded, except for grpc-timeout in requests,
// since it is terminated by the [Forwarder] and can't affect the backend in any way.
//
// Bridge clients send binary fields (keys suffixed with "-bin") base64-encoded,
// so [ProxyMDFilter.FilterRequestMD] decodes them for the gRPC client to encode them again.
type ProxyMDFilter struct {
	opts ProxyMDFilterOpts
}

// NewProxyMDFilter creates a new [ProxyMDFilter] with the given options.
func NewProxyMDFilter(opts ProxyMDFilterOpts) *ProxyMDFilter {
	return &ProxyMDFilter{
		opts: opts,
	}
}

// FilterRequestMD filters the request metadata, keeping grpc-timeout fields as-is.
func (pd *ProxyMDFilter) FilterRequestMD(md metadata.MD) metadata.MD {
	out := filterMD(md, pd.opts.AllowRequestMD)

	for k, v := range out {
		if !hasSuffixFold(k, metadataBinSuffix) {
			continue
		}

		decoded := make([]string, 0, len(v))
		for _, s := range v {
			if b, err := decodeBinHeader(s); err == nil {
				decoded = append(decoded, string(b))
			}
		}

		if len(decoded) > 0 {
			out[k] = decoded
		} else {
			delete(out, k)
		}
	}

	if v := md.Get(metadataTimeout); len(v) > 0 {
		out.Set(metadataTimeout, v...)
	}

	return out
}

// FilterResponseMD filters the response header metadata of a backend.
func (pd *ProxyMDFilter) FilterResponseMD(md metadata.MD) metadata.MD {
	return filterMD(md, pd.opts.AllowResponseMD)
}

// FilterTrailerMD filters the response trailer metadata of a backend.
// The status is sent separately from the trailers, so grpc-status and grpc-message aren't kept.
func (pd *ProxyMDFilter) FilterTrailerMD(md metadata.MD) metadata.MD {
	return filterMD(md, pd.opts.AllowTrailerMD)
}

func filterMD(md metadata.MD, allow []string) metadata.MD {
	out := make(metadata.MD)

	if slices.Contains(allow, AllowAll) {
		for k, v := range md {
			if k = strings.ToLower(k); len(v) > 0 && !isReserved(k) {
				out.Append(k, v...)
			}
		}

		return out
	}

	for _, k := range allow {
		if v := md.Get(k); len(v) > 0 && !isReserved(k) {
			out.Set(k, v...)
		}
	}

	return out
}

func isReserved(k string) bool {
	if strings.HasPrefix(k, ":") {
		return true
	}

	if len(k) >= len(reservedPrefix) && ascii.EqualFold(k[:len(reservedPrefix)], reservedPrefix) {
		return true
	}

	return slices.ContainsFunc(reservedKeys, func(r string) bool { return ascii.EqualFold(k, r) })
}

func hasSuffixFold(s, suffix string) bool {
	return len(s) > len(suffix) && ascii.EqualFold(s[len(s)-len(suffix):], suffix)
}

// Binary values might come with or without padding.
func decodeBinHeader(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		return base64.StdEncoding.DecodeString(v)
	}

	return base64.RawStdEncoding.DecodeString(v)
}
