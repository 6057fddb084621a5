// Package bridgemd implements the ordered multi-value metadata container used for
// request metadata, response headers and trailers throughout wsbridge.
package bridgemd

import (
	"net/http"
	"slices"
	"strings"

	"google.golang.org/grpc/metadata"
)

// TrailerPrefix marks header keys which actually carry trailer values.
// Keys are normalized using [FromWireKey] before the prefix is checked.
const TrailerPrefix = "trailer+"

type entry struct {
	key    string
	values []string
}

// MD is an ordered, case-sensitive multi-value metadata container.
// Keys are iterated in the order they were first added. The zero value is an empty MD ready for use.
type MD struct {
	entries []entry
}

// Pairs constructs MD from key-value pairs, panicking if an odd number of strings is passed.
// Repeated keys are appended to, same as with [MD.Append].
func Pairs(kv ...string) MD {
	if len(kv)%2 == 1 {
		panic("bridgemd: Pairs got an odd number of key-value strings")
	}

	var md MD
	for i := 0; i < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}

	return md
}

// FromWireKey normalizes a key received from the wire by replacing all ':' characters with '+',
// which turns pseudo-header style names like "trailer:grpc-status" into "trailer+grpc-status".
func FromWireKey(key string) string {
	return strings.ReplaceAll(key, ":", "+")
}

// FromWire returns a copy of md with all keys normalized by [FromWireKey].
func FromWire(md MD) MD {
	var out MD
	md.Range(func(key string, values []string) bool {
		out.Append(FromWireKey(key), values...)
		return true
	})

	return out
}

// FromGRPC converts gRPC metadata, sorting the keys to get a deterministic order.
func FromGRPC(md metadata.MD) MD {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	var out MD
	for _, k := range keys {
		out.Append(k, md[k]...)
	}

	return out
}

// FromHTTP converts HTTP headers, lowercasing and sorting the keys.
func FromHTTP(h http.Header) MD {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	var out MD
	for _, k := range keys {
		out.Append(strings.ToLower(k), h[k]...)
	}

	return out
}

// ToGRPC converts md to gRPC metadata. Keys are lowercased by the conversion, as required by gRPC.
func (md MD) ToGRPC() metadata.MD {
	out := make(metadata.MD, len(md.entries))
	for _, e := range md.entries {
		out.Append(e.key, e.values...)
	}

	return out
}

func (md *MD) index(key string) int {
	for i := range md.entries {
		if md.entries[i].key == key {
			return i
		}
	}

	return -1
}

// Append adds the values to the specified key, creating it if needed.
func (md *MD) Append(key string, values ...string) {
	if i := md.index(key); i >= 0 {
		md.entries[i].values = append(md.entries[i].values, values...)
		return
	}

	md.entries = append(md.entries, entry{key: key, values: slices.Clone(values)})
}

// Set replaces the values of the key, keeping its original position if it already exists.
func (md *MD) Set(key string, values ...string) {
	if i := md.index(key); i >= 0 {
		md.entries[i].values = slices.Clone(values)
		return
	}

	md.Append(key, values...)
}

// Delete removes the key.
func (md *MD) Delete(key string) {
	if i := md.index(key); i >= 0 {
		md.entries = slices.Delete(md.entries, i, i+1)
	}
}

// Get returns the values of the key, or nil if it isn't present.
// The returned slice must not be modified.
func (md MD) Get(key string) []string {
	if i := md.index(key); i >= 0 {
		return md.entries[i].values
	}

	return nil
}

// First returns the first value of the key, if present.
func (md MD) First(key string) (string, bool) {
	if v := md.Get(key); len(v) > 0 {
		return v[0], true
	}

	return "", false
}

func (md MD) Has(key string) bool {
	return md.index(key) >= 0
}

// Len returns the number of distinct keys.
func (md MD) Len() int {
	return len(md.entries)
}

func (md MD) Keys() []string {
	keys := make([]string, len(md.entries))
	for i, e := range md.entries {
		keys[i] = e.key
	}

	return keys
}

// Range calls f for each key in insertion order until f returns false.
func (md MD) Range(f func(key string, values []string) bool) {
	for _, e := range md.entries {
		if !f(e.key, e.values) {
			return
		}
	}
}

// Copy returns a deep copy of md.
func (md MD) Copy() MD {
	out := MD{entries: make([]entry, len(md.entries))}
	for i, e := range md.entries {
		out.entries[i] = entry{key: e.key, values: slices.Clone(e.values)}
	}

	return out
}

// Equal reports whether both containers hold the same keys with the same values in the same order.
func (md MD) Equal(other MD) bool {
	return slices.EqualFunc(md.entries, other.entries, func(a, b entry) bool {
		return a.key == b.key && slices.Equal(a.values, b.values)
	})
}

// SplitTrailers separates the keys prefixed with [TrailerPrefix] into trailers, stripping the prefix,
// and returns the remaining keys as headers.
func (md MD) SplitTrailers() (header MD, trailer MD) {
	for _, e := range md.entries {
		if name, ok := strings.CutPrefix(e.key, TrailerPrefix); ok {
			trailer.Append(name, e.values...)
		} else {
			header.Append(e.key, e.values...)
		}
	}

	return header, trailer
}

func (md MD) String() string {
	var b strings.Builder

	b.WriteByte('{')
	for i, e := range md.entries {
		if i > 0 {
			b.WriteString(", ")
		}

		b.WriteString(e.key)
		b.WriteString(": [")
		b.WriteString(strings.Join(e.values, ", "))
		b.WriteByte(']')
	}
	b.WriteByte('}')

	return b.String()
}
