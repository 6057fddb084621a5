package rpcutil

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ContextError works like toRPCErr in rpc_util.go from grpc.
func ContextError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, context.Canceled.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, context.DeadlineExceeded.Error())
	}

	return status.Error(codes.Unknown, err.Error())
}

// maxTimeoutValue is the maximum amount of digits allowed in a grpc-timeout value.
const maxTimeoutValue int64 = 100000000 - 1

// EncodeTimeout formats the duration as a grpc-timeout header value,
// picking the most precise unit which fits into 8 digits, as done by grpc-go.
func EncodeTimeout(t time.Duration) string {
	if t <= 0 {
		return "0n"
	}

	if d := divCeil(t, time.Nanosecond); d <= maxTimeoutValue {
		return strconv.FormatInt(d, 10) + "n"
	}

	if d := divCeil(t, time.Microsecond); d <= maxTimeoutValue {
		return strconv.FormatInt(d, 10) + "u"
	}

	if d := divCeil(t, time.Millisecond); d <= maxTimeoutValue {
		return strconv.FormatInt(d, 10) + "m"
	}

	if d := divCeil(t, time.Second); d <= maxTimeoutValue {
		return strconv.FormatInt(d, 10) + "S"
	}

	if d := divCeil(t, time.Minute); d <= maxTimeoutValue {
		return strconv.FormatInt(d, 10) + "M"
	}

	// Note that maxTimeoutValue * time.Hour > MaxInt64.
	return strconv.FormatInt(divCeil(t, time.Hour), 10) + "H"
}

func divCeil(d, r time.Duration) int64 {
	if d%r > 0 {
		return int64(d/r + 1)
	}

	return int64(d / r)
}

// DecodeTimeout parses a grpc-timeout header value. Values overflowing time.Duration are clamped to its maximum.
func DecodeTimeout(s string) (time.Duration, bool) {
	size := len(s)

	if size < 2 || size > 9 {
		return 0, false
	}

	unit, ok := timeoutUnit(s[size-1])
	if !ok {
		return 0, false
	}

	value, err := strconv.ParseInt(s[:size-1], 10, 64)
	if err != nil || value < 0 {
		return 0, false
	}

	if value > math.MaxInt64/int64(unit) {
		return time.Duration(math.MaxInt64), true
	}

	return unit * time.Duration(value), true
}

func timeoutUnit(u byte) (time.Duration, bool) {
	switch u {
	case 'H':
		return time.Hour, true
	case 'M':
		return time.Minute, true
	case 'S':
		return time.Second, true
	case 'm':
		return time.Millisecond, true
	case 'u':
		return time.Microsecond, true
	case 'n':
		return time.Nanosecond, true
	}

	return 0, false
}
