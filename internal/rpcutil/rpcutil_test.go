package rpcutil

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func Test_EncodeTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		timeout time.Duration
		want    string
	}{
		{timeout: -time.Second, want: "0n"},
		{timeout: 0, want: "0n"},
		{timeout: 1337 * time.Nanosecond, want: "1337n"},
		{timeout: 100 * time.Millisecond, want: "100000u"},
		{timeout: 3 * time.Second, want: "3000000u"},
		{timeout: 100 * time.Second, want: "100000m"},
		{timeout: 100*time.Second + time.Nanosecond, want: "100001m"},
		{timeout: 30 * time.Hour, want: "108000S"},
		{timeout: 1000000 * time.Hour, want: "60000000M"},
		{timeout: 2000000 * time.Hour, want: "2000000H"},
	}

	for _, tt := range tests {
		t.Run(tt.timeout.String(), func(t *testing.T) {
			t.Parallel()

			if got := EncodeTimeout(tt.timeout); got != tt.want {
				t.Errorf("EncodeTimeout(%s) = %q, want %q", tt.timeout, got, tt.want)
			}
		})
	}
}

func Test_ContextError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want codes.Code
	}{
		{err: context.Canceled, want: codes.Canceled},
		{err: context.DeadlineExceeded, want: codes.DeadlineExceeded},
		{err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: codes.DeadlineExceeded},
		{err: errors.New("something else"), want: codes.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			t.Parallel()

			if got := status.Code(ContextError(tt.err)); got != tt.want {
				t.Errorf("ContextError(%q) returned code = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func Test_DecodeTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{value: "10S", want: 10 * time.Second, ok: true},
		{value: "13M", want: 13 * time.Minute, ok: true},
		{value: "4H", want: 4 * time.Hour, ok: true},
		{value: "250m", want: 250 * time.Millisecond, ok: true},
		{value: "42u", want: 42 * time.Microsecond, ok: true},
		{value: "1337n", want: 1337 * time.Nanosecond, ok: true},
		{value: "1337k"},
		{value: "1"},
		{value: "-5S"},
		{value: "111111111111S"},
		{value: "10S,10m"},
		{value: strconv.FormatInt(math.MaxInt64/int64(time.Hour)*2, 10) + "H", want: math.MaxInt64, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()

			got, ok := DecodeTimeout(tt.value)
			if got != tt.want || ok != tt.ok {
				t.Errorf("DecodeTimeout(%q) = (%v, %v), want (%v, %v)", tt.value, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func Test_DecodeTimeout_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, d := range []time.Duration{time.Nanosecond, 1500 * time.Millisecond, 90 * time.Minute, 3000 * time.Hour} {
		got, ok := DecodeTimeout(EncodeTimeout(d))
		if !ok || got != d {
			t.Errorf("DecodeTimeout(EncodeTimeout(%s)) = (%s, %v), want (%s, true)", d, got, ok, d)
		}
	}
}
