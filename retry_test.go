package wsbridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/renbou/wsbridge"
	"github.com/renbou/wsbridge/internal/bridgetest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func Test_Retry(t *testing.T) {
	t.Parallel()

	fastBackoff := wsbridge.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	tests := []struct {
		name         string
		errs         []error
		maxAttempts  int
		wantCode     codes.Code
		wantAttempts int
	}{
		{
			name:         "success on first attempt",
			wantCode:     codes.OK,
			wantAttempts: 1,
		},
		{
			name:         "success after retryable failures",
			errs:         []error{status.Error(codes.Unavailable, "down"), status.Error(codes.ResourceExhausted, "busy")},
			wantCode:     codes.OK,
			wantAttempts: 3,
		},
		{
			name:         "non-retryable failure",
			errs:         []error{status.Error(codes.Unavailable, "down"), status.Error(codes.NotFound, "missing")},
			wantCode:     codes.NotFound,
			wantAttempts: 2,
		},
		{
			name:         "attempts exhausted",
			errs:         []error{status.Error(codes.Internal, "1"), status.Error(codes.Internal, "2"), status.Error(codes.Internal, "3")},
			maxAttempts:  2,
			wantCode:     codes.Internal,
			wantAttempts: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			attempts := 0
			retries := 0

			fn := func(context.Context) error {
				attempts++
				if attempts <= len(tt.errs) {
					return tt.errs[attempts-1]
				}

				return nil
			}

			// Act
			err := wsbridge.Retry(testContext(t), fn, wsbridge.RetryOpts{
				Backoff:     fastBackoff,
				MaxAttempts: tt.maxAttempts,
				OnRetry:     func(error, time.Duration) { retries++ },
			})

			// Assert
			if err := bridgetest.StatusCodeIs(err, tt.wantCode); err != nil {
				t.Errorf("Retry() returned unexpected error: %s", err)
			}

			if attempts != tt.wantAttempts {
				t.Errorf("Retry() made %d attempts, want %d", attempts, tt.wantAttempts)
			}

			if retries != attempts-1 {
				t.Errorf("Retry() notified about %d retries after %d attempts", retries, attempts)
			}
		})
	}
}

func Test_Retry_Context(t *testing.T) {
	t.Parallel()

	// Arrange
	ctx, cancel := context.WithCancel(testContext(t))
	attempts := 0

	fn := func(context.Context) error {
		attempts++
		if attempts == 2 {
			cancel()
		}

		return status.Error(codes.Unavailable, "down")
	}

	// Act
	err := wsbridge.Retry(ctx, fn, wsbridge.RetryOpts{Backoff: wsbridge.BackoffConfig{InitialInterval: time.Millisecond}})

	// Assert
	if err := bridgetest.StatusCodeIs(err, codes.Canceled); err != nil {
		t.Errorf("Retry() returned unexpected error: %s", err)
	}

	if attempts != 2 {
		t.Errorf("Retry() made %d attempts after the context was canceled, want 2", attempts)
	}
}
