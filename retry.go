package wsbridge

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/renbou/wsbridge/internal/resilience"
	"github.com/renbou/wsbridge/rpcerr"
)

// RetryOpts configure [Retry].
type RetryOpts struct {
	// Backoff configures the delays between attempts.
	Backoff BackoffConfig
	// MaxAttempts limits the number of attempts, including the first one. Zero means no limit.
	MaxAttempts int
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(err error, delay time.Duration)
}

// Retry calls fn until it succeeds, returns an error not classified as retryable by [rpcerr.IsRetryable],
// the attempts run out, or ctx is done. The last error of fn is returned, unless ctx ended the loop,
// in which case its error is converted to CANCELLED or DEADLINE_EXCEEDED.
//
// Since calls are never resumed after the channel reconnects, fn should perform the whole call, including reading its responses.
func Retry(ctx context.Context, fn func(context.Context) error, opts RetryOpts) error {
	var b backoff.BackOff = resilience.NewBackoff(opts.Backoff.opts())
	if opts.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(opts.MaxAttempts-1))
	}

	err := backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err != nil && !rpcerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}, backoff.WithContext(b, ctx), opts.OnRetry)

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return rpcerr.FromContext(ctxErr)
	}

	return err
}
