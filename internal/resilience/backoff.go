package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffOpts configure the exponential backoff used for reconnects and retries.
// Zero values are replaced with defaults.
type BackoffOpts struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxElapsedTime stops the backoff after the specified time. Zero means the backoff never stops.
	MaxElapsedTime time.Duration
}

func (o BackoffOpts) withDefaults() BackoffOpts {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 100 * time.Millisecond
	}

	if o.MaxInterval <= 0 {
		o.MaxInterval = 10 * time.Second
	}

	if o.Multiplier < 1 {
		o.Multiplier = backoff.DefaultMultiplier
	}

	return o
}

// NewBackoff creates a jittered exponential backoff.
func NewBackoff(opts BackoffOpts) *backoff.ExponentialBackOff {
	opts = opts.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval
	b.Multiplier = opts.Multiplier
	b.MaxElapsedTime = opts.MaxElapsedTime
	b.Reset()

	return b
}
