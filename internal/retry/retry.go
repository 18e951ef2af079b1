// Package retry wraps store interactions that must survive transient
// failures: the join batch, room subscriptions, presence registration and
// anonymous sign-in.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const DefaultDelay = 500 * time.Millisecond

// Policy retries with a fixed delay. MaxRetries of zero retries until the
// context is cancelled.
type Policy struct {
	Delay      time.Duration
	MaxRetries int
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(delay)
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs fn until it succeeds, returns a Permanent error, the retry bound
// is hit or ctx is done. Each failed attempt is logged as a warning.
func (p Policy) Do(ctx context.Context, log zerolog.Logger, op string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(fn, p.backOff(ctx), func(err error, next time.Duration) {
		attempt++
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("retrying")
	})
}

// Wait sleeps for one retry delay or until ctx is done.
func (p Policy) Wait(ctx context.Context) error {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
