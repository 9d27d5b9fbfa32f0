package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 60 * time.Second

	maxJitter = time.Second
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer is implemented by errors that carry server-provided retry
// guidance. A positive value takes precedence over the backoff schedule.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

type Options struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// AttemptTimeout bounds a single attempt. Zero inherits whatever
	// timeout the underlying client enforces.
	AttemptTimeout time.Duration
	// ShouldRetry decides whether an error is worth retrying. Defaults to
	// DefaultShouldRetry.
	ShouldRetry func(err error) bool
	// OnRetry is invoked before every backoff wait. It must not block.
	OnRetry func(err error, attempt int, delay time.Duration)
	// JitterMax bounds the uniform random jitter added to each delay.
	// Defaults to one second.
	JitterMax time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = DefaultShouldRetry
	}
	if o.JitterMax <= 0 {
		o.JitterMax = maxJitter
	}
	return o
}

// DefaultShouldRetry treats rate limits (429), server errors (5xx) and
// network-level errors with no status code as retryable.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == 429 || code >= 500
	}

	// no status code means the request never completed
	return true
}

// Delay returns the backoff delay before retry number attempt (zero-based),
// without jitter. Exposed for callers that report countdowns.
func Delay(attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// Do runs op, retrying per opts. The last error is returned verbatim once
// retries are exhausted or the error is not retryable.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if opts.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.AttemptTimeout)
		}

		result, err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt >= opts.MaxRetries || !opts.ShouldRetry(err) {
			return zero, lastErr
		}

		// jitter is applied inside the cap; only server guidance may
		// push the wait past MaxDelay
		delay := Delay(attempt, opts.BaseDelay, opts.MaxDelay)
		delay += time.Duration(rand.Int63n(int64(opts.JitterMax)))
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}

		var ra RetryAfterer
		if errors.As(err, &ra) {
			if server := ra.RetryAfter(); server > delay {
				delay = server
			}
		}

		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
