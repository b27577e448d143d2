package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff bounds the retry policy for transient provider failures.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is three attempts starting at 200ms.
var DefaultBackoff = Backoff{Attempts: 3, Base: 200 * time.Millisecond, Max: 5 * time.Second}

// Retry runs fn until it succeeds, fails with a non-transient error, the
// attempts are exhausted or ctx is done. The delay doubles per attempt with
// up to 50% jitter. When ctx ends between attempts the last provider error
// is returned.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	attempts := max(b.Attempts, 1)
	policy := backoff.WithContext(backoff.WithMaxRetries(b.exponential(), uint64(attempts-1)), ctx)

	var last error
	err := backoff.Retry(func() error {
		last = fn(ctx)
		if last != nil && !IsTransient(last) {
			return backoff.Permanent(last)
		}
		return last
	}, policy)
	if err != nil && last != nil && ctx.Err() != nil {
		return last
	}
	return err
}

func (b Backoff) exponential() *backoff.ExponentialBackOff {
	e := backoff.NewExponentialBackOff()
	e.InitialInterval = b.Base
	e.MaxInterval = b.Max
	if e.MaxInterval <= 0 {
		e.MaxInterval = DefaultBackoff.Max
	}
	e.Multiplier = 2
	e.RandomizationFactor = 0.5
	e.MaxElapsedTime = 0
	e.Reset()
	return e
}
