package retry

import (
	"context"
	"time"
)

// Policy is an enumerated backoff configuration. It is passed into the
// ledger gateway and CPI manager rather than threaded through per call.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
}

// DefaultPolicy matches the production submission defaults.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2.0}
}

// Delay returns the backoff before the given attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// Do runs fn up to MaxRetries+1 times, sleeping between attempts.
// A nil retryable treats every error as retryable. The last error is
// returned once attempts are exhausted or fn reports a permanent failure.
func (p Policy) Do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	var last error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		last = fn()
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return last
		}
	}
	return last
}
