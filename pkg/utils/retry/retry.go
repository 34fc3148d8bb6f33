package retry

import (
	"context"
	"errors"
	"time"

	"k8s.io/utils/clock"
)

// ErrRetry is returned from a function passed to Blocking to be called again.
var ErrRetry = errors.New("retry")

// ErrBudgetExhausted is returned from a Backoff when the next wait
// would go beyond the retry window.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Backoff is a (blocking) function returns when to retry.
//
// # Args
//
// - context: context. If context is canceled, Backoff should return ctx.Err().
//
// # Returns
//
// - error: nil if retry, non-nil if not.
type Backoff func(context.Context) error

// Policy of exponential backoff with cap and window.
//
// N-th wait (from 0) is min(Base * Factor^N, Cap).
// When the sum of elapsed time and the next wait exceeds Window, the backoff gives up.
type Policy struct {
	// first interval
	Base time.Duration

	// multiplier of interval. Values less than 1 are treated as 1.
	Factor float64

	// upper limit of an interval. 0 means unlimited.
	Cap time.Duration

	// how long retrying is allowed, measured from the first wait. 0 means forever.
	Window time.Duration
}

// Backoff creates a new Backoff from the policy.
//
// Each Backoff has its own state; create a new one per retry episode.
//
// # Args
//
// - c: clock to measure time and to wait.
//
// # Returns
//
// Backoff function. It returns ErrBudgetExhausted without waiting
// when the next wait would not finish within Window.
func (p Policy) Backoff(c clock.Clock) Backoff {
	interval := p.Base
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	var started time.Time

	return func(ctx context.Context) error {
		if started.IsZero() {
			started = c.Now()
		}
		if 0 < p.Window && p.Window < c.Since(started)+interval {
			return ErrBudgetExhausted
		}

		if err := wait(ctx, c, interval); err != nil {
			return err
		}

		next := time.Duration(float64(interval) * factor)
		if 0 < p.Cap && p.Cap < next {
			next = p.Cap
		}
		interval = next
		return nil
	}
}

func wait(ctx context.Context, c clock.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := c.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

// Blocking calls f until it returns nil or non-retry error.
//
// f is called at once, and backoff is performed between calls.
//
// # Args
//
// - ctx: context
//
// - b: backoff function
//
// - f: function to be called. If f returns ErrRetry (or an error wrapping that), Blocking calls f again after backoff.
//
// # Returns
//
// - T: last return value of f
//
// - error: error returned by f, or by the backoff.
// When the backoff gives up, the last error of f is joined to it.
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	for {
		last, lastErr := f()
		if lastErr == nil || !errors.Is(lastErr, ErrRetry) {
			return last, lastErr
		}
		if err := b(ctx); err != nil {
			return last, errors.Join(err, lastErr)
		}
	}
}
