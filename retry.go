package dnspin

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
)

// retryPolicy re-runs provider operations that fail with a retriable
// classification (rate limits and transient outages).
// Delays grow exponentially from base up to max.
// Jitter keeps a fleet of clients from thundering back in step.
type retryPolicy struct {
	attempts int // total tries including the first
	base     time.Duration
	max      time.Duration

	// sleep is swappable so tests can count pauses instead of taking them.
	sleep func(context.Context, time.Duration) error
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		attempts: 3,
		base:     500 * time.Millisecond,
		max:      10 * time.Second,
	}
}

func (p retryPolicy) do(ctx context.Context, log logr.Logger, op string, fn func() error) error {
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for try := 1; try <= attempts; try++ {
		if try > 1 {
			if serr := p.pause(ctx, try-1); serr != nil {
				return err
			}
			log.V(1).Info("retrying", "op", op, "try", try, "of", attempts)
		}
		if err = fn(); err == nil {
			return nil
		}
		if !retriable(err) {
			return err
		}
	}
	return err
}

// pause waits out the nth backoff delay, abandoning early when ctx ends.
func (p retryPolicy) pause(ctx context.Context, n int) error {
	d := p.delay(n)
	if d <= 0 {
		return ctx.Err()
	}
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delay returns the nth backoff delay (1-based),
// jittered to between 50% and 150% of the exponential step.
func (p retryPolicy) delay(n int) time.Duration {
	if p.base <= 0 {
		return 0
	}
	shift := n - 1
	if shift > 20 {
		shift = 20
	}
	d := p.base << shift
	if d <= 0 || (p.max > 0 && d > p.max) {
		d = p.max
	}
	d = time.Duration((0.5 + rand.Float64()) * float64(d))
	if p.max > 0 && d > p.max {
		d = p.max
	}
	return d
}
