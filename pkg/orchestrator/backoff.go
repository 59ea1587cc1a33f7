package orchestrator

import (
	"context"
	"math/rand/v2"
	"time"
)

// backoff returns the delay before retry n (n >= 1): base*2^(n-1) capped at
// max, with full jitter applied.
func (o *Orchestrator) backoff(n int) time.Duration {
	d := o.policy.BackoffBase
	for i := 1; i < n && d < o.policy.BackoffMax; i++ {
		d *= 2
	}
	if d > o.policy.BackoffMax {
		d = o.policy.BackoffMax
	}
	return o.jitter(d)
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d + 1)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
