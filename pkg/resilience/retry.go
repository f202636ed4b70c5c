package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
// MaxRetries < 0 retries until the context is done.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries == 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff, MaxBackoff: 30 * time.Second}
}

// Do runs fn until it succeeds, the retries are exhausted or ctx is done.
// The wait doubles after each failure, capped at MaxBackoff.
func (r RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	wait := r.Backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if r.MaxRetries >= 0 && attempt >= r.MaxRetries {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		wait *= 2
		if r.MaxBackoff > 0 && wait > r.MaxBackoff {
			wait = r.MaxBackoff
		}
	}
}
