package resiliency

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds a retry loop. The caller must ensure the wrapped
// operation is idempotent at the provider (swap creation and payout both are,
// keyed by idempotency key and transaction ID respectively); the executor
// does not enforce it.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      time.Duration
	// RetryIf reports whether an error is worth another attempt.
	// nil retries everything.
	RetryIf func(error) bool
}

// DefaultRetryPolicy retries transient failures three times with 1s base
// delay doubling per attempt, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      250 * time.Millisecond,
	}
}

// Delay returns the pre-sleep backoff after a failure on attempt n
// (1-indexed): min(base * multiplier^(n-1) + uniform(0, jitter), max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// RetryResult reports how a retry loop ended. TotalDelay is the cumulative
// backoff slept, needed for SLA accounting.
type RetryResult struct {
	Attempts   int
	TotalDelay time.Duration
	Err        error
}

// Succeeded reports whether the final attempt returned nil.
func (r RetryResult) Succeeded() bool { return r.Err == nil }

// ExecuteWithRetry runs op up to MaxAttempts times, sleeping the policy's
// backoff between failures. It stops early when RetryIf rejects the error or
// the context is cancelled. The result always carries the attempt count and
// cumulative delay; Err is the last attempt's error, or the context error if
// cancelled mid-backoff.
func ExecuteWithRetry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) RetryResult {
	res := RetryResult{}
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res.Attempts = attempt
		err := op(ctx)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err

		if policy.RetryIf != nil && !policy.RetryIf(err) {
			return res
		}
		if attempt == policy.MaxAttempts {
			return res
		}

		delay := policy.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = ctx.Err()
			return res
		case <-timer.C:
			res.TotalDelay += delay
		}
	}
	return res
}
