// Package ratelimit provides fixed-window request admission control keyed by
// caller identity and operation class. Every call, including rejected ones,
// counts against the window, so abusive retries burn their own budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Policy is the limit for one operation class.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the admission result for one request.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// WindowStore abstracts where window counters live. Multi-instance
// deployments must share counters (Redis) for cluster-wide limits.
type WindowStore interface {
	// Incr atomically increments the counter for key, creating it with the
	// given TTL on first use, and returns the post-increment count.
	Incr(ctx context.Context, key string, ttl time.Duration) (int, error)
}

// Limiter admits or rejects requests per (identity, operation class) against
// per-class policies.
type Limiter struct {
	store    WindowStore
	policies map[string]Policy
	fallback Policy
	now      func() time.Time
}

// NewLimiter creates a limiter. Classes without an explicit policy fall back
// to the given default.
func NewLimiter(store WindowStore, policies map[string]Policy, fallback Policy) *Limiter {
	if policies == nil {
		policies = make(map[string]Policy)
	}
	return &Limiter{store: store, policies: policies, fallback: fallback, now: time.Now}
}

// SetClock overrides the limiter's clock. Tests only.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// PolicyFor returns the policy applied to an operation class.
func (l *Limiter) PolicyFor(class string) Policy {
	if p, ok := l.policies[class]; ok {
		return p
	}
	return l.fallback
}

// CheckAndRecord counts the request against the caller's current window and
// reports whether it is admitted. The counter is incremented regardless of
// the outcome.
func (l *Limiter) CheckAndRecord(ctx context.Context, identity, class string) (Decision, error) {
	policy := l.PolicyFor(class)
	now := l.now()
	windowIdx := now.UnixNano() / int64(policy.Window)
	key := fmt.Sprintf("ratewindow:%s:%s:%d", identity, class, windowIdx)

	count, err := l.store.Incr(ctx, key, policy.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate window incr: %w", err)
	}

	remaining := policy.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	reset := time.Unix(0, (windowIdx+1)*int64(policy.Window))
	return Decision{
		Allowed:   count <= policy.Limit,
		Remaining: remaining,
		ResetTime: reset,
	}, nil
}
