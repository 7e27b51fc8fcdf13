// Package resiliency provides the failure-handling primitives wrapped around
// every outbound provider call: a circuit breaker with pluggable shared state
// and a bounded retry executor with exponential backoff and jitter.
package resiliency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the circuit breaker state for one collaborator key.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned when a call is rejected without invoking the
// operation because the collaborator's circuit is open.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState is the stored state for one collaborator key. Generation is a
// compare-and-swap token: every mutation increments it, so concurrent writers
// cannot both win. The zero value means a closed circuit that has never
// recorded a failure.
type CircuitState struct {
	State       State
	Failures    int
	LastFailure time.Time
	NextAttempt time.Time
	Generation  int64
}

// CircuitStateStore abstracts where breaker state lives. Single-instance
// deployments use the in-memory store; multi-instance deployments must share
// state (Redis) so one threshold crossing opens the breaker cluster-wide.
type CircuitStateStore interface {
	// Get returns the state for key. A key never seen returns the zero
	// CircuitState (closed, generation 0).
	Get(ctx context.Context, key string) (CircuitState, error)
	// CompareAndSwap writes next iff the stored generation still equals
	// prev.Generation. Returns false without writing on a lost race.
	CompareAndSwap(ctx context.Context, key string, prev, next CircuitState) (bool, error)
}

// Breaker gates outbound calls per collaborator key.
type Breaker struct {
	store           CircuitStateStore
	threshold       int
	recoveryTimeout time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock overrides the breaker's clock. Tests only.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and allows a single trial call after recoveryTimeout.
func NewBreaker(store CircuitStateStore, threshold int, recoveryTimeout time.Duration, logger *slog.Logger, opts ...BreakerOption) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		store:           store,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs op through the circuit for key. When the circuit is open and
// still cooling down, op is not invoked: fallback runs if supplied, otherwise
// ErrCircuitOpen is returned. During HALF_OPEN exactly one caller wins the
// trial; losers are rejected until the trial resolves.
func (b *Breaker) Execute(ctx context.Context, key string, op func(ctx context.Context) error, fallback func(error) error) error {
	st, err := b.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("circuit state read for %s: %w", key, err)
	}
	if st.State == "" {
		st.State = StateClosed
	}

	now := b.now()

	switch st.State {
	case StateOpen:
		if now.Before(st.NextAttempt) {
			return b.reject(key, fallback)
		}
		// Cooled down: exactly one caller may claim the trial slot.
		trial := st
		trial.State = StateHalfOpen
		trial.Generation++
		won, err := b.store.CompareAndSwap(ctx, key, st, trial)
		if err != nil {
			return fmt.Errorf("circuit trial claim for %s: %w", key, err)
		}
		if !won {
			return b.reject(key, fallback)
		}
		return b.runTrial(ctx, key, trial, op, fallback)

	case StateHalfOpen:
		// A trial is already in flight elsewhere.
		return b.reject(key, fallback)
	}

	// CLOSED
	if opErr := op(ctx); opErr != nil {
		b.recordFailure(ctx, key, st, now)
		return opErr
	}
	if st.Failures > 0 {
		b.recordSuccess(ctx, key, st)
	}
	return nil
}

// runTrial executes the single HALF_OPEN probe and settles the circuit.
func (b *Breaker) runTrial(ctx context.Context, key string, st CircuitState, op func(ctx context.Context) error, fallback func(error) error) error {
	opErr := op(ctx)
	next := st
	next.Generation++
	if opErr == nil {
		next.State = StateClosed
		next.Failures = 0
		next.NextAttempt = time.Time{}
	} else {
		next.State = StateOpen
		next.LastFailure = b.now()
		next.NextAttempt = b.now().Add(b.recoveryTimeout)
	}
	if _, err := b.store.CompareAndSwap(ctx, key, st, next); err != nil {
		b.logger.Error("circuit trial settle failed", "key", key, "error", err)
	}
	if opErr != nil {
		b.logger.Warn("circuit reopened after failed trial", "key", key)
	} else {
		b.logger.Info("circuit closed after successful trial", "key", key)
	}
	return opErr
}

// recordFailure bumps the consecutive-failure count, opening the circuit at
// the threshold. Lost CAS races are retried against fresh state a bounded
// number of times; a persistently lost race means another writer already
// recorded the failure burst.
func (b *Breaker) recordFailure(ctx context.Context, key string, st CircuitState, now time.Time) {
	for attempt := 0; attempt < 3; attempt++ {
		next := st
		next.Failures++
		next.LastFailure = now
		next.Generation++
		if next.Failures >= b.threshold {
			next.State = StateOpen
			next.NextAttempt = now.Add(b.recoveryTimeout)
		}
		won, err := b.store.CompareAndSwap(ctx, key, st, next)
		if err != nil {
			b.logger.Error("circuit failure record failed", "key", key, "error", err)
			return
		}
		if won {
			if next.State == StateOpen && st.State != StateOpen {
				b.logger.Warn("circuit opened", "key", key, "failures", next.Failures)
			}
			return
		}
		fresh, err := b.store.Get(ctx, key)
		if err != nil {
			return
		}
		if fresh.State != StateClosed && fresh.State != "" {
			return // someone else already opened it
		}
		st = fresh
	}
}

// recordSuccess resets the failure count after a successful closed-state call.
func (b *Breaker) recordSuccess(ctx context.Context, key string, st CircuitState) {
	next := st
	next.Failures = 0
	next.Generation++
	if _, err := b.store.CompareAndSwap(ctx, key, st, next); err != nil {
		b.logger.Error("circuit success reset failed", "key", key, "error", err)
	}
}

func (b *Breaker) reject(key string, fallback func(error) error) error {
	err := fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	if fallback != nil {
		return fallback(err)
	}
	return err
}
