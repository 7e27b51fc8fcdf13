package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	res := ExecuteWithRetry(context.Background(), fastPolicy(), func(ctx context.Context) error {
		return nil
	})
	assert.True(t, res.Succeeded())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, time.Duration(0), res.TotalDelay)
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	res := ExecuteWithRetry(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errProviderDown
		}
		return nil
	})
	assert.True(t, res.Succeeded())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
	// Slept after attempts 1 and 2: 1ms + 2ms.
	assert.Equal(t, 3*time.Millisecond, res.TotalDelay)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	res := ExecuteWithRetry(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		return errProviderDown
	})
	assert.False(t, res.Succeeded())
	assert.ErrorIs(t, res.Err, errProviderDown)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	permanent := errors.New("bad request")
	policy := fastPolicy()
	policy.RetryIf = func(err error) bool { return !errors.Is(err, permanent) }

	calls := 0
	res := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
	assert.ErrorIs(t, res.Err, permanent)
}

func TestRetryHonoursContextCancellation(t *testing.T) {
	policy := fastPolicy()
	policy.BaseDelay = time.Hour // the sleep, not the op, must observe cancellation

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := ExecuteWithRetry(ctx, policy, func(ctx context.Context) error {
		calls++
		return errProviderDown
	})
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelaySequence(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := policy.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     250 * time.Millisecond,
	}
	for i := 0; i < 100; i++ {
		d := policy.Delay(1)
		if d < time.Second || d >= time.Second+250*time.Millisecond {
			t.Fatalf("Delay(1) = %v outside [1s, 1.25s)", d)
		}
	}
}

func TestDelayProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("delay never exceeds the cap", prop.ForAll(
		func(baseMs int64, attempt int) bool {
			p := RetryPolicy{
				BaseDelay:  time.Duration(baseMs) * time.Millisecond,
				MaxDelay:   30 * time.Second,
				Multiplier: 2,
				Jitter:     500 * time.Millisecond,
			}
			return p.Delay(attempt) <= p.MaxDelay
		},
		gen.Int64Range(1, 5000),
		gen.IntRange(1, 20),
	))

	properties.Property("backoff without jitter is non-decreasing", prop.ForAll(
		func(baseMs int64, attempt int) bool {
			p := RetryPolicy{
				BaseDelay:  time.Duration(baseMs) * time.Millisecond,
				MaxDelay:   time.Hour,
				Multiplier: 2,
			}
			return p.Delay(attempt+1) >= p.Delay(attempt)
		},
		gen.Int64Range(1, 1000),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
