package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(policies map[string]Policy) (*Limiter, *time.Time) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := &base
	l := NewLimiter(NewMemoryWindowStore(), policies, Policy{Limit: 60, Window: time.Minute})
	l.SetClock(func() time.Time { return *now })
	return l, now
}

func TestLimiterAdmitsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(map[string]Policy{
		"transaction:create": {Limit: 5, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.CheckAndRecord(ctx, "254700000001", "transaction:create")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be admitted", i)
		assert.Equal(t, 5-i, d.Remaining)
	}

	d, err := l.CheckAndRecord(ctx, "254700000001", "transaction:create")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "request 6 exceeds the limit")
	assert.Equal(t, 0, d.Remaining)
}

func TestLimiterRejectedRequestsCount(t *testing.T) {
	l, now := newTestLimiter(map[string]Policy{
		"transaction:create": {Limit: 2, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.CheckAndRecord(ctx, "caller", "transaction:create")
		require.NoError(t, err)
	}
	// Hammering after rejection keeps the window saturated: even if the
	// limit were re-evaluated, these rejected calls consumed counter slots.
	for i := 0; i < 5; i++ {
		d, err := l.CheckAndRecord(ctx, "caller", "transaction:create")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	}

	// A new window admits again.
	*now = now.Add(time.Minute)
	d, err := l.CheckAndRecord(ctx, "caller", "transaction:create")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiterIdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[string]Policy{
		"transaction:create": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	d, err := l.CheckAndRecord(ctx, "alice", "transaction:create")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.CheckAndRecord(ctx, "alice", "transaction:create")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.CheckAndRecord(ctx, "bob", "transaction:create")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "bob gets a separate window")
}

func TestLimiterClassesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[string]Policy{
		"transaction:create": {Limit: 1, Window: time.Minute},
		"transaction:status": {Limit: 10, Window: time.Minute},
	})
	ctx := context.Background()

	d, _ := l.CheckAndRecord(ctx, "caller", "transaction:create")
	require.True(t, d.Allowed)
	d, _ = l.CheckAndRecord(ctx, "caller", "transaction:create")
	require.False(t, d.Allowed)

	d, err := l.CheckAndRecord(ctx, "caller", "transaction:status")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "status polls draw from a separate budget")
}

func TestLimiterFallbackPolicy(t *testing.T) {
	l, _ := newTestLimiter(nil)
	p := l.PolicyFor("unknown:class")
	assert.Equal(t, 60, p.Limit)
	assert.Equal(t, time.Minute, p.Window)
}

func TestLimiterResetTime(t *testing.T) {
	l, now := newTestLimiter(map[string]Policy{
		"transaction:create": {Limit: 5, Window: time.Minute},
	})
	d, err := l.CheckAndRecord(context.Background(), "caller", "transaction:create")
	require.NoError(t, err)
	assert.False(t, d.ResetTime.Before(*now), "reset must not be in the past")
	assert.True(t, d.ResetTime.Sub(*now) <= time.Minute, "reset is within one window")
}

type failingWindowStore struct{}

func (failingWindowStore) Incr(context.Context, string, time.Duration) (int, error) {
	return 0, errors.New("redis unreachable")
}

func TestLimiterPropagatesStoreErrors(t *testing.T) {
	l := NewLimiter(failingWindowStore{}, nil, Policy{Limit: 5, Window: time.Minute})
	_, err := l.CheckAndRecord(context.Background(), "caller", "any")
	assert.Error(t, err)
}

func TestMemoryWindowStoreExpiry(t *testing.T) {
	s := NewMemoryWindowStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		n, err := s.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	base = base.Add(2 * time.Minute)
	n, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expired window restarts the count")
}
