package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/internal/cache"
)

func setupLimiter(t *testing.T) *Limiter {
	t.Helper()

	mem := cache.NewMemory(cache.Config{Type: "memory", Name: "ratelimit-test"})
	require.NoError(t, mem.Connect())
	t.Cleanup(func() { _ = mem.Close() })

	l := NewLimiter(mem)
	// Pin the clock so tests never straddle an hour boundary
	fixed := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	return l
}

func TestCheckWithinQuota(t *testing.T) {
	l := setupLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		result, err := l.Check(ctx, "profile-1", 5)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "call %d should be allowed", i)
		assert.Equal(t, 5-i, result.Remaining)
	}

	result, err := l.Check(ctx, "profile-1", 5)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
}

func TestCheckConcurrentNoOvershoot(t *testing.T) {
	l := setupLimiter(t)
	ctx := context.Background()

	const quota = 20

	var wg sync.WaitGroup
	results := make(chan bool, 2*quota)

	for i := 0; i < 2*quota; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := l.Check(ctx, "profile-hot", quota)
			assert.NoError(t, err)
			results <- result.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed, denied := 0, 0
	for ok := range results {
		if ok {
			allowed++
		} else {
			denied++
		}
	}

	assert.Equal(t, quota, allowed, "exactly the quota must pass")
	assert.Equal(t, quota, denied, "everything beyond the quota must be denied")
}

func TestUnboundedProfileAlwaysAllowed(t *testing.T) {
	l := setupLimiter(t)
	ctx := context.Background()

	for _, rate := range []int{0, -1} {
		for i := 0; i < 100; i++ {
			result, err := l.Check(ctx, "profile-unbounded", rate)
			require.NoError(t, err)
			assert.True(t, result.Allowed)
			assert.Equal(t, Unlimited, result.Remaining)
		}
	}
}

func TestStatusDoesNotIncrement(t *testing.T) {
	l := setupLimiter(t)
	ctx := context.Background()

	_, err := l.Check(ctx, "profile-2", 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		status, err := l.Status(ctx, "profile-2", 10)
		require.NoError(t, err)
		assert.True(t, status.Allowed)
		assert.Equal(t, 9, status.Remaining)
	}
}

func TestStatusEmptyWindow(t *testing.T) {
	l := setupLimiter(t)

	status, err := l.Status(context.Background(), "profile-idle", 3)
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.Equal(t, 3, status.Remaining)
}

func TestReset(t *testing.T) {
	l := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, "profile-3", 3)
		require.NoError(t, err)
	}

	result, err := l.Check(ctx, "profile-3", 3)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	require.NoError(t, l.Reset(ctx, "profile-3"))

	result, err = l.Check(ctx, "profile-3", 3)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestWindowRollover(t *testing.T) {
	l := setupLimiter(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 59, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	result, err := l.Check(ctx, "profile-4", 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), result.ResetAt)

	result, err = l.Check(ctx, "profile-4", 1)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// Next hour starts a fresh counter
	now = time.Date(2025, 6, 1, 13, 0, 1, 0, time.UTC)

	result, err = l.Check(ctx, "profile-4", 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}
