package collab

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	_, rdb := testRedis(t)
	limiter := NewRateLimiter(rdb, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := limiter.Allow(ctx, "ops:s1", 5)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i)
	}

	ok, err := limiter.Allow(ctx, "ops:s1", 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	_, rdb := testRedis(t)
	limiter := NewRateLimiter(rdb, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "ops:s1", 2)
		require.NoError(t, err)
	}

	ok, err := limiter.Allow(ctx, "ops:s2", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterWindowSlides(t *testing.T) {
	mr, rdb := testRedis(t)
	limiter := NewRateLimiter(rdb, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "ops:s1", 3)
		require.NoError(t, err)
	}
	ok, err := limiter.Allow(ctx, "ops:s1", 3)
	require.NoError(t, err)
	require.False(t, ok)

	// Old entries age out of the window. miniredis clock does not move
	// on its own, but the member scores are wall-clock timestamps, so a
	// fast-forwarded "now" trims them on the next call.
	mr.FastForward(2 * time.Minute)
	time.Sleep(10 * time.Millisecond)

	ok, err = limiter.Allow(ctx, "ops:s1", 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterFailsOpenWhenRedisDown(t *testing.T) {
	mr, rdb := testRedis(t)
	limiter := NewRateLimiter(rdb, time.Minute)
	mr.Close()

	ok, err := limiter.Allow(context.Background(), "ops:s1", 1)
	assert.Error(t, err)
	assert.True(t, ok, "limiter outages must not block collaboration")
}

func TestSessionRateLimiterAbuseKick(t *testing.T) {
	_, rdb := testRedis(t)
	limiter := NewSessionRateLimiter(rdb, SessionRateLimits{
		OpsPerMinute:        2,
		PresencePerMinute:   2,
		AbuseViolationLimit: 3,
	}, NewMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, kick := limiter.AllowOperation(ctx, "s1")
		require.True(t, allowed)
		require.False(t, kick)
	}

	// Two violations tolerated, the third crosses the abuse threshold.
	for i := 0; i < 2; i++ {
		allowed, kick := limiter.AllowOperation(ctx, "s1")
		require.False(t, allowed)
		require.False(t, kick)
	}
	allowed, kick := limiter.AllowOperation(ctx, "s1")
	assert.False(t, allowed)
	assert.True(t, kick)
}

func TestSessionRateLimiterViolationsResetOnSuccess(t *testing.T) {
	_, rdb := testRedis(t)
	limiter := NewSessionRateLimiter(rdb, SessionRateLimits{
		OpsPerMinute:        1,
		PresencePerMinute:   1000,
		AbuseViolationLimit: 2,
	}, NewMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	allowed, _ := limiter.AllowOperation(ctx, "s1")
	require.True(t, allowed)
	allowed, kick := limiter.AllowOperation(ctx, "s1")
	require.False(t, allowed)
	require.False(t, kick)

	// A successful presence check does not share the ops ceiling, and a
	// success clears the consecutive violation counter.
	allowed, _ = limiter.AllowPresence(ctx, "s1")
	require.True(t, allowed)

	allowed, kick = limiter.AllowOperation(ctx, "s1")
	assert.False(t, allowed)
	assert.False(t, kick, "counter restarted after the successful check")
}

func TestSessionRateLimiterZeroLimitDisabled(t *testing.T) {
	_, rdb := testRedis(t)
	limiter := NewSessionRateLimiter(rdb, SessionRateLimits{}, NewMetrics(prometheus.NewRegistry()))

	for i := 0; i < 20; i++ {
		allowed, kick := limiter.AllowOperation(context.Background(), "s1")
		require.True(t, allowed)
		require.False(t, kick)
	}
}
