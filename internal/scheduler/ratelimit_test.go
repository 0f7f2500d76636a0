package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpaflow/orchestrator-core/internal/scheduler"
)

func newTestLimiter(t *testing.T) (*scheduler.RedisLuaLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return scheduler.NewRedisLuaLimiter(rdb, nil, map[string]scheduler.BucketConfig{}), mr
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	t.Parallel()
	assert.Equal(t, scheduler.BucketConfig{}, scheduler.NewBucketConfigFromPerMinute(0))
	assert.Equal(t, scheduler.BucketConfig{}, scheduler.NewBucketConfigFromPerMinute(-5))

	cfg := scheduler.NewBucketConfigFromPerMinute(60)
	assert.Equal(t, int64(60), cfg.Capacity)
	assert.InDelta(t, 1.0, cfg.RefillRate, 1e-9)
}

func TestRedisLuaLimiter_NoBucketAlwaysAllows(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	allowed, wait, err := l.Allow(context.Background(), "unconfigured-schedule", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, wait)
}

func TestRedisLuaLimiter_NilLimiterAlwaysAllows(t *testing.T) {
	t.Parallel()
	var l *scheduler.RedisLuaLimiter

	allowed, wait, err := l.Allow(context.Background(), "any", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, wait)
}

func TestNewRedisLuaLimiter_NilClientReturnsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, scheduler.NewRedisLuaLimiter(nil, nil, nil))
}

func TestRedisLuaLimiter_AllowsUpToCapacityThenRejects(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)
	l.SetBucketConfig("sched-1", scheduler.BucketConfig{Capacity: 2, RefillRate: 0})

	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "sched-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = l.Allow(ctx, "sched-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, wait, err := l.Allow(ctx, "sched-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Zero(t, wait, "zero refill rate means no meaningful retry-after estimate")
}

func TestRedisLuaLimiter_RefillsOverTime(t *testing.T) {
	t.Parallel()
	// The Lua script's "now" argument is the real wall clock (Allow reads
	// time.Now()), not miniredis's simulated clock, so refill needs an
	// actual sleep rather than mr.FastForward.
	l, _ := newTestLimiter(t)
	l.SetBucketConfig("sched-refill", scheduler.BucketConfig{Capacity: 1, RefillRate: 50})

	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "sched-refill", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = l.Allow(ctx, "sched-refill", 1)
	require.NoError(t, err)
	assert.False(t, allowed, "bucket of capacity 1 should be empty on the immediate second call")

	time.Sleep(100 * time.Millisecond)

	allowed, _, err = l.Allow(ctx, "sched-refill", 1)
	require.NoError(t, err)
	assert.True(t, allowed, "50 tokens/sec refill should have replenished the bucket after 100ms")
}

func TestRedisLuaLimiter_SetBucketConfigAppliesToNewKey(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	l.SetBucketConfig("sched-2", scheduler.BucketConfig{Capacity: 1, RefillRate: 0})
	allowed, _, err := l.Allow(ctx, "sched-2", 1)
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, err = l.Allow(ctx, "sched-2", 1)
	require.NoError(t, err)
	require.False(t, allowed, "capacity-1 bucket with no refill should stay exhausted")

	l.SetBucketConfig("sched-3", scheduler.BucketConfig{Capacity: 5, RefillRate: 0})
	allowed, _, err = l.Allow(ctx, "sched-3", 1)
	require.NoError(t, err)
	assert.True(t, allowed, "a different schedule key has its own independent bucket")
}
