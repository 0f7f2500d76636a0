package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is the narrow interface the scheduler's tick loop depends on,
// letting tests substitute a trivial always-allow stub.
type RateLimiter interface {
	Allow(ctx context.Context, scheduleID string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig is a token-bucket's capacity and steady-state refill rate
// (tokens per second).
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// NewBucketConfigFromPerMinute builds a bucket sized to sustain roughly
// perMinute executions per minute, matching spec §3.3's schedule-level
// rate_limit.max_per_minute field.
func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// RedisLuaLimiter is a distributed token-bucket rate limiter: the
// check-and-decrement is a single atomic Lua script per schedule, so many
// orchestrator replicas sharing one Redis instance enforce one global rate
// instead of one per process. Postgres mirroring lets a cold replica warm
// its view of bucket state after a restart without waiting on Redis alone
// to be the source of truth for audit/inspection purposes.
type RedisLuaLimiter struct {
	redis   *redis.Client
	pool    *pgxpool.Pool
	buckets map[string]BucketConfig
	script  *redis.Script
	mu      sync.RWMutex
}

var _ RateLimiter = (*RedisLuaLimiter)(nil)

// NewRedisLuaLimiter builds a limiter keyed by schedule ID. pool may be nil
// to disable Postgres mirroring/warm-start.
func NewRedisLuaLimiter(rdb *redis.Client, pool *pgxpool.Pool, buckets map[string]BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &RedisLuaLimiter{
		redis:   rdb,
		pool:    pool,
		buckets: buckets,
		script:  redis.NewScript(luaTokenBucketScript),
	}
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

if last_refill == nil then
  last_refill = now
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  else
    retry_after = 0
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)

return { allowed, tokens, last_refill, retry_after }
`

// Allow checks and, if permitted, debits cost tokens from scheduleID's
// bucket. A schedule with no configured bucket always allows (rate
// limiting is opt-in per spec §3.3). Fails open on Redis errors: a
// transient cache outage should not halt the entire fleet's scheduling.
func (l *RedisLuaLimiter) Allow(ctx context.Context, scheduleID string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.buckets[scheduleID]
	l.mu.RUnlock()
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate < 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9

	redisKey := "schedrate:" + scheduleID
	res, err := l.script.Run(ctx, l.redis, []string{redisKey}, cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("schedule_id", scheduleID), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("redis rate limiter unexpected script result", slog.String("schedule_id", scheduleID), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	tokens := toFloat64(vals[1])
	lastRefill := toFloat64(vals[2])
	retryAfterSec := toFloat64(vals[3])
	retryAfter := time.Duration(retryAfterSec * float64(time.Second))

	if l.pool != nil {
		l.mirrorToPostgres(ctx, scheduleID, cfg, tokens, lastRefill)
	}

	return allowed, retryAfter, nil
}

func (l *RedisLuaLimiter) mirrorToPostgres(ctx context.Context, scheduleID string, cfg BucketConfig, tokens, lastRefillSec float64) {
	if l.pool == nil {
		return
	}

	sec := int64(lastRefillSec)
	nsec := int64((lastRefillSec - float64(sec)) * 1e9)
	if nsec < 0 {
		nsec = 0
	}
	lastRefill := time.Unix(sec, nsec)

	_, err := l.pool.Exec(ctx,
		`INSERT INTO rate_limit_buckets (bucket_key, capacity, refill_rate, tokens, last_refill)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bucket_key) DO UPDATE SET
		   capacity = EXCLUDED.capacity,
		   refill_rate = EXCLUDED.refill_rate,
		   tokens = EXCLUDED.tokens,
		   last_refill = EXCLUDED.last_refill`,
		scheduleID, cfg.Capacity, cfg.RefillRate, tokens, lastRefill,
	)
	if err != nil {
		slog.Error("failed to mirror rate limit bucket to postgres", slog.String("schedule_id", scheduleID), slog.Any("error", err))
	}
}

// WarmFromPostgres repopulates Redis bucket state from its Postgres mirror,
// e.g. right after a Redis failover, so schedules don't get a free burst
// of capacity just because the cache was empty.
func (l *RedisLuaLimiter) WarmFromPostgres(ctx context.Context) error {
	if l == nil || l.pool == nil || l.redis == nil {
		return nil
	}

	rows, err := l.pool.Query(ctx, `SELECT bucket_key, tokens, EXTRACT(EPOCH FROM last_refill) FROM rate_limit_buckets`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var tokens float64
		var lastRefillSec float64
		if err := rows.Scan(&key, &tokens, &lastRefillSec); err != nil {
			return err
		}
		redisKey := "schedrate:" + key
		if err := l.redis.HMSet(ctx, redisKey, "tokens", tokens, "last_refill", lastRefillSec).Err(); err != nil {
			slog.Error("failed to warm Redis bucket from postgres", slog.String("schedule_id", key), slog.Any("error", err))
		}
	}
	return rows.Err()
}

// SetBucketConfig updates or creates the bucket configuration for a
// schedule, e.g. when its rate_limit field is edited via the admin API.
func (l *RedisLuaLimiter) SetBucketConfig(scheduleID string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets == nil {
		l.buckets = map[string]BucketConfig{}
	}
	l.buckets[scheduleID] = cfg
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}
