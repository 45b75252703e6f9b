package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/clock"
	redisx "github.com/kirinyoku/tix-alloc/internal/redis"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] sorted set of accepted hits scored by time in ms
// ARGV now_ms, window_ms, limit, member
//
// Returns {allowed, hits in window including this one, retry_ms}.
// Rejected hits are not recorded.
const luaSlidingWindow = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local hits = redis.call('ZCARD', KEYS[1])

if hits >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local wait = window
  if oldest[2] then
    wait = tonumber(oldest[2]) + window - now
  end
  if wait < 0 then wait = 0 end
  return {0, hits + 1, wait}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, hits + 1, 0}
`

// SlidingWindowLimiter allows limit hits per key within any window-long
// span of time. Time comes from the injected clock so every replica and
// test sees the same window.
type SlidingWindowLimiter struct {
	rdb    *redis.Client
	clock  clock.Clock
	scope  string
	limit  int
	window time.Duration
	script *redis.Script
}

func NewSlidingWindowLimiter(
	rdb *redis.Client,
	clk clock.Clock,
	scope string,
	limit int,
	window time.Duration,
) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		rdb:    rdb,
		clock:  clk,
		scope:  scope,
		limit:  limit,
		window: window,
		script: redis.NewScript(luaSlidingWindow),
	}
}

// Allow records a hit for key unless the window is already full.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, int64, time.Duration, error) {
	const op = "redis.SlidingWindowLimiter.Allow"

	out, err := l.script.Run(
		ctx,
		l.rdb,
		[]string{redisx.KeyRateLimit(l.scope + ":" + key)},
		l.clock.Now().UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("%s: %w", op, err)
	}
	if len(out) != 3 {
		return false, 0, 0, fmt.Errorf("%s: unexpected script result %v", op, out)
	}

	return out[0] == 1, out[1], time.Duration(out[2]) * time.Millisecond, nil
}
