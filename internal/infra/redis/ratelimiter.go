package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/email-dispatch/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimit  = 100
	defaultWindow = time.Minute
	keyPrefix     = "ratelimit:"
)

// slidingWindowScript keeps one sorted-set member per allowed call, scored by
// its timestamp in milliseconds. The window is (now-window, now].
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local consume = ARGV[5] == "1"

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
  allowed = 1
  if consume then
    redis.call("ZADD", key, now, ARGV[4])
    redis.call("PEXPIRE", key, window)
    count = count + 1
  end
end

local reset = now
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

var _ ratelimit.RateLimiter = (*SlidingWindowLimiter)(nil)

// SlidingWindowLimiter is a distributed per-client sliding window limiter backed by Redis.
type SlidingWindowLimiter struct {
	client *goredis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	script *goredis.Script
}

func NewSlidingWindowLimiter(client *goredis.Client, limit int, window time.Duration) (*SlidingWindowLimiter, error) {
	return newSlidingWindowLimiter(client, limit, window, time.Now)
}

func newSlidingWindowLimiter(
	client *goredis.Client,
	limit int,
	window time.Duration,
	nowFn func() time.Time,
) (*SlidingWindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if window <= 0 {
		window = defaultWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &SlidingWindowLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    nowFn,
		script: slidingWindowScript,
	}, nil
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, clientID string) (ratelimit.Decision, error) {
	return l.evaluate(ctx, clientID, true)
}

func (l *SlidingWindowLimiter) Status(ctx context.Context, clientID string) (ratelimit.Decision, error) {
	return l.evaluate(ctx, clientID, false)
}

func (l *SlidingWindowLimiter) evaluate(ctx context.Context, clientID string, consume bool) (ratelimit.Decision, error) {
	if l == nil || l.client == nil || l.script == nil {
		return ratelimit.Decision{}, fmt.Errorf("rate limiter is not initialized")
	}

	normalized := strings.TrimSpace(clientID)
	if normalized == "" {
		return ratelimit.Decision{}, fmt.Errorf("client id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	nowMs := l.now().UnixMilli()
	consumeArg := "0"
	if consume {
		consumeArg = "1"
	}
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	values, err := l.script.Run(ctx, l.client,
		[]string{keyPrefix + normalized},
		nowMs, l.window.Milliseconds(), l.limit, member, consumeArg,
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if len(values) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("unexpected rate limit script result: %v", values)
	}

	allowed := values[0] == 1
	count := int(values[1])
	remaining := l.limit - count
	if consume && !allowed {
		remaining = 0
	}
	if remaining < 0 {
		remaining = 0
	}

	return ratelimit.Decision{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(values[2]).UTC(),
	}, nil
}
