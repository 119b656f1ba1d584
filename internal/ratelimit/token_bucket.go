package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The bucket state lives in one hash per key and is refilled lazily from the
// redis clock, so every instance sees the same bucket. Returns
// {allowed, remaining tokens as a string, retry after in ms}.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
else
  local elapsed = math.max(0, now - ts)
  tokens = math.min(burst, tokens + elapsed / 1000 * rate)
end

local allowed = 0
local wait = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
else
  wait = math.ceil((cost - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens), wait}
`

var (
	ErrInvalidPolicy   = errors.New("invalid_rate_limit_policy")
	ErrLimiterDisabled = errors.New("limiter_disabled")
)

// Policy refills Rate tokens per second up to Burst.
type Policy struct {
	Rate  float64
	Burst int
}

func (p Policy) validate() error {
	if p.Rate <= 0 || p.Burst <= 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// idleTTL keeps a bucket around for twice the time it takes to refill.
func (p Policy) idleTTL() time.Duration {
	seconds := math.Max(1, math.Ceil(float64(p.Burst)/p.Rate*2))
	return time.Duration(seconds) * time.Second
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Take removes cost tokens from the bucket at key when enough are left.
func (t *TokenBucket) Take(ctx context.Context, key string, policy Policy, cost int) (Decision, error) {
	if t == nil || t.client == nil {
		return Decision{}, ErrLimiterDisabled
	}
	if err := policy.validate(); err != nil {
		return Decision{}, err
	}
	if key == "" || cost <= 0 || cost > policy.Burst {
		return Decision{}, fmt.Errorf("%w: key %q cost %d", ErrInvalidPolicy, key, cost)
	}

	res, err := t.script.Run(ctx, t.client, []string{key},
		policy.Rate, policy.Burst, cost, policy.idleTTL().Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("token bucket: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	remainingRaw, _ := res[1].(string)
	wait, _ := res[2].(int64)
	remaining, err := strconv.ParseFloat(remainingRaw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket: remaining %q: %w", remainingRaw, err)
	}

	return Decision{
		Allowed:    allowed == 1,
		Limit:      policy.Burst,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(wait) * time.Millisecond,
	}, nil
}
