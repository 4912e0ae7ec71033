package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AccountThrottle is a distributed token bucket keyed per mailbox account.
// Providers rate-limit session activity; every worker process shares one
// bucket per account through Redis so the fleet stays under that limit.
type AccountThrottle struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// New constructs a throttle with the provided capacity/refill.
func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *AccountThrottle {
	return &AccountThrottle{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token for the account if available. Returns the allowed
// flag and the remaining token count.
func (t *AccountThrottle) Allow(ctx context.Context, accountID string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, t.client, []string{"throttle:acct:" + accountID},
		t.capacity, t.refill, now, t.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	return parseBucketReply(res)
}

// parseBucketReply decodes the script's {allowed, tokens} pair. Anything
// else is an infrastructure error, not a throttle decision.
func parseBucketReply(res interface{}) (bool, float64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket reply %T", res)
	}
	flag, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected bucket reply element %T", arr[0])
	}
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	default:
		return false, 0, fmt.Errorf("unexpected bucket reply element %T", arr[1])
	}
	return flag == 1, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
