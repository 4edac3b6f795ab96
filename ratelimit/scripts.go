package ratelimit

import "github.com/redis/go-redis/v9"

// KEYS[1] bucket key; ARGV[1] cost; ARGV[2] window in ms.
// Returns the post-increment count.
//
// INCRBY is not idempotent: when a reply is lost and the policy retries,
// the call is counted twice. That errs toward rejecting, in line with the
// limiter failing closed. Rules that cannot tolerate it use SlidingWindow,
// whose per-call member makes a retried script a no-op.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return count
`)

// KEYS[1] sorted set; ARGV[1] now ms; ARGV[2] window ms; ARGV[3] cost;
// ARGV[4] unique member prefix.
// Returns {count, oldest score in ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
for i = 1, cost do
  redis.call('ZADD', KEYS[1], now, ARGV[4] .. ':' .. i)
end
local count = redis.call('ZCARD', KEYS[1])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
redis.call('PEXPIRE', KEYS[1], window)
local first = now
if oldest[2] then
  first = tonumber(oldest[2])
end
return {count, first}
`)
