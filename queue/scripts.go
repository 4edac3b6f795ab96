package queue

import "github.com/redis/go-redis/v9"

// KEYS[1] waiting list; KEYS[2] job hash.
// ARGV: id, kind, payload, max_attempts, now, correlation_id.
// Re-running with the same id is a no-op, so a retried enqueue never
// duplicates the job.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('HSET', KEYS[2],
  'id', ARGV[1], 'kind', ARGV[2], 'payload', ARGV[3],
  'attempts', 0, 'max_attempts', ARGV[4], 'state', 'waiting',
  'created_at', ARGV[5], 'updated_at', ARGV[5], 'correlation_id', ARGV[6])
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

// KEYS[1] waiting; KEYS[2] delayed; KEYS[3] active.
// ARGV: now ms, lease ms, token, job key prefix.
// Promotes due retries, re-queues expired leases, then leases one job.
// Returns the job hash as a flat list, or false when nothing is ready.
var leaseScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[4]

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
  redis.call('HSET', prefix .. id, 'state', 'waiting')
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('RPUSH', KEYS[1], id)
  redis.call('HSET', prefix .. id, 'state', 'waiting', 'lease_token', '')
end

while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local key = prefix .. id
  if redis.call('EXISTS', key) == 1 then
    local deadline = now + tonumber(ARGV[2])
    redis.call('ZADD', KEYS[3], deadline, id)
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'state', 'active', 'lease_token', ARGV[3],
      'lease_until', deadline, 'updated_at', now)
    return redis.call('HGETALL', key)
  end
end
`)

// KEYS[1] active; KEYS[2] job hash; KEYS[3] completed counter.
// ARGV: id, token, now, retention ms.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease_token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'state', 'completed', 'lease_token', '', 'updated_at', ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('INCR', KEYS[3])
return 1
`)

// KEYS[1] active; KEYS[2] delayed; KEYS[3] job hash.
// ARGV: id, token, now, run at ms, error.
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'lease_token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'failed', 'lease_token', '',
  'last_error', ARGV[5], 'updated_at', ARGV[3])
return 1
`)

// KEYS[1] active; KEYS[2] dead; KEYS[3] job hash.
// ARGV: id, token, now, reason.
var deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'lease_token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'dead-lettered', 'lease_token', '',
  'last_error', ARGV[4], 'updated_at', ARGV[3])
redis.call('PERSIST', KEYS[3])
return 1
`)

// KEYS[1] dead; KEYS[2] waiting; KEYS[3] job hash.
// ARGV: id, now.
var replayScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'waiting', 'attempts', 0,
  'last_error', '', 'updated_at', ARGV[2])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)
