package redisq

import "github.com/go-redis/redis/v8"

// publishScript adds a task to the ready or delayed set of its queue.
// A task already waiting keeps whichever due time is later.
//
// KEYS: ready, delayed, messages
// ARGV: task id, payload, ready score, due ms, now ms, capacity
// Returns 1 when written, 0 when the task was already waiting, -1 when full.
var publishScript = redis.NewScript(`
local id = ARGV[1]
local due = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local inReady = redis.call('ZSCORE', KEYS[1], id)
local oldDue = redis.call('ZSCORE', KEYS[2], id)
if inReady then
  if due <= now then return 0 end
  redis.call('ZREM', KEYS[1], id)
elseif oldDue then
  if due <= tonumber(oldDue) then return 0 end
else
  local cap = tonumber(ARGV[6])
  if cap > 0 and redis.call('ZCARD', KEYS[1]) + redis.call('ZCARD', KEYS[2]) >= cap then
    return -1
  end
end
redis.call('HSET', KEYS[3], id, ARGV[2])
if due <= now then
  redis.call('ZADD', KEYS[1], ARGV[3], id)
else
  redis.call('ZADD', KEYS[2], due, id)
end
return 1
`)

// popScript promotes due delayed tasks, returns expired deliveries to the
// ready set and then claims the best ready task.
//
// KEYS: ready, delayed, messages, inflight, receipts
// ARGV: now ms, visibility deadline ms, receipt
// Returns {} when nothing is ready, otherwise {task id, payload}.
var popScript = redis.NewScript(`
local now = ARGV[1]
local function ready(id)
  local payload = redis.call('HGET', KEYS[3], id)
  if not payload then return end
  if redis.call('ZSCORE', KEYS[1], id) or redis.call('ZSCORE', KEYS[2], id) then return end
  redis.call('ZADD', KEYS[1], cjson.decode(payload).score, id)
end

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  ready(id)
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', now, 'LIMIT', 0, 100)
for _, receipt in ipairs(expired) do
  redis.call('ZREM', KEYS[4], receipt)
  local id = redis.call('HGET', KEYS[5], receipt)
  redis.call('HDEL', KEYS[5], receipt)
  if id then ready(id) end
end

local top = redis.call('ZRANGE', KEYS[1], 0, 0)
if #top == 0 then return {} end
local id = top[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[5], ARGV[3], id)
return {id, redis.call('HGET', KEYS[3], id)}
`)

// ackScript forgets a delivery. The stored message is dropped unless the
// task was republished in the meantime.
//
// KEYS: ready, delayed, messages, inflight, receipts
// ARGV: receipt
var ackScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
if id and not redis.call('ZSCORE', KEYS[1], id) and not redis.call('ZSCORE', KEYS[2], id) then
  redis.call('HDEL', KEYS[3], id)
end
return 1
`)
