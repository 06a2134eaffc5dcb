package store

import "github.com/redis/go-redis/v9"

// Reply: {allowed, count, pttl_ms}. The first hit opens the window; later
// hits increment only while count < limit, so rejections never consume budget.
const fixedWindowScript = `
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = redis.call("GET", KEYS[1])
if not current then
  redis.call("SET", KEYS[1], 1, "PX", window)
  return {1, 1, window}
end
local count = tonumber(current)
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
if count < limit then
  count = redis.call("INCR", KEYS[1])
  return {1, count, ttl}
end
return {0, count, ttl}
`

// Reply: {0} unknown or expired, {2} already consumed, {3} bound elsewhere,
// {1, purpose, issued, expires} consumed now.
const consumeNonceScript = `
local f = redis.call("HMGET", KEYS[1], "address", "session", "purpose", "issued", "expires", "consumed")
if not f[1] then
  return {0}
end
if tonumber(f[5]) <= tonumber(ARGV[3]) then
  return {0}
end
if f[6] == "1" then
  return {2}
end
if f[2] ~= ARGV[1] or f[1] ~= ARGV[2] then
  return {3}
end
redis.call("HSET", KEYS[1], "consumed", "1")
return {1, f[3], f[4], f[5]}
`

const touchScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`

const markVerifiedScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {}
end
if redis.call("HGET", KEYS[1], "verified") ~= "1" then
  redis.call("HSET", KEYS[1], "verified", "1", "verified_at", ARGV[1], "last", ARGV[1])
end
return redis.call("HGETALL", KEYS[1])
`

// Swaps the binding and returns the previous one as a flat field list.
const bindScript = `
local previous = redis.call("HGETALL", KEYS[1])
redis.call("DEL", KEYS[1])
local fields = {}
for i = 2, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", KEYS[1], unpack(fields))
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return previous
`

const deleteIfSessionScript = `
if redis.call("HGET", KEYS[1], "session") == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`

var (
	fixedWindowLua     = redis.NewScript(fixedWindowScript)
	consumeNonceLua    = redis.NewScript(consumeNonceScript)
	touchLua           = redis.NewScript(touchScript)
	markVerifiedLua    = redis.NewScript(markVerifiedScript)
	bindLua            = redis.NewScript(bindScript)
	deleteIfSessionLua = redis.NewScript(deleteIfSessionScript)
)
