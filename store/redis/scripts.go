package redis

import "github.com/redis/go-redis/v9"

// nowLua reads the server clock in milliseconds. Timestamps stay within
// the 14 significant digits Lua preserves when numbers become strings.
const nowLua = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
`

// enqueueScript stores a new item and indexes it as pending.
// KEYS: item, pending. ARGV: id, queue, payload, enqueued_at.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'queue', ARGV[2], 'payload', ARGV[3], 'status', 'pending',
	'lease_id', '', 'lease_expires_at', '', 'holder', '', 'attempts', 0,
	'last_error', '', 'enqueued_at', ARGV[4], 'updated_at', ARGV[4], 'finished_at', '')
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// dequeueScript returns expired leases to the pending set, then claims the
// oldest pending item.
// KEYS: pending, leased. ARGV: prefix, lease_id, duration_ms, holder.
var dequeueScript = redis.NewScript(nowLua + `
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
	local key = ARGV[1] .. 'item:' .. id
	redis.call('ZREM', KEYS[2], id)
	local enq = redis.call('HGET', key, 'enqueued_at')
	if enq then
		redis.call('HSET', key, 'status', 'pending', 'lease_id', '', 'lease_expires_at', '')
		redis.call('ZADD', KEYS[1], enq, id)
	end
end

local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
	return false
end
local id = head[1]
local key = ARGV[1] .. 'item:' .. id
local exp = now + tonumber(ARGV[3])
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], exp, id)
redis.call('HSET', key, 'status', 'leased', 'lease_id', ARGV[2],
	'lease_expires_at', exp, 'holder', ARGV[4], 'updated_at', now)
redis.call('HINCRBY', key, 'attempts', 1)
return redis.call('HGETALL', key)
`)

// heldLua checks that KEYS[1] is leased under ARGV[1] and unexpired.
const heldLua = `
local f = redis.call('HMGET', KEYS[1], 'status', 'lease_id', 'lease_expires_at', 'queue')
if f[1] ~= 'leased' or f[2] ~= ARGV[1] or not f[3] or f[3] == '' or tonumber(f[3]) <= now then
	return 0
end
local queue = f[4]
`

// extendScript pushes an item's lease expiry to now+duration.
// KEYS: item. ARGV: lease_id, duration_ms, prefix, item_id.
var extendScript = redis.NewScript(nowLua + heldLua + `
local exp = now + tonumber(ARGV[2])
redis.call('HSET', KEYS[1], 'lease_expires_at', exp, 'updated_at', now)
redis.call('ZADD', ARGV[3] .. 'leased:' .. queue, exp, ARGV[4])
return 1
`)

// finishScript moves a leased item to a terminal status.
// KEYS: item. ARGV: lease_id, status, reason, prefix, item_id.
var finishScript = redis.NewScript(nowLua + heldLua + `
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'last_error', ARGV[3],
	'lease_id', '', 'lease_expires_at', '', 'finished_at', now, 'updated_at', now)
redis.call('ZREM', ARGV[4] .. 'leased:' .. queue, ARGV[5])
redis.call('ZADD', ARGV[4] .. 'done:' .. queue, now, ARGV[5])
redis.call('HINCRBY', ARGV[4] .. 'counts:' .. queue, ARGV[2], 1)
return 1
`)

// sweepScript deletes up to limit terminal items finished before cutoff.
// KEYS: done, counts. ARGV: prefix, cutoff_ms, limit.
var sweepScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
	local key = ARGV[1] .. 'item:' .. id
	local status = redis.call('HGET', key, 'status')
	if status then
		redis.call('HINCRBY', KEYS[2], status, -1)
	end
	redis.call('DEL', key)
	redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

// acquireScript takes the named lease unless a live one exists.
// KEYS: lease, index. ARGV: name, lease_id, holder, ttl_ms.
var acquireScript = redis.NewScript(nowLua + `
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp and tonumber(exp) > now then
	return false
end
local newExp = now + tonumber(ARGV[4])
redis.call('HSET', KEYS[1], 'name', ARGV[1], 'lease_id', ARGV[2], 'holder', ARGV[3],
	'acquired_at', now, 'expires_at', newExp)
redis.call('ZADD', KEYS[2], newExp, ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// renewScript extends a matching, unexpired lease.
// KEYS: lease, index. ARGV: name, lease_id, ttl_ms.
var renewScript = redis.NewScript(nowLua + `
local f = redis.call('HMGET', KEYS[1], 'lease_id', 'expires_at')
if f[1] ~= ARGV[2] or not f[2] or tonumber(f[2]) <= now then
	return false
end
local newExp = now + tonumber(ARGV[3])
redis.call('HSET', KEYS[1], 'expires_at', newExp)
redis.call('ZADD', KEYS[2], newExp, ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// releaseScript deletes the lease if lease_id still holds it.
// KEYS: lease, index. ARGV: name, lease_id.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease_id') == ARGV[2] then
	redis.call('DEL', KEYS[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// cleanupScript deletes every expired lease record.
// KEYS: index. ARGV: prefix.
var cleanupScript = redis.NewScript(nowLua + `
local names = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
local n = 0
for _, name in ipairs(names) do
	local key = ARGV[1] .. 'lease:' .. name
	local exp = redis.call('HGET', key, 'expires_at')
	if not exp or tonumber(exp) <= now then
		if exp then
			n = n + 1
		end
		redis.call('DEL', key)
		redis.call('ZREM', KEYS[1], name)
	end
end
return n
`)

var allScripts = []*redis.Script{
	enqueueScript, dequeueScript, extendScript, finishScript, sweepScript,
	acquireScript, renewScript, releaseScript, cleanupScript,
}
