package redisstore

import goredis "github.com/redis/go-redis/v9"

// Key layout per queue (see Store.keys):
//
//	pending    ZSET  id -> rank
//	delayed    ZSET  id -> eligible-at (unix ms)
//	ranks      HASH  id -> rank of a delayed entry
//	processing ZSET  id -> lease expiry (unix ms)
//	leases     HASH  id -> token of the live lease
//	messages   HASH  id -> message JSON
//
// Dead-letter records are appended to a LIST per dead-letter queue.
//
// Scripts that settle a lease take a token argument. An empty token matches any
// lease; otherwise it must equal the token recorded when the lease was taken.

// insertScript adds a new message unless its id is already stored.
// KEYS: pending, delayed, ranks, messages
// ARGV: id, message, rank, notBefore, now
var insertScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[4], ARGV[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
else
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
end
return 1
`)

// leaseScript promotes due delayed entries, pops the lowest rank and records
// the lease under token. Returns nil when nothing is eligible.
// KEYS: pending, delayed, ranks, processing, messages, leases
// ARGV: now, expiresAt, promoteBatch, token
var leaseScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
	local rank = redis.call('HGET', KEYS[3], id)
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[3], id)
	if rank then
		redis.call('ZADD', KEYS[1], rank, id)
	end
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call('ZADD', KEYS[4], ARGV[2], id)
redis.call('HSET', KEYS[6], id, ARGV[4])
return {id, redis.call('HGET', KEYS[5], id)}
`)

// releaseScript acks a lease.
// KEYS: processing, messages, leases
// ARGV: id, token
var releaseScript = goredis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
if ARGV[2] ~= '' and redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// extendScript moves the expiry of a live lease.
// KEYS: processing, leases
// ARGV: id, expiresAt, token
var extendScript = goredis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
if ARGV[3] ~= '' and redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[3] then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// requeueScript moves a leased message back to pending or delayed. A non-zero
// expiredBy only matches leases that expired at or before it.
// KEYS: processing, pending, delayed, ranks, messages, leases
// ARGV: id, message, rank, notBefore, now, expiredBy, token
var requeueScript = goredis.NewScript(`
local expiry = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not expiry then
	return 0
end
if tonumber(ARGV[6]) > 0 and tonumber(expiry) > tonumber(ARGV[6]) then
	return 0
end
if ARGV[7] ~= '' and redis.call('HGET', KEYS[6], ARGV[1]) ~= ARGV[7] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[6], ARGV[1])
redis.call('HSET', KEYS[5], ARGV[1], ARGV[2])
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
	redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

// deadLetterScript moves a leased message into a dead-letter list.
// KEYS: processing, messages, dead, leases
// ARGV: id, record, expiredBy, token
var deadLetterScript = goredis.NewScript(`
local expiry = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not expiry then
	return 0
end
if tonumber(ARGV[3]) > 0 and tonumber(expiry) > tonumber(ARGV[3]) then
	return 0
end
if ARGV[4] ~= '' and redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[4] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)
