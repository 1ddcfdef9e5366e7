package redis

import goredis "github.com/redis/go-redis/v9"

// Every script takes KEYS = {entry, lock, seq} and returns {code, version, ...}.
// ttl arguments are milliseconds: -1 keep, 0 persist, > 0 expire.

const ttlFn = `
local function applyTTL(k, ms)
  ms = tonumber(ms)
  if ms > 0 then
    redis.call('PEXPIRE', k, ms)
  elseif ms == 0 then
    redis.call('PERSIST', k)
  end
end
local function write(value, ms)
  local ver = redis.call('INCR', KEYS[3])
  redis.call('HSET', KEYS[1], 'v', value, 'ver', ver)
  applyTTL(KEYS[1], ms)
  redis.call('DEL', KEYS[2])
  return ver
end
`

const (
	codeOK       = 0
	codeNotFound = 1
	codeExists   = 2
	codeConflict = 3
	codeLocked   = 4
)

var (
	getScript = goredis.NewScript(`
local r = redis.call('HMGET', KEYS[1], 'v', 'ver')
if not r[1] then return {1, 0} end
return {0, tonumber(r[2]), r[1], redis.call('PTTL', KEYS[1])}
`)

	insertScript = goredis.NewScript(ttlFn + `
if redis.call('EXISTS', KEYS[1]) == 1 then return {2, 0} end
return {0, write(ARGV[1], ARGV[2])}
`)

	upsertScript = goredis.NewScript(ttlFn + `
return {0, write(ARGV[1], ARGV[2])}
`)

	replaceScript = goredis.NewScript(ttlFn + `
local cur = redis.call('HGET', KEYS[1], 'ver')
if not cur then return {1, 0} end
if cur ~= ARGV[3] then return {3, 0} end
return {0, write(ARGV[1], ARGV[2])}
`)

	deleteScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if not cur then return {1, 0} end
if ARGV[1] ~= '0' and cur ~= ARGV[1] then return {3, 0} end
redis.call('DEL', KEYS[1], KEYS[2])
return {0, 0}
`)

	touchScript = goredis.NewScript(ttlFn + `
local cur = redis.call('HGET', KEYS[1], 'ver')
if not cur then return {1, 0} end
applyTTL(KEYS[1], ARGV[1])
return {0, tonumber(cur)}
`)

	lockScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {1, 0} end
if not redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[1]) then return {4, 0} end
local ver = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], 'ver', ver)
return {0, ver, redis.call('HGET', KEYS[1], 'v'), redis.call('PTTL', KEYS[1])}
`)
)
