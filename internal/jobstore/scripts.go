// Copyright 2025 James Ross
package jobstore

import "github.com/redis/go-redis/v9"

// All state transitions are expressed as Lua scripts so that concurrent
// workers and schedulers never observe a job mid-transition. Scores in the
// waiting set encode (priority, enqueueSeq) as a single float: priority is
// assumed small relative to seqScale, so ties within a priority band break
// on sequence order (descending for LIFO).
const seqScale = "4294967296"

const EnqueueScriptSrc = `
local meta = KEYS[1]
local waiting = KEYS[2]
local delayed = KEYS[3]
local jobKey = KEYS[4]

local jobID = ARGV[1]
local priority = tonumber(ARGV[2])
local lifo = ARGV[3]
local delayMs = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

if redis.call('EXISTS', jobKey) == 1 then
  return 0
end

local seq = redis.call('HINCRBY', meta, 'seq', 1)

for i = 6, #ARGV, 2 do
  redis.call('HSET', jobKey, ARGV[i], ARGV[i+1])
end

if delayMs > 0 then
  redis.call('ZADD', delayed, now + delayMs, jobID)
else
  local score
  if lifo == '1' then
    score = priority * ` + seqScale + ` - seq
  else
    score = priority * ` + seqScale + ` + seq
  end
  redis.call('ZADD', waiting, score, jobID)
end

return 1
`

var enqueueScript = redis.NewScript(EnqueueScriptSrc)

var promoteDelayedScript = redis.NewScript(`
local delayed = KEYS[1]
local waiting = KEYS[2]
local meta = KEYS[3]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local prefix = ARGV[3]

local ids = redis.call('ZRANGEBYSCORE', delayed, '-inf', now, 'LIMIT', 0, limit)
for _, id in ipairs(ids) do
  redis.call('ZREM', delayed, id)
  local jobKey = prefix .. id
  local priority = tonumber(redis.call('HGET', jobKey, 'priority') or '0')
  local lifo = redis.call('HGET', jobKey, 'lifo')
  local seq = redis.call('HINCRBY', meta, 'seq', 1)
  local score
  if lifo == '1' then
    score = priority * ` + seqScale + ` - seq
  else
    score = priority * ` + seqScale + ` + seq
  end
  redis.call('HSET', jobKey, 'state', 'waiting')
  redis.call('ZADD', waiting, score, id)
end
return #ids
`)

var fetchNextScript = redis.NewScript(`
local meta = KEYS[1]
local waiting = KEYS[2]
local active = KEYS[3]
local workerID = ARGV[1]
local lockTTL = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local prefix = ARGV[4]

if redis.call('HGET', meta, 'paused') == '1' then
  return nil
end

local popped = redis.call('ZPOPMIN', waiting)
if #popped == 0 then
  return nil
end
local id = popped[1]
local jobKey = prefix .. id
local lockExpiresAt = now + lockTTL
redis.call('HSET', jobKey, 'state', 'active', 'lockOwner', workerID, 'lockExpiresAt', lockExpiresAt, 'processedOn', now)
redis.call('ZADD', active, lockExpiresAt, id)
return id
`)

var completeScript = redis.NewScript(`
local active = KEYS[1]
local completedSet = KEYS[2]
local jobKey = KEYS[3]

local jobID = ARGV[1]
local workerID = ARGV[2]
local returnValue = ARGV[3]
local now = tonumber(ARGV[4])
local removeOnComplete = ARGV[5]

local owner = redis.call('HGET', jobKey, 'lockOwner')
if not owner or owner ~= workerID then
  return {0, '', ''}
end

local parentID = redis.call('HGET', jobKey, 'parentID') or ''
local parentQueue = redis.call('HGET', jobKey, 'parentQueue') or ''

redis.call('ZREM', active, jobID)

if removeOnComplete == '1' then
  redis.call('DEL', jobKey)
else
  redis.call('HSET', jobKey, 'state', 'completed', 'returnValue', returnValue, 'finishedOn', now, 'lockOwner', '', 'lockExpiresAt', 0)
  redis.call('ZADD', completedSet, now, jobID)
end

return {1, parentID, parentQueue}
`)

var decrementParentScript = redis.NewScript(`
local parentJobKey = KEYS[1]
local pendingKey = KEYS[2]
local waiting = KEYS[3]
local delayed = KEYS[4]
local meta = KEYS[5]
local now = tonumber(ARGV[1])

if redis.call('EXISTS', parentJobKey) == 0 then
  return 0
end

local remaining = redis.call('DECR', pendingKey)
if remaining > 0 then
  return remaining
end

local delayMs = tonumber(redis.call('HGET', parentJobKey, 'delay') or '0')
local priority = tonumber(redis.call('HGET', parentJobKey, 'priority') or '0')
local lifo = redis.call('HGET', parentJobKey, 'lifo')
local parentID = redis.call('HGET', parentJobKey, 'id')

if delayMs > 0 then
  redis.call('HSET', parentJobKey, 'state', 'delayed')
  redis.call('ZADD', delayed, now + delayMs, parentID)
else
  local seq = redis.call('HINCRBY', meta, 'seq', 1)
  local score
  if lifo == '1' then
    score = priority * ` + seqScale + ` - seq
  else
    score = priority * ` + seqScale + ` + seq
  end
  redis.call('HSET', parentJobKey, 'state', 'waiting')
  redis.call('ZADD', waiting, score, parentID)
end

return 0
`)

var failScript = redis.NewScript(`
local active = KEYS[1]
local failedSet = KEYS[2]
local jobKey = KEYS[3]
local delayed = KEYS[4]

local jobID = ARGV[1]
local workerID = ARGV[2]
local errMsg = ARGV[3]
local now = tonumber(ARGV[4])
local removeOnFail = ARGV[5]

local owner = redis.call('HGET', jobKey, 'lockOwner')
if not owner or owner ~= workerID then
  return {0, '', ''}
end

redis.call('ZREM', active, jobID)

local attempts = tonumber(redis.call('HGET', jobKey, 'attempts') or '1')
local attemptsMade = tonumber(redis.call('HINCRBY', jobKey, 'attemptsMade', 1))
redis.call('HSET', jobKey, 'lastError', errMsg)

if attemptsMade < attempts then
  local backoffType = redis.call('HGET', jobKey, 'backoffType')
  local backoffDelay = tonumber(redis.call('HGET', jobKey, 'backoffDelay') or '0')
  local delayMs
  if backoffType == 'fixed' then
    delayMs = backoffDelay
  else
    delayMs = backoffDelay * math.pow(2, attemptsMade - 1)
  end
  local jitter = 0.8 + (math.random() * 0.4)
  delayMs = math.floor(delayMs * jitter)
  redis.call('HSET', jobKey, 'state', 'delayed', 'lockOwner', '', 'lockExpiresAt', 0)
  redis.call('ZADD', delayed, now + delayMs, jobID)
  return {2, '', ''}
end

local parentID = redis.call('HGET', jobKey, 'parentID') or ''
local parentQueue = redis.call('HGET', jobKey, 'parentQueue') or ''

if removeOnFail == '1' then
  redis.call('DEL', jobKey)
else
  redis.call('HSET', jobKey, 'state', 'failed', 'finishedOn', now, 'lockOwner', '', 'lockExpiresAt', 0)
  redis.call('ZADD', failedSet, now, jobID)
end

return {1, parentID, parentQueue}
`)

var failParentScript = redis.NewScript(`
local parentJobKey = KEYS[1]
local childrenSet = KEYS[2]
local failedSet = KEYS[3]
local waiting = KEYS[4]
local delayed = KEYS[5]

local childID = ARGV[1]
local now = tonumber(ARGV[2])
local prefix = ARGV[3]
local parentID = ARGV[4]

if redis.call('EXISTS', parentJobKey) == 0 then
  return 0
end
if redis.call('HGET', parentJobKey, 'state') == 'failed' then
  return 0
end

redis.call('HSET', parentJobKey, 'state', 'failed', 'lastError', 'child-failed:' .. childID, 'finishedOn', now)
redis.call('ZADD', failedSet, now, parentID)

local siblings = redis.call('SMEMBERS', childrenSet)
for _, sid in ipairs(siblings) do
  if sid ~= childID then
    local sKey = prefix .. sid
    local sstate = redis.call('HGET', sKey, 'state')
    if sstate == 'waiting' or sstate == 'delayed' then
      redis.call('ZREM', waiting, sid)
      redis.call('ZREM', delayed, sid)
      redis.call('HSET', sKey, 'state', 'failed', 'lastError', 'sibling-aborted', 'finishedOn', now)
      redis.call('ZADD', failedSet, now, sid)
    end
  end
end

return 1
`)

var extendLockScript = redis.NewScript(`
local jobKey = KEYS[1]
local active = KEYS[2]
local workerID = ARGV[1]
local newExpiresAt = tonumber(ARGV[2])
local jobID = ARGV[3]

local owner = redis.call('HGET', jobKey, 'lockOwner')
if not owner or owner ~= workerID then
  return 0
end
redis.call('HSET', jobKey, 'lockExpiresAt', newExpiresAt)
redis.call('ZADD', active, newExpiresAt, jobID)
return 1
`)

var stallScanScript = redis.NewScript(`
local active = KEYS[1]
local waiting = KEYS[2]
local failedSet = KEYS[3]
local meta = KEYS[4]
local now = tonumber(ARGV[1])
local maxStalled = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local prefix = ARGV[4]

local ids = redis.call('ZRANGEBYSCORE', active, '-inf', now, 'LIMIT', 0, limit)
local recovered = {}
local failedIds = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', active, id)
  local jobKey = prefix .. id
  local stalled = redis.call('HINCRBY', jobKey, 'stalledCount', 1)
  if stalled > maxStalled then
    redis.call('HSET', jobKey, 'state', 'failed', 'lastError', 'stalled', 'finishedOn', now, 'lockOwner', '', 'lockExpiresAt', 0)
    redis.call('ZADD', failedSet, now, id)
    table.insert(failedIds, id)
  else
    local priority = tonumber(redis.call('HGET', jobKey, 'priority') or '0')
    local lifo = redis.call('HGET', jobKey, 'lifo')
    local seq = redis.call('HINCRBY', meta, 'seq', 1)
    local score
    if lifo == '1' then
      score = priority * ` + seqScale + ` - seq
    else
      score = priority * ` + seqScale + ` + seq
    end
    redis.call('HSET', jobKey, 'state', 'waiting', 'lockOwner', '', 'lockExpiresAt', 0)
    redis.call('ZADD', waiting, score, id)
    table.insert(recovered, id)
  end
end
return {recovered, failedIds}
`)

var drainScript = redis.NewScript(`
local waiting = KEYS[1]
local delayed = KEYS[2]
local active = KEYS[3]
local includeActive = ARGV[1]
local prefix = ARGV[2]

local removed = 0
local wids = redis.call('ZRANGE', waiting, 0, -1)
for _, id in ipairs(wids) do
  redis.call('DEL', prefix .. id)
  removed = removed + 1
end
redis.call('DEL', waiting)

local dids = redis.call('ZRANGE', delayed, 0, -1)
for _, id in ipairs(dids) do
  redis.call('DEL', prefix .. id)
  removed = removed + 1
end
redis.call('DEL', delayed)

if includeActive == '1' then
  local aids = redis.call('ZRANGE', active, 0, -1)
  for _, id in ipairs(aids) do
    redis.call('DEL', prefix .. id)
    removed = removed + 1
  end
  redis.call('DEL', active)
end

return removed
`)

var cleanScript = redis.NewScript(`
local targetSet = KEYS[1]
local prefix = ARGV[1]
local removed = 0
for i = 2, #ARGV do
  local id = ARGV[i]
  redis.call('ZREM', targetSet, id)
  redis.call('DEL', prefix .. id)
  removed = removed + 1
end
return removed
`)

var obliterateScript = redis.NewScript(`
local meta, waiting, delayed, active, completedSet, failedSet = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6]
local force = ARGV[1]
local prefix = ARGV[2]

local activeCount = redis.call('ZCARD', active)
if activeCount > 0 and force ~= '1' then
  return -1
end

local allIds = {}
for _, setKey in ipairs({waiting, delayed, active, completedSet, failedSet}) do
  local ids = redis.call('ZRANGE', setKey, 0, -1)
  for _, id in ipairs(ids) do
    table.insert(allIds, id)
  end
end
for _, id in ipairs(allIds) do
  redis.call('DEL', prefix .. id)
end
redis.call('DEL', meta, waiting, delayed, active, completedSet, failedSet)
return #allIds
`)
