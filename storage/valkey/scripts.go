package valkey

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Every TokenStore method that touches more than one key runs as a single
// Lua script, so the store gives the same atomicity as the in-memory backend.
//
// A record lives in a hash {prefix}token:{h} where h = sha256(value):
//
//	data   sealed JSON record
//	kind   "code" | "access" | "refresh"
//	owner  principal ID, member of {prefix}owner:{principalID}
//	rh     for a paired access token, the hash of its refresh token
//
// The pairing of a refresh token lives in {prefix}pair:{h}:
//
//	ah  hash of the paired access token
//	av  sealed value of the paired access token
//
// Scripts derive the keys of paired records from the hashes they read, so
// the store requires a standalone (non-cluster) deployment.

// luaHelpers is prepended to every script that inserts or removes records.
//
// remove(prefix, h) deletes a record, drops it from its owner set, clears the
// pairing it participates in, and returns {data, av} or nil.
// insert(prefix, h, data, kind, owner, rh, expireAtMs) writes a record.
// pair(prefix, rh, ah, av) points a refresh token at an access token.
const luaHelpers = `
local function remove(prefix, h)
    local key = prefix .. 'token:' .. h
    local rec = redis.call('HMGET', key, 'data', 'kind', 'owner', 'rh')
    if not rec[1] then
        return nil
    end
    redis.call('DEL', key)
    if rec[3] then
        redis.call('SREM', prefix .. 'owner:' .. rec[3], h)
    end

    local av = ''
    if rec[2] == 'access' and rec[4] and rec[4] ~= '' then
        local pk = prefix .. 'pair:' .. rec[4]
        if redis.call('HGET', pk, 'ah') == h then
            redis.call('DEL', pk)
        end
    elseif rec[2] == 'refresh' then
        local pk = prefix .. 'pair:' .. h
        av = redis.call('HGET', pk, 'av') or ''
        redis.call('DEL', pk)
    end
    return {rec[1], av}
end

local function insert(prefix, h, data, kind, owner, rh, expireAt)
    local key = prefix .. 'token:' .. h
    redis.call('HSET', key, 'data', data, 'kind', kind, 'owner', owner, 'rh', rh)
    if tonumber(expireAt) > 0 then
        redis.call('PEXPIREAT', key, expireAt)
    end
    redis.call('SADD', prefix .. 'owner:' .. owner, h)
end

local function pair(prefix, rh, ah, av)
    local rkey = prefix .. 'token:' .. rh
    if redis.call('HGET', rkey, 'kind') ~= 'refresh' then
        return
    end
    local pk = prefix .. 'pair:' .. rh
    redis.call('HSET', pk, 'ah', ah, 'av', av)
    local ttl = redis.call('PTTL', rkey)
    if ttl > 0 then
        redis.call('PEXPIRE', pk, ttl)
    else
        redis.call('PERSIST', pk)
    end
end
`

// luaPut inserts a new record and pairs a paired access token with its
// refresh token in the same step.
//
// KEYS[1] = token key of the new record
// ARGV = prefix, hash, data, kind, owner, rh, expireAtMs, sealed value
//
// Returns "OK" or "DUPLICATE".
const luaPut = luaHelpers + `
local prefix, h = ARGV[1], ARGV[2]
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'DUPLICATE'
end
insert(prefix, h, ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7])
if ARGV[4] == 'access' and ARGV[6] ~= '' then
    pair(prefix, ARGV[6], h, ARGV[8])
end
return 'OK'
`

// luaReplace swaps an old record for a new one.
//
// For a paired access token this is a compare-and-swap on the refresh
// token's pairing: it proceeds only when the refresh token is currently
// paired with the old hash ("" meaning unpaired). Replacing a refresh token
// with a refresh token also removes the access token paired with the old one.
//
// KEYS[1] = token key of the new record
// ARGV = prefix, old hash or "", new hash, data, kind, owner, rh, expireAtMs, sealed value
//
// Returns "OK", "DUPLICATE", "NOT_FOUND" or "STALE".
const luaReplace = luaHelpers + `
local prefix, oldh, newh = ARGV[1], ARGV[2], ARGV[3]
local kind, rh = ARGV[5], ARGV[7]
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'DUPLICATE'
end

if kind == 'access' and rh ~= '' then
    if redis.call('HGET', prefix .. 'token:' .. rh, 'kind') ~= 'refresh' then
        return 'NOT_FOUND'
    end
    local current = redis.call('HGET', prefix .. 'pair:' .. rh, 'ah') or ''
    if current ~= oldh then
        return 'STALE'
    end
    if oldh ~= '' then
        remove(prefix, oldh)
    end
    insert(prefix, newh, ARGV[4], kind, ARGV[6], rh, ARGV[8])
    pair(prefix, rh, newh, ARGV[9])
    return 'OK'
end

local oldkind = redis.call('HGET', prefix .. 'token:' .. oldh, 'kind')
if not oldkind then
    return 'NOT_FOUND'
end
if oldkind == 'refresh' and kind == 'refresh' then
    local ah = redis.call('HGET', prefix .. 'pair:' .. oldh, 'ah')
    if ah then
        remove(prefix, ah)
    end
end
remove(prefix, oldh)
insert(prefix, newh, ARGV[4], kind, ARGV[6], rh, ARGV[8])
return 'OK'
`

// luaTake removes a record and returns it.
//
// KEYS[1] = token key
// ARGV = prefix, hash
//
// Returns {"OK", data, sealed paired access value or ""} or {"NOT_FOUND"}.
const luaTake = luaHelpers + `
local rec = remove(ARGV[1], ARGV[2])
if not rec then
    return {'NOT_FOUND'}
end
return {'OK', rec[1], rec[2]}
`

// luaGet reads a record together with its pairing.
//
// KEYS[1] = token key
// ARGV = prefix, hash
//
// Returns {"OK", data, sealed paired access value or ""} or {"NOT_FOUND"}.
const luaGet = `
local rec = redis.call('HMGET', KEYS[1], 'data', 'kind')
if not rec[1] then
    return {'NOT_FOUND'}
end
local av = ''
if rec[2] == 'refresh' then
    av = redis.call('HGET', ARGV[1] .. 'pair:' .. ARGV[2], 'av') or ''
end
return {'OK', rec[1], av}
`

// luaRemoveByOwner removes every record in a principal's owner set.
//
// KEYS[1] = owner set key
// ARGV = prefix
//
// Returns a flat list of data, sealed paired access value pairs.
const luaRemoveByOwner = luaHelpers + `
local out = {}
for _, h in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local rec = remove(ARGV[1], h)
    if rec then
        table.insert(out, rec[1])
        table.insert(out, rec[2])
    end
end
redis.call('DEL', KEYS[1])
return out
`
