package resilience

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBucketStore keeps token buckets in Redis so that limits are shared
// across gateway instances. The refill-then-deduct cycle runs inside a
// Lua script, making it atomic per key.
type RedisBucketStore struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
}

// Both buckets live in one hash so a single script invocation can apply
// the all-or-nothing deduction.
const takeScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local period_ms = tonumber(ARGV[2])
local req_cap = tonumber(ARGV[3])
local unit_cap = tonumber(ARGV[4])
local units = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'req', 'unit', 'ts')
local req = tonumber(state[1])
local unit = tonumber(state[2])
local ts = tonumber(state[3])

if not req then
    req = req_cap
    unit = unit_cap
    ts = now_ms
end

local elapsed = now_ms - ts
if elapsed < 0 then elapsed = 0 end
local frac = elapsed / period_ms
req = math.min(req_cap, req + frac * req_cap)
unit = math.min(unit_cap, unit + frac * unit_cap)

local allowed = 1
local exceeded = ''
if req_cap > 0 and req < 1 then
    allowed = 0
    exceeded = 'requests'
elseif unit_cap > 0 and unit < units then
    allowed = 0
    exceeded = 'units'
else
    if req_cap > 0 then req = req - 1 end
    if unit_cap > 0 then unit = unit - units end
end

redis.call('HSET', key, 'req', tostring(req), 'unit', tostring(unit), 'ts', tostring(now_ms))
redis.call('PEXPIRE', key, period_ms * 2)

return {allowed, exceeded, tostring(req), tostring(unit)}
`

// NewRedisBucketStore creates a Redis-backed bucket store.
func NewRedisBucketStore(client redis.UniversalClient, prefix string) *RedisBucketStore {
	if prefix == "" {
		prefix = "modelgate:ratelimit"
	}
	return &RedisBucketStore{
		client: client,
		script: redis.NewScript(takeScript),
		prefix: prefix,
	}
}

// Take implements BucketStore.
func (s *RedisBucketStore) Take(ctx context.Context, key string, lim Limit, units int64) (TakeResult, error) {
	// Hash tag keeps both buckets of a pair on one cluster node.
	redisKey := fmt.Sprintf("%s:{%s}", s.prefix, key)
	args := []interface{}{
		time.Now().UnixMilli(),
		bucketPeriod.Milliseconds(),
		lim.RequestsPerMinute,
		lim.UnitsPerMinute,
		units,
	}

	val, err := s.script.Run(ctx, s.client, []string{redisKey}, args...).Result()
	if err != nil {
		return TakeResult{}, err
	}

	fields, ok := val.([]interface{})
	if !ok || len(fields) != 4 {
		return TakeResult{}, fmt.Errorf("unexpected script result: %v", val)
	}

	res := TakeResult{
		Allowed:           asInt(fields[0]) == 1,
		RequestsRemaining: asFloat(fields[2]),
		UnitsRemaining:    asFloat(fields[3]),
	}
	if kind, _ := fields[1].(string); kind != "" {
		res.Exceeded = LimitKind(kind)
	}
	return res, nil
}

func asInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case int64:
		return float64(x)
	default:
		return 0
	}
}
