package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout under the store prefix:
//
//	seq                  INCR counter for entry IDs
//	entry:{id}           hash with newsletter_id, status, offset, attempt, created_at, process_after, claimed_at
//	newsletter:{nid}     live entry ID for the newsletter
//	pending              zset of pending IDs scored by process_after (unix ms)
//	processing           zset of processing IDs scored by claimed_at (unix ms)
//
// Every mutation runs as a single Lua script so it is atomic on the server.

const insertLua = `
local function insert(p, nid, offset, now, after)
  local nkey = p .. 'newsletter:' .. nid
  if redis.call('EXISTS', nkey) == 1 then return -1 end
  local id = redis.call('INCR', p .. 'seq')
  redis.call('HSET', p .. 'entry:' .. id,
    'newsletter_id', nid, 'status', 'pending', 'offset', offset, 'attempt', 0,
    'created_at', now, 'process_after', after)
  redis.call('SET', nkey, id)
  redis.call('ZADD', p .. 'pending', after, id)
  return id
end
`

var enqueueScript = redis.NewScript(insertLua + `
return insert(ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5])
`)

var claimScript = redis.NewScript(`
local p = ARGV[1]
local now = ARGV[2]
local due = redis.call('ZRANGEBYSCORE', p .. 'pending', '-inf', now)
if #due == 0 then return false end
local best, bestCreated
for _, id in ipairs(due) do
  local c = tonumber(redis.call('HGET', p .. 'entry:' .. id, 'created_at'))
  if best == nil or c < bestCreated or (c == bestCreated and tonumber(id) < tonumber(best)) then
    best = id
    bestCreated = c
  end
end
local ekey = p .. 'entry:' .. best
redis.call('ZREM', p .. 'pending', best)
redis.call('ZADD', p .. 'processing', now, best)
redis.call('HSET', ekey, 'status', 'processing', 'claimed_at', now)
local attempt = redis.call('HINCRBY', ekey, 'attempt', 1)
local f = redis.call('HMGET', ekey, 'newsletter_id', 'offset', 'created_at', 'process_after')
return {best, f[1], f[2], f[3], f[4], tostring(attempt)}
`)

// heldLua checks that an entry is processing under the given attempt:
// 0 when the entry is gone, -3 when another claim replaced it.
const heldLua = `
local function held(p, id, attempt)
  local f = redis.call('HMGET', p .. 'entry:' .. id, 'status', 'attempt')
  if not f[1] then return 0 end
  if f[1] ~= 'processing' or tonumber(f[2]) ~= tonumber(attempt) then return -3 end
  return 1
end
`

var renewScript = redis.NewScript(heldLua + `
local p = ARGV[1]
local ok = held(p, ARGV[2], ARGV[3])
if ok ~= 1 then return ok end
redis.call('HSET', p .. 'entry:' .. ARGV[2], 'claimed_at', ARGV[4])
redis.call('ZADD', p .. 'processing', ARGV[4], ARGV[2])
return 1
`)

var rescheduleScript = redis.NewScript(heldLua + `
local p = ARGV[1]
local ok = held(p, ARGV[2], ARGV[3])
if ok ~= 1 then return ok end
local ekey = p .. 'entry:' .. ARGV[2]
redis.call('HSET', ekey, 'status', 'pending', 'process_after', ARGV[4])
redis.call('HDEL', ekey, 'claimed_at')
redis.call('ZREM', p .. 'processing', ARGV[2])
redis.call('ZADD', p .. 'pending', ARGV[4], ARGV[2])
return 1
`)

const removeLua = `
local function remove(p, id)
  local ekey = p .. 'entry:' .. id
  local nid = redis.call('HGET', ekey, 'newsletter_id')
  redis.call('DEL', ekey)
  redis.call('DEL', p .. 'newsletter:' .. nid)
  redis.call('ZREM', p .. 'pending', id)
  redis.call('ZREM', p .. 'processing', id)
  return nid
end
`

var completeScript = redis.NewScript(heldLua + removeLua + `
local p = ARGV[1]
local ok = held(p, ARGV[2], ARGV[3])
if ok ~= 1 then return ok end
remove(p, ARGV[2])
return 1
`)

var advanceScript = redis.NewScript(heldLua + insertLua + removeLua + `
local p = ARGV[1]
local ok = held(p, ARGV[2], ARGV[3])
if ok ~= 1 then return ok end
local cur = tonumber(redis.call('HGET', p .. 'entry:' .. ARGV[2], 'offset'))
if tonumber(ARGV[4]) < cur then return -2 end
local nid = remove(p, ARGV[2])
return insert(p, nid, ARGV[4], ARGV[5], ARGV[5])
`)

var recoverScript = redis.NewScript(`
local p = ARGV[1]
local stale = redis.call('ZRANGEBYSCORE', p .. 'processing', '-inf', '(' .. ARGV[2])
for _, id in ipairs(stale) do
  local ekey = p .. 'entry:' .. id
  local after = redis.call('HGET', ekey, 'process_after')
  redis.call('HSET', ekey, 'status', 'pending')
  redis.call('HDEL', ekey, 'claimed_at')
  redis.call('ZREM', p .. 'processing', id)
  redis.call('ZADD', p .. 'pending', after, id)
end
return #stale
`)

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a RedisStore that namespaces its keys with prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (r *RedisStore) SetClock(now func() time.Time) {
	r.now = now
}

// Ping verifies connectivity to Redis.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func (r *RedisStore) Enqueue(ctx context.Context, newsletterID int64, offset int, delay time.Duration) (int64, error) {
	if offset < 0 {
		return 0, fmt.Errorf("queue: negative offset %d", offset)
	}
	now := r.now()
	id, err := enqueueScript.Run(ctx, r.client, nil,
		r.prefix, newsletterID, offset, ms(now), ms(now.Add(delay))).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis enqueue newsletter %d: %w", newsletterID, err)
	}
	if id == -1 {
		return 0, fmt.Errorf("%w: newsletter %d", ErrDuplicateEntry, newsletterID)
	}
	return id, nil
}

func (r *RedisStore) ClaimDue(ctx context.Context) (*Entry, error) {
	now := r.now()
	vals, err := claimScript.Run(ctx, r.client, nil, r.prefix, ms(now)).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoDueEntry
	}
	if err != nil {
		return nil, fmt.Errorf("redis claim: %w", err)
	}
	if len(vals) != 6 {
		return nil, fmt.Errorf("redis claim: unexpected reply of %d fields", len(vals))
	}

	nums := make([]int64, 6)
	for i, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis claim: parse field %d: %w", i, err)
		}
		nums[i] = n
	}
	claimedAt := time.UnixMilli(ms(now))
	return &Entry{
		ID:           nums[0],
		NewsletterID: nums[1],
		Status:       StatusProcessing,
		Offset:       int(nums[2]),
		CreatedAt:    time.UnixMilli(nums[3]),
		ProcessAfter: time.UnixMilli(nums[4]),
		ClaimedAt:    &claimedAt,
		Attempt:      int(nums[5]),
	}, nil
}

// heldErr maps the held() reply codes of the claimed scripts.
func heldErr(code int64, id int64, attempt int) error {
	switch code {
	case 0:
		return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	case -3:
		return fmt.Errorf("%w: entry %d attempt %d", ErrClaimLost, id, attempt)
	}
	return nil
}

func (r *RedisStore) Renew(ctx context.Context, id int64, attempt int) error {
	n, err := renewScript.Run(ctx, r.client, nil, r.prefix, id, attempt, ms(r.now())).Int64()
	if err != nil {
		return fmt.Errorf("redis renew entry %d: %w", id, err)
	}
	return heldErr(n, id, attempt)
}

func (r *RedisStore) Reschedule(ctx context.Context, id int64, attempt int, delay time.Duration) error {
	n, err := rescheduleScript.Run(ctx, r.client, nil, r.prefix, id, attempt, ms(r.now().Add(delay))).Int64()
	if err != nil {
		return fmt.Errorf("redis reschedule entry %d: %w", id, err)
	}
	return heldErr(n, id, attempt)
}

func (r *RedisStore) Complete(ctx context.Context, id int64, attempt int) error {
	n, err := completeScript.Run(ctx, r.client, nil, r.prefix, id, attempt).Int64()
	if err != nil {
		return fmt.Errorf("redis complete entry %d: %w", id, err)
	}
	return heldErr(n, id, attempt)
}

func (r *RedisStore) Advance(ctx context.Context, id int64, attempt int, offset int) (int64, error) {
	next, err := advanceScript.Run(ctx, r.client, nil, r.prefix, id, attempt, offset, ms(r.now())).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis advance entry %d: %w", id, err)
	}
	if next == -2 {
		return 0, fmt.Errorf("queue: offset %d behind current offset of entry %d", offset, id)
	}
	if err := heldErr(next, id, attempt); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *RedisStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := recoverScript.Run(ctx, r.client, nil, r.prefix, ms(r.now().Add(-olderThan))).Int()
	if err != nil {
		return 0, fmt.Errorf("redis recover stale: %w", err)
	}
	return n, nil
}

func (r *RedisStore) Depth(ctx context.Context) (int, int, error) {
	pipe := r.client.Pipeline()
	pending := pipe.ZCard(ctx, r.prefix+"pending")
	processing := pipe.ZCard(ctx, r.prefix+"processing")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("redis depth: %w", err)
	}
	return int(pending.Val()), int(processing.Val()), nil
}
