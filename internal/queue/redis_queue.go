package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

// DefaultRedisPrefix keeps every key in one hash slot so the Lua scripts
// stay valid on Redis Cluster.
const DefaultRedisPrefix = "{webpush}"

// Key layout under prefix:
//
//	:ready     LIST  ids claimable now, FIFO
//	:delayed   ZSET  id -> unix ms when a released entry becomes claimable
//	:leases    ZSET  id -> unix ms when the current lease expires
//	:entries   HASH  id -> JSON record
//	:attempts  HASH  id -> claim count
//	:tokens    HASH  id -> current lease token
//	:dead      HASH  id -> dead-letter reason
type redisKeys struct {
	ready, delayed, leases, entries, attempts, tokens, dead string
}

func newRedisKeys(prefix string) redisKeys {
	return redisKeys{
		ready:    prefix + ":ready",
		delayed:  prefix + ":delayed",
		leases:   prefix + ":leases",
		entries:  prefix + ":entries",
		attempts: prefix + ":attempts",
		tokens:   prefix + ":tokens",
		dead:     prefix + ":dead",
	}
}

var claimScript = redis.NewScript(`
local id
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due > 0 then
  id = due[1]
  redis.call('ZREM', KEYS[2], id)
else
  local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 1)
  if #expired > 0 then
    id = expired[1]
  else
    id = redis.call('LPOP', KEYS[1])
  end
end
if not id then
  return false
end
local data = redis.call('HGET', KEYS[4], id)
if not data then
  redis.call('ZREM', KEYS[3], id)
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HSET', KEYS[6], id, ARGV[3])
local attempts = redis.call('HINCRBY', KEYS[5], id, 1)
return {id, data, attempts}
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if tonumber(ARGV[3]) <= tonumber(ARGV[4]) then
  redis.call('RPUSH', KEYS[1], ARGV[1])
else
  redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
end
return 1
`)

var deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
return 1
`)

type redisRecord struct {
	Item       domain.NotificationItem `json:"item"`
	EnqueuedAt int64                   `json:"enqueued_at"`
}

// RedisQueue keeps entries in Redis. Every state transition is one Lua
// script, so a claim and its lease bookkeeping are atomic.
type RedisQueue struct {
	rdb   redis.UniversalClient
	keys  redisKeys
	lease time.Duration
	now   func() time.Time
}

func NewRedisQueue(rdb redis.UniversalClient, prefix string, lease time.Duration, opts ...Option) *RedisQueue {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	o := buildOptions(opts)
	return &RedisQueue{rdb: rdb, keys: newRedisKeys(prefix), lease: lease, now: o.now}
}

func (q *RedisQueue) Enqueue(ctx context.Context, item domain.NotificationItem) error {
	if err := validateItem(item); err != nil {
		return err
	}
	data, err := json.Marshal(redisRecord{Item: item, EnqueuedAt: q.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	id := uuid.New().String()
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.keys.entries, id, data)
		p.RPush(ctx, q.keys.ready, id)
		return nil
	})
	if err != nil {
		return &domain.StorageError{Op: "enqueue delivery batch", Err: err}
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (*Entry, bool, error) {
	now := q.now()
	token := uuid.New().String()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.keys.ready, q.keys.delayed, q.keys.leases, q.keys.entries, q.keys.attempts, q.keys.tokens},
		now.UnixMilli(), now.Add(q.lease).UnixMilli(), token,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &domain.StorageError{Op: "claim delivery batch", Err: err}
	}
	if len(res) != 3 {
		return nil, false, fmt.Errorf("claim delivery batch: unexpected reply %v", res)
	}

	id, _ := res[0].(string)
	data, _ := res[1].(string)
	attempts, _ := res[2].(int64)

	var rec redisRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, false, fmt.Errorf("decode queue entry %s: %w", id, err)
	}
	return &Entry{
		ID:         id,
		Item:       rec.Item,
		Attempts:   int(attempts),
		EnqueuedAt: time.UnixMilli(rec.EnqueuedAt),
		LeaseToken: token,
	}, true, nil
}

func (q *RedisQueue) Ack(ctx context.Context, e *Entry) error {
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{q.keys.leases, q.keys.entries, q.keys.attempts, q.keys.tokens},
		e.ID, e.LeaseToken,
	).Int()
	return settled("ack delivery batch", n, err)
}

func (q *RedisQueue) Release(ctx context.Context, e *Entry, delay time.Duration) error {
	now := q.now()
	n, err := releaseScript.Run(ctx, q.rdb,
		[]string{q.keys.ready, q.keys.leases, q.keys.tokens, q.keys.delayed},
		e.ID, e.LeaseToken, now.Add(delay).UnixMilli(), now.UnixMilli(),
	).Int()
	return settled("release delivery batch", n, err)
}

func (q *RedisQueue) DeadLetter(ctx context.Context, e *Entry, reason string) error {
	n, err := deadLetterScript.Run(ctx, q.rdb,
		[]string{q.keys.leases, q.keys.tokens, q.keys.dead},
		e.ID, e.LeaseToken, reason,
	).Int()
	return settled("dead-letter delivery batch", n, err)
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var ready, delayed, leased, dead *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, q.keys.ready)
		delayed = p.ZCard(ctx, q.keys.delayed)
		leased = p.ZCard(ctx, q.keys.leases)
		dead = p.HLen(ctx, q.keys.dead)
		return nil
	})
	if err != nil {
		return Stats{}, &domain.StorageError{Op: "queue stats", Err: err}
	}
	return Stats{
		Ready:  int(ready.Val() + delayed.Val()),
		Leased: int(leased.Val()),
		Dead:   int(dead.Val()),
	}, nil
}

func settled(op string, n int, err error) error {
	if err != nil {
		return &domain.StorageError{Op: op, Err: err}
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

var _ Queue = (*RedisQueue)(nil)
