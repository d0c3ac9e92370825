package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis.
//
// For a queue called name it uses these keys, all sharing one hash tag so
// the scripts stay valid on a cluster:
//
//	<prefix>{q:<name>}:ready     ZSET  task id scored by not-before (ms)
//	<prefix>{q:<name>}:leased    ZSET  task id scored by lease expiry (ms)
//	<prefix>{q:<name>}:tasks     HASH  task id -> msgpack-encoded Task
//	<prefix>{q:<name>}:owners    HASH  task id -> lease owner
//	<prefix>{q:<name>}:attempts  HASH  task id -> attempts
type RedisQueue struct {
	client redis.UniversalClient
	keys   []string
	opts   queueOptions
}

const (
	rqReady = iota
	rqLeased
	rqTasks
	rqOwners
	rqAttempts
)

var (
	redisClaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[4], id)
	redis.call('HINCRBY', KEYS[5], id, 1)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
local score = redis.call('ZSCORE', KEYS[1], id)
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[3], id)
redis.call('HSET', KEYS[4], id, ARGV[2])
return {id, redis.call('HGET', KEYS[3], id), redis.call('HGET', KEYS[5], id) or '0', score}
`)

	redisAckScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

	redisNackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)
)

// NewRedisQueue constructs a Redis-backed Queue called name.
// prefix is optional but recommended (e.g. "durable:").
func NewRedisQueue(client redis.UniversalClient, prefix, name string, opts ...Option) *RedisQueue {
	if prefix == "" {
		prefix = "durable:"
	}
	base := prefix + "{q:" + name + "}:"
	return &RedisQueue{
		client: client,
		keys: []string{
			rqReady:    base + "ready",
			rqLeased:   base + "leased",
			rqTasks:    base + "tasks",
			rqOwners:   base + "owners",
			rqAttempts: base + "attempts",
		},
		opts: defaultOptions(opts),
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, q.opts.clock.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.keys[rqTasks], t.ID, data)
		p.HSet(ctx, q.keys[rqAttempts], t.ID, t.Attempts)
		p.ZAdd(ctx, q.keys[rqReady], redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: t.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if err := validateLease(owner, leaseTTL); err != nil {
		return nil, err
	}
	tmr := newIdleTimer()
	defer tmr.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.opts.clock.Now()
		res, err := redisClaimScript.Run(ctx, q.client, q.keys,
			now.UnixMilli(), owner, now.Add(leaseTTL).UnixMilli()).StringSlice()
		if errors.Is(err, redis.Nil) {
			if err := tmr.wait(ctx, q.opts.pollInterval, nil); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(res) != 4 {
			return nil, fmt.Errorf("redis queue claim: unexpected reply %v", res)
		}

		attempts, err := strconv.Atoi(res[2])
		if err != nil {
			return nil, fmt.Errorf("redis queue claim: attempts %q: %w", res[2], err)
		}
		score, err := strconv.ParseFloat(res[3], 64)
		if err != nil {
			return nil, fmt.Errorf("redis queue claim: score %q: %w", res[3], err)
		}
		t, err := DecodeTask([]byte(res[1]))
		if err != nil {
			return nil, err
		}
		t.ID = res[0]
		t.Attempts = attempts
		t.NotBefore = time.UnixMilli(int64(score)).UTC()
		return t, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	ok, err := redisAckScript.Run(ctx, q.client,
		[]string{q.keys[rqLeased], q.keys[rqTasks], q.keys[rqOwners], q.keys[rqAttempts]},
		taskID, owner).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	ok, err := redisNackScript.Run(ctx, q.client,
		[]string{q.keys[rqReady], q.keys[rqLeased], q.keys[rqOwners], q.keys[rqAttempts]},
		taskID, owner, notBefore.UnixMilli(), attempts).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns the approximate number of tasks queued or leased.
func (q *RedisQueue) Len() int {
	n, err := q.client.HLen(context.Background(), q.keys[rqTasks]).Result()
	if err != nil {
		slog.Warn("redis queue length failed", "key", q.keys[rqTasks], "error", err)
		return 0
	}
	return int(n)
}
