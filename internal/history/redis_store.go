package history

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/durable/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>             => HASH {data: msgpack instance, seq, status}
//	<prefix>hist:<id>             => LIST of msgpack events; LLEN is the last sequence
//	<prefix>lease:<id>            => owner, with PX expiry
//	<prefix>idx:created           => ZSET of instance IDs scored by creation time (ms)
//	<prefix>idx:status:<status>   => SET of instance IDs for a given status
//
// Appends and instance writes run as Lua scripts, so the compare and the write
// are atomic.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "durable:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "durable:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) keyInstance(id string) string { return r.prefix + "inst:" + id }
func (r *RedisStore) keyHistory(id string) string { return r.prefix + "hist:" + id }
func (r *RedisStore) keyLease(id string) string { return r.prefix + "lease:" + id }
func (r *RedisStore) keyCreated() string { return r.prefix + "idx:created" }
func (r *RedisStore) keyStatusPrefix() string { return r.prefix + "idx:status:" }
func (r *RedisStore) keyStatus(st api.RuntimeStatus) string {
	return r.keyStatusPrefix() + string(st)
}

var (
	// KEYS: inst, created idx, status idx. ARGV: data, seq, status, id, created ms.
	redisCreateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'seq', ARGV[2], 'status', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[4])
return 1
`)

	// KEYS: inst. ARGV: data, seq, status, id, status idx prefix.
	// Returns -1 if missing, 0 if the stored record is newer, 1 if written.
	redisUpdateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if not cur then
	return -1
end
if tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
local old = redis.call('HGET', KEYS[1], 'status')
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'seq', ARGV[2], 'status', ARGV[3])
if old and old ~= ARGV[3] then
	redis.call('SREM', ARGV[5] .. old, ARGV[4])
end
redis.call('SADD', ARGV[5] .. ARGV[3], ARGV[4])
return 1
`)

	// KEYS: inst, hist. ARGV: expected, events...
	// Returns {1, last} on success, {0, actual} on conflict, {-1, 0} if missing.
	redisAppendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
local n = redis.call('LLEN', KEYS[2])
if n ~= tonumber(ARGV[1]) then
	return {0, n}
end
for i = 2, #ARGV do
	redis.call('RPUSH', KEYS[2], ARGV[i])
end
return {1, redis.call('LLEN', KEYS[2])}
`)

	// Lua script for acquiring a lease. Returns 1 if acquired, 0 otherwise.
	redisLeaseAcquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)
)

func (r *RedisStore) CreateInstance(ctx context.Context, inst *api.Instance) error {
	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}
	res, err := redisCreateScript.Run(ctx, r.client,
		[]string{r.keyInstance(inst.ID), r.keyCreated(), r.keyStatus(inst.Status)},
		data, inst.LastSequence, string(inst.Status), inst.ID, inst.CreatedAt.UnixMilli(),
	).Int64()
	if err != nil {
		return redisErr("create instance", err)
	}
	if res == 0 {
		return api.ErrInstanceExists
	}
	return nil
}

func (r *RedisStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}
	res, err := redisUpdateScript.Run(ctx, r.client,
		[]string{r.keyInstance(inst.ID)},
		data, inst.LastSequence, string(inst.Status), inst.ID, r.keyStatusPrefix(),
	).Int64()
	if err != nil {
		return redisErr("update instance", err)
	}
	if res < 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

func (r *RedisStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	data, err := r.client.HGet(ctx, r.keyInstance(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, redisErr("get instance", err)
	}
	return DecodeInstance(data)
}

func (r *RedisStore) ListInstances(ctx context.Context, q api.InstanceQuery) ([]*api.Instance, error) {
	var ids []string
	var err error

	if len(q.Statuses) > 0 {
		keys := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			keys[i] = r.keyStatus(st)
		}
		ids, err = r.client.SUnion(ctx, keys...).Result()
	} else {
		rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
		if !q.CreatedFrom.IsZero() {
			rng.Min = strconv.FormatInt(q.CreatedFrom.UnixMilli()-1, 10)
		}
		if !q.CreatedTo.IsZero() {
			rng.Max = strconv.FormatInt(q.CreatedTo.UnixMilli()+1, 10)
		}
		ids, err = r.client.ZRangeByScore(ctx, r.keyCreated(), rng).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.Instance{}, nil
		}
		return nil, redisErr("list instances", err)
	}
	if len(ids) == 0 {
		return []*api.Instance{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, r.keyInstance(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisErr("list instances", err)
	}

	// The indexes only narrow the candidates; the payload decides.
	instances := make([]*api.Instance, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := DecodeInstance(data)
		if err != nil {
			return nil, err
		}
		if q.Matches(inst) {
			instances = append(instances, inst)
		}
	}
	sortInstances(instances)
	return instances, nil
}

func (r *RedisStore) Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) (int64, error) {
	args := make([]any, 0, len(events)+1)
	args = append(args, expected)
	for _, ev := range assignSequences(expected, events) {
		data, err := EncodeEvent(ev)
		if err != nil {
			return 0, err
		}
		args = append(args, data)
	}

	res, err := redisAppendScript.Run(ctx, r.client,
		[]string{r.keyInstance(instanceID), r.keyHistory(instanceID)}, args...,
	).Int64Slice()
	if err != nil {
		return 0, redisErr("append", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("redis append: unexpected reply %v", res)
	}
	switch res[0] {
	case 1:
		return res[1], nil
	case 0:
		return 0, &api.ConflictError{InstanceID: instanceID, Expected: expected, Actual: res[1]}
	default:
		return 0, api.ErrInstanceNotFound
	}
}

func (r *RedisStore) Read(ctx context.Context, instanceID string) iter.Seq2[api.HistoryEvent, error] {
	return func(yield func(api.HistoryEvent, error) bool) {
		raw, err := r.client.LRange(ctx, r.keyHistory(instanceID), 0, -1).Result()
		if err != nil {
			yield(api.HistoryEvent{}, redisErr("read", err))
			return
		}
		for _, item := range raw {
			ev, err := DecodeEvent([]byte(item))
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

func (r *RedisStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	pipe := r.client.Pipeline()
	exists := pipe.Exists(ctx, r.keyInstance(instanceID))
	n := pipe.LLen(ctx, r.keyHistory(instanceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, redisErr("last sequence", err)
	}
	if exists.Val() == 0 {
		return 0, api.ErrInstanceNotFound
	}
	return n.Val(), nil
}

func (r *RedisStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	if n, err := r.client.Exists(ctx, r.keyInstance(instanceID)).Result(); err != nil {
		return false, redisErr("acquire lease", err)
	} else if n == 0 {
		return false, api.ErrInstanceNotFound
	}
	res, err := redisLeaseAcquireScript.Run(ctx, r.client, []string{r.keyLease(instanceID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, redisErr("acquire lease", err)
	}
	return res == 1, nil
}

func (r *RedisStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := redisLeaseRenewScript.Run(ctx, r.client, []string{r.keyLease(instanceID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return redisErr("renew lease", err)
	}
	if res != 1 {
		return api.ErrInstanceLocked
	}
	return nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	// Idempotent: a missing or foreign lease is left alone.
	if err := redisLeaseReleaseScript.Run(ctx, r.client, []string{r.keyLease(instanceID)}, owner).Err(); err != nil {
		return redisErr("release lease", err)
	}
	return nil
}

// redisErr marks network and pool failures as transient.
func redisErr(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var re redis.Error
	if errors.As(err, &re) {
		// Server replied with an error (script error, wrong type, ...).
		return err
	}
	return &api.TransientError{Op: "redis " + op, Err: err}
}
