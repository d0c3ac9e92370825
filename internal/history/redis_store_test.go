package history

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/durable/internal/testutil"
	"github.com/petrijr/durable/pkg/api"
)

const redisTestPrefix = "durable:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	client *redis.Client
	store  *RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	suite.Run(t, &RedisStoreTestSuite{client: client, store: NewRedisStore(client, redisTestPrefix)})
}

func (r *RedisStoreTestSuite) flush() {
	ctx := context.Background()

	// Clean up all keys with this prefix.
	iter := r.client.Scan(ctx, 0, redisTestPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		err := r.client.Del(ctx, iter.Val()).Err()
		r.NoErrorf(err, "redis DEL %q failed: %v", iter.Val(), err)
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

func (r *RedisStoreTestSuite) SetupTest() {
	r.flush()
}

func (r *RedisStoreTestSuite) TestContract() {
	runStoreContract(r.T(), func(t *testing.T) Store {
		r.flush()
		return r.store
	})
}

func (r *RedisStoreTestSuite) TestStatusIndexFollowsUpdates() {
	ctx := context.Background()
	inst := newTestInstance("idx-1", testTime)
	r.Require().NoError(r.store.CreateInstance(ctx, inst))

	inst.Status = api.StatusRunning
	inst.LastSequence = 2
	r.Require().NoError(r.store.UpdateInstance(ctx, inst))

	pending, err := r.client.SIsMember(ctx, r.store.keyStatus(api.StatusPending), "idx-1").Result()
	r.Require().NoError(err)
	r.False(pending, "instance must leave the Pending index")

	running, err := r.store.ListInstances(ctx, api.InstanceQuery{Statuses: []api.RuntimeStatus{api.StatusRunning}})
	r.Require().NoError(err)
	r.Len(running, 1)
	r.Equal("idx-1", running[0].ID)
}
