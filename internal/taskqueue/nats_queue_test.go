package taskqueue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/durable/internal/testutil"
)

type NATSQueueTestSuite struct {
	suite.Suite
	nc *nats.Conn
	js jetstream.JetStream
}

func TestNATSQueueSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	nc, err := nats.Connect(testutil.GetNATSURL(t))
	if err != nil {
		t.Fatalf("nats.Connect failed: %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream.New failed: %v", err)
	}
	suite.Run(t, &NATSQueueTestSuite{nc: nc, js: js})
}

func (n *NATSQueueTestSuite) newQueue(t *testing.T, clock *testutil.FakeClock) Queue {
	ctx := context.Background()
	name := "test-" + strings.ToLower(strings.NewReplacer("/", "-", " ", "-").Replace(t.Name()))
	_ = n.js.DeleteStream(ctx, NATSStreamName(name))

	q, err := NewNATSQueue(ctx, n.js, name, time.Minute,
		WithClock(clock), WithPollInterval(50*time.Millisecond), WithMaxDelay(20*time.Millisecond))
	n.Require().NoError(err)
	return q
}

func (n *NATSQueueTestSuite) TestContract() {
	runQueueContract(n.T(), n.newQueue, queueCaps{clockLeases: false})
}

func (n *NATSQueueTestSuite) TestStreamIsWorkQueue() {
	ctx := context.Background()
	q := n.newQueue(n.T(), testutil.NewFakeClock(queueEpoch)).(*NATSQueue)

	info, err := q.stream.Info(ctx)
	n.Require().NoError(err)
	n.Equal(jetstream.WorkQueuePolicy, info.Config.Retention)

	n.Require().NoError(q.Enqueue(ctx, Task{ID: "dup", Type: TaskTypeOrchestration}))
	n.Require().NoError(q.Enqueue(ctx, Task{ID: "dup", Type: TaskTypeOrchestration}))
	n.Equal(1, q.Len(), "publishing the same task id twice must deduplicate")
}

func (n *NATSQueueTestSuite) TestRepeatedNackWithSameAttemptsKeepsTask() {
	ctx := context.Background()
	clock := testutil.NewFakeClock(queueEpoch)
	q := n.newQueue(n.T(), clock)

	n.Require().NoError(q.Enqueue(ctx, Task{ID: "wake", Type: TaskTypeOrchestration, InstanceID: "inst"}))

	// A lock-contended wake-up is retried without counting an attempt.
	for i := 0; i < 3; i++ {
		task := mustDequeue(n.T(), q, "w")
		n.Equal("wake", task.ID)
		n.Require().NoError(q.Nack(ctx, task.ID, "w", queueEpoch, task.Attempts))
	}

	task := mustDequeue(n.T(), q, "w")
	n.Equal("wake", task.ID)
	n.Require().NoError(q.Ack(ctx, task.ID, "w"))
	n.Equal(0, q.Len())
}
