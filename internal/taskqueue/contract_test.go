package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/durable/internal/testutil"
)

var queueEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// queueFactory returns an empty queue driven by clock.
type queueFactory func(t *testing.T, clock *testutil.FakeClock) Queue

type queueCaps struct {
	// clockLeases is false for brokers whose redelivery runs on real time.
	clockLeases bool
}

func dequeueWithin(t *testing.T, q Queue, owner string, d time.Duration) (*Task, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Dequeue(ctx, owner, time.Minute)
}

func mustDequeue(t *testing.T, q Queue, owner string) *Task {
	t.Helper()
	got, err := dequeueWithin(t, q, owner, 5*time.Second)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return got
}

func runQueueContract(t *testing.T, newQueue queueFactory, caps queueCaps) {
	ctx := context.Background()

	t.Run("fifo for due tasks", func(t *testing.T) {
		clock := testutil.NewFakeClock(queueEpoch)
		q := newQueue(t, clock)
		for i, id := range []string{"a", "b", "c"} {
			task := Task{ID: id, Type: TaskTypeOrchestration, InstanceID: "inst", NotBefore: queueEpoch.Add(time.Duration(i) * time.Millisecond)}
			if err := q.Enqueue(ctx, task); err != nil {
				t.Fatalf("Enqueue %s failed: %v", id, err)
			}
		}
		if q.Len() != 3 {
			t.Fatalf("expected Len 3, got %d", q.Len())
		}
		clock.Advance(time.Second)
		for _, want := range []string{"a", "b", "c"} {
			got := mustDequeue(t, q, "w1")
			if got.ID != want {
				t.Fatalf("expected task %s, got %s", want, got.ID)
			}
			if err := q.Ack(ctx, got.ID, "w1"); err != nil {
				t.Fatalf("Ack %s failed: %v", got.ID, err)
			}
		}
		if q.Len() != 0 {
			t.Fatalf("expected empty queue, got %d", q.Len())
		}
	})

	t.Run("fields survive the round trip", func(t *testing.T) {
		clock := testutil.NewFakeClock(queueEpoch)
		q := newQueue(t, clock)
		in := Task{
			Type:          TaskTypeTimer,
			InstanceID:    "inst-1",
			CorrelationID: "inst-1:1",
			Name:          "LongRunOrchestrator_Hello",
			Payload:       []byte(`"Tokyo"`),
			FireAt:        queueEpoch.Add(5 * time.Minute),
		}
		if err := q.Enqueue(ctx, in); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		got := mustDequeue(t, q, "w1")
		if got.ID == "" {
			t.Fatalf("expected generated task id")
		}
		if got.Type != in.Type || got.InstanceID != in.InstanceID || got.CorrelationID != in.CorrelationID || got.Name != in.Name {
			t.Fatalf("unexpected task: %+v", got)
		}
		if string(got.Payload) != `"Tokyo"` || !got.FireAt.Equal(in.FireAt) || got.Attempts != 0 {
			t.Fatalf("unexpected task: %+v", got)
		}
	})

	t.Run("not before is honored", func(t *testing.T) {
		clock := testutil.NewFakeClock(queueEpoch)
		q := newQueue(t, clock)
		if err := q.Enqueue(ctx, Task{ID: "later", Type: TaskTypeTimer, NotBefore: queueEpoch.Add(time.Hour)}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if _, err := dequeueWithin(t, q, "w1", 200*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected no due task, got %v", err)
		}
		clock.Advance(2 * time.Hour)
		if got := mustDequeue(t, q, "w1"); got.ID != "later" {
			t.Fatalf("expected task later, got %s", got.ID)
		}
	})

	t.Run("leased task is invisible to others", func(t *testing.T) {
		clock := testutil.NewFakeClock(queueEpoch)
		q := newQueue(t, clock)
		if err := q.Enqueue(ctx, Task{ID: "one", Type: TaskTypeActivity}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		mustDequeue(t, q, "w1")
		if _, err := dequeueWithin(t, q, "w2", 200*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected leased task to be hidden, got %v", err)
		}
		if err := q.Ack(ctx, "one", "w2"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost for foreign ack, got %v", err)
		}
	})

	t.Run("nack redelivers with attempts", func(t *testing.T) {
		clock := testutil.NewFakeClock(queueEpoch)
		q := newQueue(t, clock)
		if err := q.Enqueue(ctx, Task{ID: "retry", Type: TaskTypeActivity}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		got := mustDequeue(t, q, "w1")
		if err := q.Nack(ctx, got.ID, "w1", clock.Now(), 1); err != nil {
			t.Fatalf("Nack failed: %v", err)
		}
		again := mustDequeue(t, q, "w2")
		if again.ID != "retry" || again.Attempts != 1 {
			t.Fatalf("expected redelivery with 1 attempt, got %+v", again)
		}
		if err := q.Nack(ctx, again.ID, "w1", clock.Now(), 2); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost for stale owner, got %v", err)
		}
	})

	if !caps.clockLeases {
		return
	}

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		clock := testutil.NewFakeClock(queueEpoch)
		q := newQueue(t, clock)
		if err := q.Enqueue(ctx, Task{ID: "crash", Type: TaskTypeOrchestration}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		mustDequeue(t, q, "w1")
		clock.Advance(2 * time.Minute)

		got := mustDequeue(t, q, "w2")
		if got.ID != "crash" || got.Attempts != 1 {
			t.Fatalf("expected reclaimed task with 1 attempt, got %+v", got)
		}
		if err := q.Ack(ctx, "crash", "w1"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost for expired owner, got %v", err)
		}
		if err := q.Ack(ctx, "crash", "w2"); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	})
}
