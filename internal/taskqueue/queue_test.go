package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/durable/internal/testutil"
)

func TestInMemoryQueue(t *testing.T) {
	runQueueContract(t, func(t *testing.T, clock *testutil.FakeClock) Queue {
		return NewInMemoryQueue(WithClock(clock), WithPollInterval(5*time.Millisecond))
	}, queueCaps{clockLeases: true})
}

func TestSQLiteQueue(t *testing.T) {
	runQueueContract(t, func(t *testing.T, clock *testutil.FakeClock) Queue {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("sql.Open failed: %v", err)
		}
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		q, err := NewSQLiteQueue(db, "orchestration", WithClock(clock), WithPollInterval(5*time.Millisecond))
		if err != nil {
			t.Fatalf("NewSQLiteQueue failed: %v", err)
		}
		return q
	}, queueCaps{clockLeases: true})
}

func TestSQLiteQueue_NamedQueuesShareTable(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	timers, err := NewSQLiteQueue(db, "timer")
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	activities, err := NewSQLiteQueue(db, "activity")
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}

	ctx := context.Background()
	if err := timers.Enqueue(ctx, Task{Type: TaskTypeTimer, InstanceID: "i"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if timers.Len() != 1 || activities.Len() != 0 {
		t.Fatalf("expected lengths 1 and 0, got %d and %d", timers.Len(), activities.Len())
	}

	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := activities.Dequeue(ctx, "w", time.Minute); err == nil {
		t.Fatalf("activity queue must not see timer tasks")
	}
}

func TestInMemoryQueue_EnqueueWakesWaiter(t *testing.T) {
	q := NewInMemoryQueue(WithPollInterval(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan *Task, 1)
	go func() {
		task, _ := q.Dequeue(ctx, "w", time.Minute)
		done <- task
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(ctx, Task{ID: "wake", Type: TaskTypeOrchestration}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	select {
	case task := <-done:
		if task == nil || task.ID != "wake" {
			t.Fatalf("expected task wake, got %+v", task)
		}
	case <-ctx.Done():
		t.Fatalf("waiter was not woken by Enqueue")
	}
}

func TestDequeue_RejectsInvalidLease(t *testing.T) {
	q := NewInMemoryQueue()
	if _, err := q.Dequeue(context.Background(), "", time.Minute); err == nil {
		t.Fatalf("expected error for empty owner")
	}
	if _, err := q.Dequeue(context.Background(), "w", 0); err == nil {
		t.Fatalf("expected error for zero lease")
	}
}

func TestDefaultOptions(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	o := defaultOptions([]Option{WithClock(clock), WithPollInterval(0), WithMaxDelay(time.Minute)})
	if o.clock != clock {
		t.Fatalf("clock not applied")
	}
	if o.pollInterval != 20*time.Millisecond {
		t.Fatalf("non-positive poll interval should keep the default, got %v", o.pollInterval)
	}
	if o.maxDelay != time.Minute {
		t.Fatalf("maxDelay = %v, want 1m", o.maxDelay)
	}

	if o := defaultOptions([]Option{WithClock(nil)}); o.clock == nil {
		t.Fatalf("nil clock should keep the system clock")
	}
}
