package activity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/durable/internal/history"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type registry map[string]api.ActivityFunc

func (r registry) Activity(name string) (api.ActivityFunc, bool) {
	fn, ok := r[name]
	return fn, ok
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify(ctx context.Context, instanceID string) error {
	c.n.Add(1)
	return nil
}

type fixture struct {
	store    *history.InMemoryStore
	notifier *countingNotifier
	exec     *Executor
}

func newFixture(t *testing.T, acts registry) *fixture {
	t.Helper()
	f := &fixture{store: history.NewInMemoryStore(), notifier: &countingNotifier{}}
	f.exec = NewExecutor(f.store, taskqueue.NewInMemoryQueue(), f.notifier, acts,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))

	ctx := context.Background()
	if err := f.store.CreateInstance(ctx, &api.Instance{ID: "inst", Name: "Flow", Status: api.StatusRunning, CreatedAt: epoch}); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	_, err := f.store.Append(ctx, "inst", 0,
		api.HistoryEvent{Kind: api.EventOrchestratorStarted, Name: "Flow", Timestamp: epoch},
		api.HistoryEvent{Kind: api.EventActivityScheduled, CorrelationID: "inst:1", Name: "Hello", Payload: []byte(`"Tokyo"`), Timestamp: epoch},
	)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return f
}

func helloTask() *taskqueue.Task {
	return &taskqueue.Task{ID: "a1", Type: taskqueue.TaskTypeActivity, InstanceID: "inst", CorrelationID: "inst:1", Name: "Hello", Payload: []byte(`"Tokyo"`)}
}

func (f *fixture) completions(t *testing.T) []api.HistoryEvent {
	t.Helper()
	events, err := history.ReadAll(context.Background(), f.store, "inst")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	var out []api.HistoryEvent
	for _, ev := range events {
		if ev.Kind.IsCompletion() {
			out = append(out, ev)
		}
	}
	return out
}

func hello(ctx *api.ActivityContext) (any, error) {
	var city string
	if err := ctx.GetInput(&city); err != nil {
		return nil, err
	}
	return "Hello " + city + "!", nil
}

func TestExecutor_RecordsResult(t *testing.T) {
	f := newFixture(t, registry{"Hello": hello})
	if err := f.exec.Handle(context.Background(), helloTask()); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	got := f.completions(t)
	if len(got) != 1 || got[0].Kind != api.EventActivityCompleted {
		t.Fatalf("expected one ActivityCompleted, got %v", got)
	}
	if string(got[0].Payload) != `"Hello Tokyo!"` || got[0].Name != "Hello" {
		t.Fatalf("unexpected completion: %+v", got[0])
	}
	if f.notifier.n.Load() != 1 {
		t.Fatalf("expected engine wake-up after completion")
	}
}

func TestExecutor_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	var lastAttempt atomic.Int32
	f := newFixture(t, registry{"Hello": func(ctx *api.ActivityContext) (any, error) {
		lastAttempt.Store(int32(ctx.Attempt))
		if calls.Add(1) < 3 {
			return nil, api.Transient(errors.New("service unavailable"))
		}
		return hello(ctx)
	}})

	if err := f.exec.Handle(context.Background(), helloTask()); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if calls.Load() != 3 || lastAttempt.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d calls, last attempt %d", calls.Load(), lastAttempt.Load())
	}
	if got := f.completions(t); len(got) != 1 || got[0].Kind != api.EventActivityCompleted {
		t.Fatalf("expected completion after retries, got %v", got)
	}
}

func TestExecutor_RecordsFailures(t *testing.T) {
	cases := []struct {
		name   string
		acts   registry
		detail string
		calls  int32
	}{
		{"permanent error", registry{"Hello": func(*api.ActivityContext) (any, error) { return nil, errors.New("bad city") }}, "bad city", 1},
		{"transient exhausted", registry{"Hello": func(*api.ActivityContext) (any, error) { return nil, api.Transient(errors.New("timeout")) }}, "timeout", 3},
		{"panic", registry{"Hello": func(*api.ActivityContext) (any, error) { panic("kaboom") }}, "kaboom", 1},
		{"unregistered", registry{}, "activity not registered", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			acts := registry{}
			for name, fn := range tc.acts {
				acts[name] = func(ctx *api.ActivityContext) (any, error) {
					calls.Add(1)
					return fn(ctx)
				}
			}
			f := newFixture(t, acts)
			if err := f.exec.Handle(context.Background(), helloTask()); err != nil {
				t.Fatalf("Handle failed: %v", err)
			}
			got := f.completions(t)
			if len(got) != 1 || got[0].Kind != api.EventActivityFailed {
				t.Fatalf("expected one ActivityFailed, got %v", got)
			}
			if !strings.Contains(got[0].Detail, tc.detail) {
				t.Fatalf("detail %q does not mention %q", got[0].Detail, tc.detail)
			}
			if calls.Load() != tc.calls {
				t.Fatalf("expected %d calls, got %d", tc.calls, calls.Load())
			}
		})
	}
}

func TestExecutor_SkipsCompletedAndTerminal(t *testing.T) {
	for _, kind := range []api.EventKind{api.EventActivityCompleted, api.EventOrchestratorTerminated} {
		t.Run(string(kind), func(t *testing.T) {
			var calls atomic.Int32
			f := newFixture(t, registry{"Hello": func(ctx *api.ActivityContext) (any, error) {
				calls.Add(1)
				return hello(ctx)
			}})
			ev := api.HistoryEvent{Kind: kind, Timestamp: epoch}
			if kind == api.EventActivityCompleted {
				ev.CorrelationID = "inst:1"
			}
			if _, err := f.store.Append(context.Background(), "inst", 2, ev); err != nil {
				t.Fatalf("Append failed: %v", err)
			}

			if err := f.exec.Handle(context.Background(), helloTask()); err != nil {
				t.Fatalf("Handle failed: %v", err)
			}
			if calls.Load() != 0 {
				t.Fatalf("activity must not run, ran %d times", calls.Load())
			}
		})
	}
}

func TestExecutor_SuppressesConcurrentClaims(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	f := newFixture(t, registry{"Hello": func(ctx *api.ActivityContext) (any, error) {
		calls.Add(1)
		<-release
		return hello(ctx)
	}})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.exec.Handle(context.Background(), helloTask()); err != nil {
				t.Errorf("Handle failed: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected a single invocation, got %d", calls.Load())
	}
	if got := f.completions(t); len(got) != 1 {
		t.Fatalf("expected one completion, got %d", len(got))
	}
}

func TestExecutor_UnknownInstanceIsDropped(t *testing.T) {
	f := newFixture(t, registry{"Hello": hello})
	task := helloTask()
	task.InstanceID = "missing"
	if err := f.exec.Handle(context.Background(), task); err != nil {
		t.Fatalf("expected drop, got %v", err)
	}
	if f.notifier.n.Load() != 0 {
		t.Fatalf("unknown instance must not wake the engine")
	}
}
