package durable_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/durable"
	"github.com/petrijr/durable/internal/testutil"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// runHost runs h until the returned stop function is called.
func runHost(t *testing.T, h *durable.Host) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	return func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func sleeper(ctx durable.OrchestrationContext) (any, error) {
	if err := ctx.Sleep(time.Hour); err != nil {
		return nil, err
	}
	return durable.AwaitAs[string](ctx.CallActivity("Hello", "Seattle"))
}

func register(t *testing.T, h *durable.Host) {
	t.Helper()
	if err := h.RegisterOrchestrator("Sleeper", sleeper); err != nil {
		t.Fatalf("RegisterOrchestrator failed: %v", err)
	}
	if err := h.RegisterActivity("Hello", hello); err != nil {
		t.Fatalf("RegisterActivity failed: %v", err)
	}
}

func isRecorded(ctx context.Context, h *durable.Host, id string, n int) func() bool {
	return func() bool {
		events, err := h.History(ctx, id)
		return err == nil && len(events) >= n
	}
}

func TestSQLiteHost_ResumesAfterRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "durable.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	clock := testutil.NewFakeClock(epoch)
	opts := []durable.Option{
		durable.WithClock(clock),
		durable.WithPollInterval(time.Millisecond),
		durable.WithLogger(quietLogger()),
	}

	first, err := durable.NewSQLiteHost(db, append(opts, durable.WithOwner("first"))...)
	if err != nil {
		t.Fatalf("NewSQLiteHost failed: %v", err)
	}
	register(t, first)
	stop := runHost(t, first)
	id, err := first.Start(ctx, "Sleeper", nil, durable.WithInstanceID("restart-1"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "timer request", isRecorded(ctx, first, id, 2))
	stop()

	second, err := durable.NewSQLiteHost(db, append(opts, durable.WithOwner("second"))...)
	if err != nil {
		t.Fatalf("NewSQLiteHost failed: %v", err)
	}
	register(t, second)
	clock.Advance(time.Hour)
	defer runHost(t, second)()

	inst, err := second.WaitForCompletion(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForCompletion failed: %v", err)
	}
	if inst.Status != durable.StatusCompleted || string(inst.Output) != `"Hello Seattle!"` {
		t.Fatalf("unexpected result: %s %s %s", inst.Status, inst.Output, inst.Error)
	}
	if err := second.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestInMemoryHost_TerminateAndQueries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := testutil.NewFakeClock(epoch)
	h := durable.NewInMemoryHost(durable.WithClock(clock), durable.WithPollInterval(time.Millisecond), durable.WithLogger(quietLogger()))
	register(t, h)
	defer runHost(t, h)()

	keep, _ := h.Start(ctx, "Sleeper", nil, durable.WithInstanceID("keep"))
	kill, _ := h.Start(ctx, "Sleeper", nil, durable.WithInstanceID("kill"))
	waitFor(t, "both timers", func() bool {
		return isRecorded(ctx, h, keep, 2)() && isRecorded(ctx, h, kill, 2)()
	})

	running, err := h.ListRunning(ctx)
	if err != nil || len(running) != 2 {
		t.Fatalf("ListRunning = %d, %v; want 2", len(running), err)
	}

	if err := h.Terminate(ctx, kill, "no longer needed"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if err := h.Terminate(ctx, kill, "twice"); !errors.Is(err, durable.ErrInstanceTerminal) {
		t.Fatalf("expected ErrInstanceTerminal, got %v", err)
	}

	replay, err := h.Replay(ctx, keep)
	if err != nil || !replay.Suspended || len(replay.NewEvents) != 0 {
		t.Fatalf("unexpected replay of a sleeping instance: %+v, %v", replay, err)
	}

	clock.Advance(time.Hour)
	inst, err := h.WaitForCompletion(ctx, keep, 5*time.Millisecond)
	if err != nil || inst.Status != durable.StatusCompleted {
		t.Fatalf("keep ended as %v, %v", inst, err)
	}
	if inst, _ := h.GetStatus(ctx, kill); inst.Status != durable.StatusTerminated || inst.Error != "no longer needed" {
		t.Fatalf("kill ended as %s %q", inst.Status, inst.Error)
	}

	terminated, err := h.QueryInstances(ctx, durable.InstanceQuery{Statuses: []durable.RuntimeStatus{durable.StatusTerminated}})
	if err != nil || len(terminated) != 1 || terminated[0].ID != kill {
		t.Fatalf("terminated query = %v, %v", terminated, err)
	}
	if has, _ := h.HasRunning(ctx); has {
		t.Fatalf("no instance should be running")
	}
}

func TestHost_StartUnknownOrchestrator(t *testing.T) {
	h := durable.NewInMemoryHost(durable.WithLogger(quietLogger()))
	if _, err := h.Start(context.Background(), "Nope", nil); !errors.Is(err, durable.ErrOrchestratorNotFound) {
		t.Fatalf("expected ErrOrchestratorNotFound, got %v", err)
	}
}

func TestNewHost_RequiresBackend(t *testing.T) {
	if _, err := durable.NewHost(durable.Backend{}); err == nil {
		t.Fatalf("expected an error for an empty backend")
	}
}

func TestHost_ObserverSeesLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics := &durable.BasicMetrics{}
	clock := testutil.NewFakeClock(epoch)
	h := durable.NewInMemoryHost(
		durable.WithClock(clock),
		durable.WithObserver(metrics),
		durable.WithPollInterval(time.Millisecond),
		durable.WithLogger(quietLogger()),
	)
	register(t, h)
	defer runHost(t, h)()

	id, _ := h.Start(ctx, "Sleeper", nil)
	waitFor(t, "timer request", isRecorded(ctx, h, id, 2))
	clock.Advance(time.Hour)
	if _, err := h.WaitForCompletion(ctx, id, 5*time.Millisecond); err != nil {
		t.Fatalf("WaitForCompletion failed: %v", err)
	}

	// Observers run after the event is recorded, so the counters may trail
	// the status briefly.
	waitFor(t, "lifecycle metrics", func() bool {
		snap := metrics.Snapshot()
		return snap.OrchestrationsStarted == 1 && snap.OrchestrationsCompleted == 1 &&
			snap.TimersFired == 1 && snap.ActivitiesCompleted == 1
	})
}
