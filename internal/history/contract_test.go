package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// storeFactory returns an empty store for one test.
type storeFactory func(t *testing.T) Store

// runStoreContract exercises the behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("AppendAssignsGaplessSequences", func(t *testing.T) { testAppendSequences(t, newStore(t)) })
	t.Run("AppendStaleExpectedConflicts", func(t *testing.T) { testAppendConflict(t, newStore(t)) })
	t.Run("AppendUnknownInstance", func(t *testing.T) { testAppendUnknown(t, newStore(t)) })
	t.Run("ConcurrentAppendOneWins", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("ReadIsRestartable", func(t *testing.T) { testReadRestartable(t, newStore(t)) })
	t.Run("UpdateIgnoresStaleWrites", func(t *testing.T) { testUpdateStale(t, newStore(t)) })
	t.Run("ListInstancesFilters", func(t *testing.T) { testListInstances(t, newStore(t)) })
	t.Run("Leases", func(t *testing.T) { testLeases(t, newStore(t)) })
	t.Run("AppendIfAbsentDeduplicates", func(t *testing.T) { testAppendIfAbsent(t, newStore(t)) })
}

func newTestInstance(id string, created time.Time) *api.Instance {
	return &api.Instance{
		ID:            id,
		Name:          "LongRunOrchestrator",
		Status:        api.StatusPending,
		CreatedAt:     created,
		LastUpdatedAt: created,
		Input:         []byte(`"X"`),
	}
}

func mustCreate(t *testing.T, s Store, inst *api.Instance) {
	t.Helper()
	if err := s.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance(%s) failed: %v", inst.ID, err)
	}
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mustCreate(t, s, newTestInstance("inst-1", created))

	got, err := s.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Name != "LongRunOrchestrator" || got.Status != api.StatusPending {
		t.Fatalf("unexpected instance: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("expected CreatedAt %v, got %v", created, got.CreatedAt)
	}
	if string(got.Input) != `"X"` {
		t.Fatalf("unexpected input %q", got.Input)
	}

	if err := s.CreateInstance(ctx, newTestInstance("inst-1", created)); !errors.Is(err, api.ErrInstanceExists) {
		t.Fatalf("expected ErrInstanceExists, got %v", err)
	}
	if _, err := s.GetInstance(ctx, "missing"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func testAppendSequences(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, newTestInstance("seq-1", time.Now().UTC()))

	last, err := s.Append(ctx, "seq-1", 0, api.HistoryEvent{Kind: api.EventOrchestratorStarted, Name: "LongRunOrchestrator"})
	if err != nil || last != 1 {
		t.Fatalf("first append: last=%d err=%v", last, err)
	}
	last, err = s.Append(ctx, "seq-1", 1,
		api.HistoryEvent{Kind: api.EventTimerCreated, CorrelationID: "seq-1:1", FireAt: time.Now().Add(time.Minute).UTC()},
		api.HistoryEvent{Kind: api.EventTimerFired, CorrelationID: "seq-1:1"},
	)
	if err != nil || last != 3 {
		t.Fatalf("batch append: last=%d err=%v", last, err)
	}

	events, err := ReadAll(ctx, s, "seq-1")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("event %d has sequence %d", i, ev.Sequence)
		}
		if ev.Timestamp.IsZero() {
			t.Fatalf("event %d has no timestamp", i)
		}
	}
	if events[1].Kind != api.EventTimerCreated || events[1].CorrelationID != "seq-1:1" || events[1].FireAt.IsZero() {
		t.Fatalf("timer request not stored faithfully: %+v", events[1])
	}

	n, err := s.LastSequence(ctx, "seq-1")
	if err != nil || n != 3 {
		t.Fatalf("LastSequence: %d, %v", n, err)
	}
}

func testAppendConflict(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, newTestInstance("conf-1", time.Now().UTC()))
	if _, err := s.Append(ctx, "conf-1", 0, api.HistoryEvent{Kind: api.EventOrchestratorStarted}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	_, err := s.Append(ctx, "conf-1", 0, api.HistoryEvent{Kind: api.EventOrchestratorStarted})
	var ce *api.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.Expected != 0 || ce.Actual != 1 {
		t.Fatalf("unexpected conflict details: %+v", ce)
	}

	events, _ := ReadAll(ctx, s, "conf-1")
	if len(events) != 1 {
		t.Fatalf("conflicting append must not write, got %d events", len(events))
	}
}

func testAppendUnknown(t *testing.T, s Store) {
	_, err := s.Append(context.Background(), "nope", 0, api.HistoryEvent{Kind: api.EventOrchestratorStarted})
	if !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func testConcurrentAppend(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, newTestInstance("race-1", time.Now().UTC()))
	if _, err := s.Append(ctx, "race-1", 0, api.HistoryEvent{Kind: api.EventOrchestratorStarted}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Append(ctx, "race-1", 1, api.HistoryEvent{
				Kind:          api.EventActivityScheduled,
				CorrelationID: fmt.Sprintf("race-1:%d", i),
			})
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case api.IsConflict(err):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful append, got %d", wins)
	}
	events, _ := ReadAll(ctx, s, "race-1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events after race, got %d", len(events))
	}
}

func testReadRestartable(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, newTestInstance("read-1", time.Now().UTC()))

	seq := s.Read(ctx, "read-1")
	count := func() int {
		n := 0
		for _, err := range seq {
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			n++
		}
		return n
	}
	if n := count(); n != 0 {
		t.Fatalf("expected empty history, got %d", n)
	}

	if _, err := s.Append(ctx, "read-1", 0,
		api.HistoryEvent{Kind: api.EventOrchestratorStarted},
		api.HistoryEvent{Kind: api.EventActivityScheduled, CorrelationID: "read-1:1", Name: "Hello"},
	); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Ranging the same sequence again observes the new events.
	if n := count(); n != 2 {
		t.Fatalf("expected 2 events on second pass, got %d", n)
	}

	// Early break stops the iteration.
	for ev, err := range seq {
		if err != nil || ev.Sequence != 1 {
			t.Fatalf("unexpected first event %+v, %v", ev, err)
		}
		break
	}
}

func testUpdateStale(t *testing.T, s Store) {
	ctx := context.Background()
	inst := newTestInstance("upd-1", time.Now().UTC())
	mustCreate(t, s, inst)

	newer := inst.Clone()
	newer.Status = api.StatusCompleted
	newer.Output = []byte(`["Hello Tokyo!"]`)
	newer.LastSequence = 5
	if err := s.UpdateInstance(ctx, newer); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}

	stale := inst.Clone()
	stale.Status = api.StatusRunning
	stale.LastSequence = 3
	if err := s.UpdateInstance(ctx, stale); err != nil {
		t.Fatalf("stale UpdateInstance must be ignored silently, got %v", err)
	}

	got, err := s.GetInstance(ctx, "upd-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Status != api.StatusCompleted || got.LastSequence != 5 {
		t.Fatalf("stale write overwrote newer record: %+v", got)
	}

	missing := newTestInstance("upd-missing", time.Now())
	if err := s.UpdateInstance(ctx, missing); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func testListInstances(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2015, 10, 10, 0, 0, 0, 0, time.UTC)

	specs := []struct {
		id      string
		created time.Time
		status  api.RuntimeStatus
	}{
		{"old", base.Add(-time.Hour), api.StatusRunning},
		{"edge", base, api.StatusRunning},
		{"done", base.Add(time.Hour), api.StatusCompleted},
		{"late", base.Add(2 * time.Hour), api.StatusRunning},
	}
	for _, sp := range specs {
		inst := newTestInstance(sp.id, sp.created)
		mustCreate(t, s, inst)
		if sp.status != api.StatusPending {
			inst.Status = sp.status
			inst.LastSequence = 1
			if err := s.UpdateInstance(ctx, inst); err != nil {
				t.Fatalf("UpdateInstance(%s): %v", sp.id, err)
			}
		}
	}

	ids := func(list []*api.Instance) string {
		out := make([]string, len(list))
		for i, inst := range list {
			out[i] = inst.ID
		}
		return fmt.Sprint(out)
	}

	all, err := s.ListInstances(ctx, api.InstanceQuery{})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if got := ids(all); got != "[old edge done late]" {
		t.Fatalf("expected all instances in creation order, got %s", got)
	}

	running, err := s.ListInstances(ctx, api.InstanceQuery{
		CreatedFrom: base,
		Statuses:    []api.RuntimeStatus{api.StatusRunning},
	})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if got := ids(running); got != "[edge late]" {
		t.Fatalf("expected inclusive lower bound and status filter, got %s", got)
	}

	window, err := s.ListInstances(ctx, api.InstanceQuery{CreatedFrom: base, CreatedTo: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if got := ids(window); got != "[edge done]" {
		t.Fatalf("expected inclusive window, got %s", got)
	}
}

func testLeases(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, newTestInstance("lease-1", time.Now().UTC()))

	acq, err := s.TryAcquireLease(ctx, "lease-1", "owner1", time.Minute)
	if err != nil || !acq {
		t.Fatalf("expected owner1 to acquire: %v, %v", acq, err)
	}
	acq, err = s.TryAcquireLease(ctx, "lease-1", "owner1", time.Minute)
	if err != nil || !acq {
		t.Fatalf("expected re-entrant acquire: %v, %v", acq, err)
	}
	acq, err = s.TryAcquireLease(ctx, "lease-1", "owner2", time.Minute)
	if err != nil || acq {
		t.Fatalf("expected owner2 not to acquire while active: %v, %v", acq, err)
	}
	if err := s.RenewLease(ctx, "lease-1", "owner2", time.Minute); !errors.Is(err, api.ErrInstanceLocked) {
		t.Fatalf("expected ErrInstanceLocked for foreign renew, got %v", err)
	}
	if err := s.RenewLease(ctx, "lease-1", "owner1", time.Minute); err != nil {
		t.Fatalf("RenewLease owner1: %v", err)
	}
	if err := s.ReleaseLease(ctx, "lease-1", "owner2"); err != nil {
		t.Fatalf("foreign release must be a no-op, got %v", err)
	}
	if err := s.ReleaseLease(ctx, "lease-1", "owner1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	acq, err = s.TryAcquireLease(ctx, "lease-1", "owner2", time.Minute)
	if err != nil || !acq {
		t.Fatalf("expected owner2 to acquire after release: %v, %v", acq, err)
	}

	if _, err := s.TryAcquireLease(ctx, "lease-missing", "owner1", time.Minute); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func testAppendIfAbsent(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, newTestInstance("once-1", time.Now().UTC()))
	if _, err := s.Append(ctx, "once-1", 0,
		api.HistoryEvent{Kind: api.EventOrchestratorStarted},
		api.HistoryEvent{Kind: api.EventActivityScheduled, CorrelationID: "once-1:1", Name: "Hello"},
	); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	const producers = 6
	var wg sync.WaitGroup
	appended := make([]bool, producers)
	for i := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := AppendIfAbsent(ctx, s, "once-1",
				api.HistoryEvent{Kind: api.EventActivityCompleted, CorrelationID: "once-1:1", Payload: []byte(`"Hello Tokyo!"`)},
				CompletionOf("once-1:1"),
			)
			if err != nil {
				t.Errorf("AppendIfAbsent: %v", err)
			}
			appended[i] = ok
		}()
	}
	wg.Wait()

	wins := 0
	for _, ok := range appended {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one producer to append, got %d", wins)
	}

	completions := 0
	events, _ := ReadAll(ctx, s, "once-1")
	for _, ev := range events {
		if ev.Kind.IsCompletion() && ev.CorrelationID == "once-1:1" {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("expected one completion for correlation id, got %d", completions)
	}
}
