// Package engine runs orchestrators by deterministic replay.
//
// An orchestrator never blocks on a timer or an activity. Each execution
// re-runs it from the start against the recorded history: schedule calls
// that are already recorded are matched by position, awaiting an unresolved
// task suspends the run, and the requests made beyond the history are
// appended and dispatched. Completions recorded by the timer service and the
// activity executor wake the engine for the next execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/petrijr/durable/internal/history"
	"github.com/petrijr/durable/internal/status"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/worker"
)

// TimerScheduler durably schedules timers.
type TimerScheduler interface {
	Schedule(ctx context.Context, req api.TimerRequest) error
}

// ActivitySubmitter hands activity calls to the executor.
type ActivitySubmitter interface {
	Submit(ctx context.Context, task api.ActivityTask) error
}

// Config describes how to construct an Engine.
type Config struct {
	Store      history.Store
	Queue      taskqueue.Queue
	Timers     TimerScheduler
	Activities ActivitySubmitter
	Registry   *Registry

	Serde    api.Serde
	Clock    api.Clock
	Observer api.Observer
	Logger   *slog.Logger

	// Owner names this host in instance leases.
	Owner    string
	LeaseTTL time.Duration

	// LockedRetryDelay is how long a wake-up waits when another host holds
	// the instance lease.
	LockedRetryDelay time.Duration
}

// Engine executes orchestration instances.
type Engine struct {
	store      history.Store
	queue      taskqueue.Queue
	timers     TimerScheduler
	activities ActivitySubmitter
	registry   *Registry
	notifier   *QueueNotifier
	status     *status.Service

	serde    api.Serde
	clock    api.Clock
	observer api.Observer
	logger   *slog.Logger

	owner       string
	leaseTTL    time.Duration
	lockedRetry time.Duration
	locks       *keyedMutex
}

var _ api.Client = (*Engine)(nil)

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("engine: store is required")
	case cfg.Queue == nil:
		return nil, errors.New("engine: orchestration queue is required")
	case cfg.Timers == nil:
		return nil, errors.New("engine: timer scheduler is required")
	case cfg.Activities == nil:
		return nil, errors.New("engine: activity submitter is required")
	}
	e := &Engine{
		store:       cfg.Store,
		queue:       cfg.Queue,
		timers:      cfg.Timers,
		activities:  cfg.Activities,
		registry:    cfg.Registry,
		notifier:    NewQueueNotifier(cfg.Queue),
		status:      status.New(cfg.Store),
		serde:       cfg.Serde,
		clock:       cfg.Clock,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		owner:       cfg.Owner,
		leaseTTL:    cfg.LeaseTTL,
		lockedRetry: cfg.LockedRetryDelay,
		locks:       newKeyedMutex(),
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.serde == nil {
		e.serde = api.JSONSerde{}
	}
	if e.clock == nil {
		e.clock = api.SystemClock{}
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.owner == "" {
		e.owner = "engine-" + uuid.Must(uuid.NewV4()).String()
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = 30 * time.Second
	}
	if e.lockedRetry <= 0 {
		e.lockedRetry = 250 * time.Millisecond
	}
	return e, nil
}

// Registry returns the registry the engine resolves orchestrators from.
func (e *Engine) Registry() *Registry { return e.registry }

// RegisterOrchestrator adds fn to the registry under name.
func (e *Engine) RegisterOrchestrator(name string, fn api.OrchestratorFunc) error {
	return e.registry.RegisterOrchestrator(name, fn)
}

// RegisterActivity adds fn to the registry under name.
func (e *Engine) RegisterActivity(name string, fn api.ActivityFunc) error {
	return e.registry.RegisterActivity(name, fn)
}

// Start creates a Pending instance of the named orchestrator and wakes the
// engine for it.
func (e *Engine) Start(ctx context.Context, name string, input any, opts ...api.StartOption) (string, error) {
	if _, ok := e.registry.Orchestrator(name); !ok {
		return "", fmt.Errorf("%w: %s", api.ErrOrchestratorNotFound, name)
	}
	o := api.ApplyStartOptions(opts...)
	id := o.InstanceID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	payload, err := e.serde.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}

	now := e.clock.Now()
	inst := &api.Instance{
		ID:            id,
		Name:          name,
		Status:        api.StatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Input:         payload,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return "", err
	}
	// A conflict means an execution already recovered the start event.
	_, err = e.store.Append(ctx, id, 0, startedEvent(inst))
	if err != nil && !api.IsConflict(err) {
		return "", fmt.Errorf("record start of %s: %w", id, err)
	}
	e.observer.OnOrchestrationStarted(ctx, inst)

	if err := e.notifier.Notify(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func startedEvent(inst *api.Instance) api.HistoryEvent {
	return api.HistoryEvent{
		Kind:      api.EventOrchestratorStarted,
		Name:      inst.Name,
		Payload:   inst.Input,
		Timestamp: inst.CreatedAt,
	}
}

// Execute runs one replay of the instance and records its outcome. Only one
// execution per instance runs at a time: in-process through a keyed mutex,
// across hosts through the store lease. A lease held elsewhere gives
// api.ErrInstanceLocked.
func (e *Engine) Execute(ctx context.Context, instanceID string) error {
	return e.executeLocked(ctx, instanceID, false)
}

func (e *Engine) executeLocked(ctx context.Context, instanceID string, redispatch bool) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	ok, err := e.store.TryAcquireLease(ctx, instanceID, e.owner, e.leaseTTL)
	if err != nil {
		return fmt.Errorf("lease %s: %w", instanceID, err)
	}
	if !ok {
		return api.ErrInstanceLocked
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), instanceID, e.owner); err != nil {
			e.logger.Warn("lease release failed", "instance_id", instanceID, "error", err)
		}
	}()

	return e.execute(ctx, instanceID, redispatch)
}

func (e *Engine) execute(ctx context.Context, instanceID string, redispatch bool) error {
	var lastErr error
	for range history.MaxAppendAttempts {
		events, err := history.ReadAll(ctx, e.store, instanceID)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			// The host stopped between creating the instance and recording
			// its start.
			inst, err := e.store.GetInstance(ctx, instanceID)
			if err != nil {
				return err
			}
			if _, err := e.store.Append(ctx, instanceID, 0, startedEvent(inst)); err != nil && !api.IsConflict(err) {
				return err
			}
			continue
		}
		if terminalEvent(events) != nil {
			return e.refresh(ctx, instanceID, events)
		}

		appended, err := e.step(ctx, instanceID, events)
		if api.IsConflict(err) {
			lastErr = err
			if err := e.store.RenewLease(ctx, instanceID, e.owner, e.leaseTTL); err != nil {
				return fmt.Errorf("renew lease of %s: %w", instanceID, err)
			}
			continue
		}
		if err != nil {
			return err
		}

		all := append(events, appended...)
		toDispatch := appended
		if redispatch {
			toDispatch = pendingRequests(all)
		}
		for _, ev := range toDispatch {
			if err := e.dispatch(ctx, instanceID, ev); err != nil {
				return err
			}
		}
		if err := e.refresh(ctx, instanceID, all); err != nil {
			return err
		}
		if term := terminalEvent(appended); term != nil {
			e.notifyTerminal(ctx, instanceID, *term)
		}
		return nil
	}
	return fmt.Errorf("execute %s: giving up after %d conflicts: %w", instanceID, history.MaxAppendAttempts, lastErr)
}

// step replays the orchestrator once and appends what it produced. It
// returns the appended events with their sequences.
func (e *Engine) step(ctx context.Context, instanceID string, events []api.HistoryEvent) ([]api.HistoryEvent, error) {
	last := events[len(events)-1].Sequence
	toAppend := e.decide(instanceID, events)
	if len(toAppend) == 0 {
		return nil, nil
	}
	if _, err := e.store.Append(ctx, instanceID, last, toAppend...); err != nil {
		return nil, err
	}
	for i := range toAppend {
		toAppend[i].Sequence = last + int64(i) + 1
	}
	return toAppend, nil
}

// decide replays the orchestrator and returns the events to append: the new
// requests of a suspended run, or the single terminal event.
func (e *Engine) decide(instanceID string, events []api.HistoryEvent) []api.HistoryEvent {
	st := newReplayState(instanceID, events, e.serde, e.clock, e.logger)
	fn, ok := e.registry.Orchestrator(st.name)
	if !ok {
		return []api.HistoryEvent{e.failedEvent(fmt.Errorf("%w: %s", api.ErrOrchestratorNotFound, st.name))}
	}

	out := st.run(fn)
	switch {
	case out.suspended:
		return st.newRequests
	case out.violation != nil:
		e.logger.Error("determinism violation", "instance_id", instanceID, "error", out.violation)
		return []api.HistoryEvent{e.failedEvent(out.violation)}
	case out.err != nil:
		return []api.HistoryEvent{e.failedEvent(out.err)}
	}

	payload, err := e.serde.Marshal(out.output)
	if err != nil {
		return []api.HistoryEvent{e.failedEvent(fmt.Errorf("encode output: %w", err))}
	}
	return []api.HistoryEvent{{
		Kind:      api.EventOrchestratorCompleted,
		Payload:   payload,
		Timestamp: e.clock.Now(),
	}}
}

func (e *Engine) failedEvent(err error) api.HistoryEvent {
	return api.HistoryEvent{
		Kind:      api.EventOrchestratorFailed,
		Detail:    err.Error(),
		Timestamp: e.clock.Now(),
	}
}

func (e *Engine) dispatch(ctx context.Context, instanceID string, ev api.HistoryEvent) error {
	switch ev.Kind {
	case api.EventTimerCreated:
		return e.timers.Schedule(ctx, api.TimerRequest{
			InstanceID:    instanceID,
			CorrelationID: ev.CorrelationID,
			FireAt:        ev.FireAt,
		})
	case api.EventActivityScheduled:
		return e.activities.Submit(ctx, api.ActivityTask{
			InstanceID:    instanceID,
			CorrelationID: ev.CorrelationID,
			Name:          ev.Name,
			Input:         ev.Payload,
		})
	}
	return nil
}

// refresh writes the status derived from events into the cached record.
func (e *Engine) refresh(ctx context.Context, instanceID string, events []api.HistoryEvent) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	history.Project(events).Apply(inst)
	return e.store.UpdateInstance(ctx, inst)
}

func (e *Engine) notifyTerminal(ctx context.Context, instanceID string, term api.HistoryEvent) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		e.logger.Warn("observer lookup failed", "instance_id", instanceID, "error", err)
		return
	}
	switch term.Kind {
	case api.EventOrchestratorCompleted:
		e.observer.OnOrchestrationCompleted(ctx, inst)
	case api.EventOrchestratorFailed:
		e.observer.OnOrchestrationFailed(ctx, inst, errors.New(term.Detail))
	case api.EventOrchestratorTerminated:
		e.observer.OnOrchestrationTerminated(ctx, inst, term.Detail)
	}
}

// terminalEvent returns the first terminal event, if any.
func terminalEvent(events []api.HistoryEvent) *api.HistoryEvent {
	for i := range events {
		if events[i].Kind.IsTerminal() {
			return &events[i]
		}
	}
	return nil
}

// pendingRequests returns the requests that have no completion yet.
func pendingRequests(events []api.HistoryEvent) []api.HistoryEvent {
	done := make(map[string]bool)
	for _, ev := range events {
		if ev.Kind.IsCompletion() {
			done[ev.CorrelationID] = true
		}
	}
	var out []api.HistoryEvent
	for _, ev := range events {
		if ev.Kind.IsRequest() && !done[ev.CorrelationID] {
			out = append(out, ev)
		}
	}
	return out
}

// Terminate ends a non-terminal instance. Completions that arrive later are
// still appended but never executed.
func (e *Engine) Terminate(ctx context.Context, instanceID, reason string) error {
	var lastErr error
	for range history.MaxAppendAttempts {
		events, err := history.ReadAll(ctx, e.store, instanceID)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
				return err
			}
		}
		if term := terminalEvent(events); term != nil {
			return fmt.Errorf("%w: %s is already %s", api.ErrInstanceTerminal, instanceID, history.Project(events).Status)
		}

		var last int64
		if len(events) > 0 {
			last = events[len(events)-1].Sequence
		}
		ev := api.HistoryEvent{Kind: api.EventOrchestratorTerminated, Detail: reason, Timestamp: e.clock.Now()}
		if _, err := e.store.Append(ctx, instanceID, last, ev); err != nil {
			if api.IsConflict(err) {
				lastErr = err
				continue
			}
			return err
		}
		ev.Sequence = last + 1
		all := append(events, ev)
		if err := e.refresh(ctx, instanceID, all); err != nil {
			return err
		}
		e.notifyTerminal(ctx, instanceID, ev)
		return nil
	}
	return fmt.Errorf("terminate %s: giving up after %d conflicts: %w", instanceID, history.MaxAppendAttempts, lastErr)
}

// ReplayResult describes a read-only re-run of an instance.
type ReplayResult struct {
	// Requests lists every request the orchestrator issued, recorded ones
	// first.
	Requests []api.HistoryEvent
	// NewEvents is what an execution would append now.
	NewEvents []api.HistoryEvent
	Output    []byte
	Err       error
	Suspended bool
}

// Replay re-runs the instance against its history without writing anything.
// Running it twice on an unchanged history gives the same result.
func (e *Engine) Replay(ctx context.Context, instanceID string) (*ReplayResult, error) {
	events, err := history.ReadAll(ctx, e.store, instanceID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
			return nil, err
		}
		return &ReplayResult{Suspended: true}, nil
	}

	st := newReplayState(instanceID, events, e.serde, e.clock, e.logger)
	fn, ok := e.registry.Orchestrator(st.name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrOrchestratorNotFound, st.name)
	}
	out := st.run(fn)

	res := &ReplayResult{
		Requests:  append(append([]api.HistoryEvent(nil), st.requests...), st.newRequests...),
		Suspended: out.suspended,
		Err:       out.err,
	}
	if out.suspended {
		res.NewEvents = st.newRequests
	} else if out.err == nil {
		res.Output, res.Err = e.serde.Marshal(out.output)
	}
	if terminalEvent(events) == nil && !out.suspended {
		res.NewEvents = e.decide(instanceID, events)
	}
	return res, nil
}

// RecoverPending re-dispatches the outstanding requests of every Pending or
// Running instance and wakes the engine for each. Hosts call it at start.
func (e *Engine) RecoverPending(ctx context.Context) (int, error) {
	insts, err := e.store.ListInstances(ctx, api.InstanceQuery{
		Statuses: []api.RuntimeStatus{api.StatusPending, api.StatusRunning},
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, inst := range insts {
		events, err := history.ReadAll(ctx, e.store, inst.ID)
		if err != nil {
			return n, err
		}
		if terminalEvent(events) != nil {
			if err := e.refresh(ctx, inst.ID, events); err != nil {
				return n, err
			}
			continue
		}
		for _, ev := range pendingRequests(events) {
			if err := e.dispatch(ctx, inst.ID, ev); err != nil {
				return n, err
			}
		}
		if err := e.notifier.Notify(ctx, inst.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		e.logger.Info("recovered pending instances", "count", n)
	}
	return n, nil
}

// Handle executes the instance named by an orchestration task. A redelivered
// task also re-dispatches outstanding requests, since the earlier attempt
// may have stopped between appending and dispatching them.
func (e *Engine) Handle(ctx context.Context, task *taskqueue.Task) error {
	err := e.executeLocked(ctx, task.InstanceID, task.Attempts > 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, api.ErrInstanceLocked):
		return worker.RetryAt(e.clock.Now().Add(e.lockedRetry), err)
	case errors.Is(err, api.ErrInstanceNotFound):
		e.logger.Warn("dropping wake-up of unknown instance", "instance_id", task.InstanceID)
		return nil
	default:
		return err
	}
}

// Worker returns a worker pool that executes the engine's wake-ups.
func (e *Engine) Worker(cfg worker.Config) *worker.Worker {
	if cfg.Logger == nil {
		cfg.Logger = e.logger
	}
	if cfg.Clock == nil {
		cfg.Clock = e.clock
	}
	return worker.New(e.queue, e, cfg)
}

// Run executes wake-ups with the given concurrency until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, concurrency int, cfg worker.Config) error {
	return e.Worker(cfg).Run(ctx, concurrency)
}

// GetStatus returns the instance record merged with the status derived from
// its history.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (*api.Instance, error) {
	return e.status.GetStatus(ctx, instanceID)
}

// QueryInstances lists the instances matching q.
func (e *Engine) QueryInstances(ctx context.Context, q api.InstanceQuery) ([]*api.Instance, error) {
	return e.status.QueryInstances(ctx, q)
}

// History returns the recorded events of an instance in sequence order.
func (e *Engine) History(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	return e.status.History(ctx, instanceID)
}
