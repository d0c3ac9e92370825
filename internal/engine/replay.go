package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// suspendSignal unwinds an orchestrator that awaits a task whose completion
// is not in history yet. It never escapes the engine.
type suspendSignal struct{}

// replayState is the OrchestrationContext of one execution. It re-runs the
// orchestrator against the recorded history and collects the requests the
// orchestrator makes beyond it.
type replayState struct {
	instanceID string
	name       string
	input      []byte
	serde      api.Serde
	clock      api.Clock
	logger     *slog.Logger

	// requests are the recorded TimerCreated and ActivityScheduled events in
	// schedule order; completions maps a correlation id to its first
	// completion.
	requests    []api.HistoryEvent
	completions map[string]api.HistoryEvent

	// lastCompletion is the sequence of the newest recorded completion and
	// consumed the newest one the orchestrator has awaited so far.
	lastCompletion int64
	consumed       int64

	calls       int
	now         time.Time
	newRequests []api.HistoryEvent
}

var _ api.OrchestrationContext = (*replayState)(nil)

func newReplayState(instanceID string, events []api.HistoryEvent, serde api.Serde, clock api.Clock, logger *slog.Logger) *replayState {
	st := &replayState{
		instanceID:  instanceID,
		serde:       serde,
		clock:       clock,
		completions: make(map[string]api.HistoryEvent),
	}
	for _, ev := range events {
		switch {
		case ev.Kind == api.EventOrchestratorStarted:
			if st.name == "" {
				st.name = ev.Name
				st.input = ev.Payload
				st.now = ev.Timestamp
			}
		case ev.Kind.IsRequest():
			st.requests = append(st.requests, ev)
		case ev.Kind.IsCompletion():
			if _, seen := st.completions[ev.CorrelationID]; !seen {
				st.completions[ev.CorrelationID] = ev
				st.lastCompletion = max(st.lastCompletion, ev.Sequence)
			}
		}
	}
	st.logger = slog.New(&replaySafeHandler{inner: logger.Handler(), st: st}).With(
		"instance_id", instanceID, "orchestrator", st.name)
	return st
}

// outcome is how one execution of the orchestrator ended.
type outcome struct {
	suspended bool
	output    any
	err       error
	violation *api.DeterminismViolation
}

func (st *replayState) run(fn api.OrchestratorFunc) (out outcome) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case suspendSignal:
			out = outcome{suspended: true}
		case *api.DeterminismViolation:
			out = outcome{violation: v, err: v}
		default:
			out = outcome{err: fmt.Errorf("orchestrator %s panicked: %v", st.name, r)}
		}
	}()

	output, err := fn(st)
	if st.calls < len(st.requests) {
		rec := st.requests[st.calls]
		v := &api.DeterminismViolation{
			InstanceID:    st.instanceID,
			CorrelationID: rec.CorrelationID,
			Expected:      describe(rec.Kind, rec.Name),
			Actual:        "orchestrator return",
		}
		return outcome{violation: v, err: v}
	}
	return outcome{output: output, err: err}
}

func (st *replayState) InstanceID() string { return st.instanceID }
func (st *replayState) Name() string       { return st.name }

func (st *replayState) GetInput(v any) error {
	return st.serde.Unmarshal(st.input, v)
}

func (st *replayState) CurrentUTCDateTime() time.Time { return st.now }

// IsReplaying holds until the orchestrator has passed its last recorded
// request and awaited the newest recorded completion. Code before that point
// ran in an earlier execution.
func (st *replayState) IsReplaying() bool {
	return st.calls < len(st.requests) || st.consumed < st.lastCompletion
}

func (st *replayState) Logger() *slog.Logger { return st.logger }

func (st *replayState) CreateTimer(fireAt time.Time) api.Task {
	cid := st.schedule(api.HistoryEvent{Kind: api.EventTimerCreated, FireAt: fireAt.UTC()})
	return &historyTask{st: st, cid: cid}
}

func (st *replayState) Sleep(d time.Duration) error {
	return st.CreateTimer(st.now.Add(d)).Await(nil)
}

func (st *replayState) CallActivity(name string, input any) api.Task {
	payload, err := st.serde.Marshal(input)
	if err != nil {
		return &failedTask{err: fmt.Errorf("encode input of %s: %w", name, err)}
	}
	cid := st.schedule(api.HistoryEvent{Kind: api.EventActivityScheduled, Name: name, Payload: payload})
	return &historyTask{st: st, cid: cid, name: name}
}

func (st *replayState) WhenAll(tasks ...api.Task) api.Task {
	return &whenAllTask{st: st, children: st.children(tasks)}
}

func (st *replayState) WhenAny(tasks ...api.Task) api.Task {
	return &whenAnyTask{st: st, children: st.children(tasks)}
}

func (st *replayState) children(tasks []api.Task) []replayTask {
	out := make([]replayTask, len(tasks))
	for i, t := range tasks {
		rt, ok := t.(replayTask)
		if !ok {
			panic(fmt.Sprintf("task %T was not created by this orchestration context", t))
		}
		out[i] = rt
	}
	return out
}

// schedule matches the next schedule call against history. Past the recorded
// requests it queues a new request.
func (st *replayState) schedule(req api.HistoryEvent) string {
	st.calls++
	cid := st.instanceID + ":" + strconv.Itoa(st.calls)

	if st.calls <= len(st.requests) {
		rec := st.requests[st.calls-1]
		expected, actual := describe(rec.Kind, rec.Name), describe(req.Kind, req.Name)
		switch {
		case rec.Kind != req.Kind || rec.Name != req.Name || rec.CorrelationID != cid:
		case !rec.FireAt.Equal(req.FireAt):
			expected += " firing at " + rec.FireAt.Format(time.RFC3339Nano)
			actual += " firing at " + req.FireAt.Format(time.RFC3339Nano)
		case !bytes.Equal(rec.Payload, req.Payload):
			expected += " with input " + payloadSummary(rec.Payload)
			actual += " with input " + payloadSummary(req.Payload)
		default:
			return cid
		}
		panic(&api.DeterminismViolation{
			InstanceID:    st.instanceID,
			CorrelationID: cid,
			Expected:      expected,
			Actual:        actual,
		})
	}

	req.CorrelationID = cid
	req.Timestamp = st.clock.Now()
	st.newRequests = append(st.newRequests, req)
	return cid
}

// payloadSummary renders an input for a diagnostic. Long or binary payloads
// are shortened.
func payloadSummary(p []byte) string {
	const limit = 64
	if len(p) == 0 {
		return "(none)"
	}
	if len(p) > limit {
		return strconv.Quote(string(p[:limit])) + "..."
	}
	return strconv.Quote(string(p))
}

func describe(kind api.EventKind, name string) string {
	if name == "" {
		return string(kind)
	}
	return string(kind) + " " + name
}

// consume advances the orchestration clock and the replay position past a
// completion the orchestrator has observed.
func (st *replayState) consume(r result) {
	if r.at.After(st.now) {
		st.now = r.at
	}
	st.consumed = max(st.consumed, r.seq)
}

// result is the resolved state of a task.
type result struct {
	seq int64
	at  time.Time
	err error
	// ev is the completion event of a single request.
	ev *api.HistoryEvent
}

type replayTask interface {
	api.Task
	resolved() (result, bool)
}

// historyTask is a timer or activity call identified by its correlation id.
type historyTask struct {
	st   *replayState
	cid  string
	name string
}

func (t *historyTask) resolved() (result, bool) {
	ev, ok := t.st.completions[t.cid]
	if !ok {
		return result{}, false
	}
	r := result{seq: ev.Sequence, at: ev.Timestamp, ev: &ev}
	if ev.Kind == api.EventActivityFailed {
		r.err = &api.ActivityError{Name: t.name, CorrelationID: t.cid, Message: ev.Detail}
	}
	return r, true
}

func (t *historyTask) IsComplete() bool {
	_, ok := t.resolved()
	return ok
}

func (t *historyTask) Await(v any) error {
	r, ok := t.resolved()
	if !ok {
		panic(suspendSignal{})
	}
	t.st.consume(r)
	if r.err != nil {
		return r.err
	}
	if r.ev.Kind == api.EventActivityCompleted {
		return t.st.serde.Unmarshal(r.ev.Payload, v)
	}
	return nil
}

// whenAllTask resolves once every child has. Its error is the failure that
// was recorded first.
type whenAllTask struct {
	st       *replayState
	children []replayTask
}

func (t *whenAllTask) resolved() (result, bool) {
	var out result
	var failedSeq int64
	for _, c := range t.children {
		r, ok := c.resolved()
		if !ok {
			return result{}, false
		}
		if r.seq > out.seq {
			out.seq = r.seq
		}
		if r.at.After(out.at) {
			out.at = r.at
		}
		if r.err != nil && (out.err == nil || r.seq < failedSeq) {
			out.err = r.err
			failedSeq = r.seq
		}
	}
	return out, true
}

func (t *whenAllTask) IsComplete() bool {
	_, ok := t.resolved()
	return ok
}

// Await waits for all children. Results are read by awaiting the children
// afterwards, which no longer suspends.
func (t *whenAllTask) Await(v any) error {
	r, ok := t.resolved()
	if !ok {
		panic(suspendSignal{})
	}
	t.st.consume(r)
	return r.err
}

// whenAnyTask resolves to the child whose completion has the lowest history
// sequence, which is the same on every replay.
type whenAnyTask struct {
	st       *replayState
	children []replayTask
}

func (t *whenAnyTask) winner() (int, result, bool) {
	best := -1
	var bestRes result
	for i, c := range t.children {
		r, ok := c.resolved()
		if !ok {
			continue
		}
		if best < 0 || r.seq < bestRes.seq {
			best, bestRes = i, r
		}
	}
	return best, bestRes, best >= 0
}

func (t *whenAnyTask) resolved() (result, bool) {
	_, r, ok := t.winner()
	if !ok {
		return result{}, false
	}
	return result{seq: r.seq, at: r.at}, true
}

func (t *whenAnyTask) IsComplete() bool {
	_, _, ok := t.winner()
	return ok
}

// Await stores the winner index into an *int or the winning task into an
// *api.Task.
func (t *whenAnyTask) Await(v any) error {
	i, r, ok := t.winner()
	if !ok {
		panic(suspendSignal{})
	}
	t.st.consume(r)
	switch out := v.(type) {
	case nil:
	case *int:
		*out = i
	case *api.Task:
		*out = t.children[i]
	default:
		return fmt.Errorf("WhenAny result must be *int or *api.Task, got %T", v)
	}
	return nil
}

// failedTask is a call that could not be scheduled.
type failedTask struct{ err error }

func (t *failedTask) resolved() (result, bool) { return result{err: t.err}, true }
func (t *failedTask) IsComplete() bool         { return true }
func (t *failedTask) Await(any) error          { return t.err }

// replaySafeHandler drops records while the orchestrator is replaying, so
// each log line is written once per instance.
type replaySafeHandler struct {
	inner slog.Handler
	st    *replayState
}

func (h *replaySafeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.st.IsReplaying() && h.inner.Enabled(ctx, level)
}

func (h *replaySafeHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.st.IsReplaying() {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *replaySafeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replaySafeHandler{inner: h.inner.WithAttrs(attrs), st: h.st}
}

func (h *replaySafeHandler) WithGroup(name string) slog.Handler {
	return &replaySafeHandler{inner: h.inner.WithGroup(name), st: h.st}
}
