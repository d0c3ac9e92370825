// Package history is the durable source of truth of the orchestration host:
// instance records and the append-only, per-instance event log.
package history

import (
	"context"
	"iter"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// Store persists instances and their history.
//
// Append is the only way to add events. It is guarded by an expected-sequence
// precondition so that concurrent writers to the same instance are detected
// instead of interleaved.
type Store interface {
	// CreateInstance inserts a new instance record.
	// Returns api.ErrInstanceExists if the ID is taken.
	CreateInstance(ctx context.Context, inst *api.Instance) error

	// UpdateInstance overwrites the cached instance record. A write whose
	// LastSequence is older than the stored one is ignored.
	UpdateInstance(ctx context.Context, inst *api.Instance) error

	GetInstance(ctx context.Context, id string) (*api.Instance, error)

	// ListInstances returns the matching instances ordered by creation time.
	ListInstances(ctx context.Context, q api.InstanceQuery) ([]*api.Instance, error)

	// Append assigns sequences expected+1..expected+len(events) and stores the
	// events atomically. It returns the last assigned sequence, or a
	// *api.ConflictError when expected is not the current last sequence.
	Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) (int64, error)

	// Read returns the history of an instance in ascending sequence order.
	// The sequence is lazy: every range over it re-reads the backend.
	Read(ctx context.Context, instanceID string) iter.Seq2[api.HistoryEvent, error]

	// LastSequence returns the sequence of the last appended event, or 0.
	LastSequence(ctx context.Context, instanceID string) (int64, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an instance.
	// If the instance is currently leased by another owner and the lease has not expired,
	// it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// ReadAll collects the full history of an instance.
func ReadAll(ctx context.Context, s Store, instanceID string) ([]api.HistoryEvent, error) {
	var out []api.HistoryEvent
	for ev, err := range s.Read(ctx, instanceID) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// assignSequences stamps events with expected+1.. and returns the copies.
func assignSequences(expected int64, events []api.HistoryEvent) []api.HistoryEvent {
	out := make([]api.HistoryEvent, len(events))
	for i, ev := range events {
		ev.Sequence = expected + int64(i) + 1
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		out[i] = ev
	}
	return out
}

// sliceSeq adapts an already materialised history to iter.Seq2.
func sliceSeq(events []api.HistoryEvent, err error) iter.Seq2[api.HistoryEvent, error] {
	return func(yield func(api.HistoryEvent, error) bool) {
		if err != nil {
			yield(api.HistoryEvent{}, err)
			return
		}
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// MaxAppendAttempts bounds the conflict retries of AppendIfAbsent.
const MaxAppendAttempts = 16

// AppendIfAbsent appends ev unless an event matching match already exists in
// the history. Conflicts are resolved by re-reading and re-checking, so two
// racing producers of the same completion end up with a single event.
//
// It returns appended=false when a matching event was found. Appending to a
// terminal history is still allowed; the engine ignores such events.
func AppendIfAbsent(ctx context.Context, s Store, instanceID string, ev api.HistoryEvent, match func(api.HistoryEvent) bool) (appended bool, err error) {
	var lastErr error
	for range MaxAppendAttempts {
		var last int64
		found := false
		for e, rerr := range s.Read(ctx, instanceID) {
			if rerr != nil {
				return false, rerr
			}
			last = e.Sequence
			if match(e) {
				found = true
				break
			}
		}
		if found {
			return false, nil
		}

		_, err := s.Append(ctx, instanceID, last, ev)
		if err == nil {
			return true, nil
		}
		if !api.IsConflict(err) {
			return false, err
		}
		lastErr = err
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	return false, lastErr
}

// CompletionOf matches the completion event of kind for correlationID. An empty
// kind matches any completion kind.
func CompletionOf(correlationID string, kinds ...api.EventKind) func(api.HistoryEvent) bool {
	return func(e api.HistoryEvent) bool {
		if e.CorrelationID != correlationID || !e.Kind.IsCompletion() {
			return false
		}
		if len(kinds) == 0 {
			return true
		}
		for _, k := range kinds {
			if e.Kind == k {
				return true
			}
		}
		return false
	}
}
