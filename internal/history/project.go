package history

import (
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// Projection is the status of an instance derived purely from its history.
type Projection struct {
	Name          string
	Status        api.RuntimeStatus
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	Input         []byte
	Output        []byte
	Error         string
	LastSequence  int64
}

// Project derives the runtime status from events.
//
// An empty history, or one holding only OrchestratorStarted, is Pending. Any
// request or completion makes it Running. The first terminal event decides the
// final status; anything appended after it is ignored.
func Project(events []api.HistoryEvent) Projection {
	p := Projection{Status: api.StatusPending}
	for _, ev := range events {
		if p.Status.IsTerminal() {
			break
		}
		p.LastSequence = ev.Sequence
		p.LastUpdatedAt = ev.Timestamp

		switch ev.Kind {
		case api.EventOrchestratorStarted:
			p.Name = ev.Name
			p.CreatedAt = ev.Timestamp
			p.Input = ev.Payload
		case api.EventOrchestratorCompleted:
			p.Status = api.StatusCompleted
			p.Output = ev.Payload
		case api.EventOrchestratorFailed:
			p.Status = api.StatusFailed
			p.Error = ev.Detail
		case api.EventOrchestratorTerminated:
			p.Status = api.StatusTerminated
			p.Error = ev.Detail
		default:
			if ev.Kind.IsRequest() || ev.Kind.IsCompletion() {
				p.Status = api.StatusRunning
			}
		}
	}
	return p
}

// Apply merges the projection into inst. Fields the history does not know
// about (such as a CreatedAt set before the first event) are kept.
func (p Projection) Apply(inst *api.Instance) {
	if p.LastSequence == 0 {
		return
	}
	if p.Name != "" {
		inst.Name = p.Name
	}
	if !p.CreatedAt.IsZero() {
		inst.CreatedAt = p.CreatedAt
	}
	if p.Input != nil {
		inst.Input = p.Input
	}
	inst.Status = p.Status
	inst.LastUpdatedAt = p.LastUpdatedAt
	inst.Output = p.Output
	inst.Error = p.Error
	inst.LastSequence = p.LastSequence
}
