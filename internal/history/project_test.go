package history

import (
	"testing"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

func TestProject(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	at := func(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

	started := api.HistoryEvent{Sequence: 1, Kind: api.EventOrchestratorStarted, Name: "LongRunOrchestrator", Payload: []byte(`"X"`), Timestamp: at(0)}
	timer := api.HistoryEvent{Sequence: 2, Kind: api.EventTimerCreated, CorrelationID: "i:1", Timestamp: at(0)}
	fired := api.HistoryEvent{Sequence: 3, Kind: api.EventTimerFired, CorrelationID: "i:1", Timestamp: at(5)}
	completed := api.HistoryEvent{Sequence: 4, Kind: api.EventOrchestratorCompleted, Payload: []byte(`"done"`), Timestamp: at(6)}
	terminated := api.HistoryEvent{Sequence: 4, Kind: api.EventOrchestratorTerminated, Detail: "operator", Timestamp: at(6)}
	failed := api.HistoryEvent{Sequence: 4, Kind: api.EventOrchestratorFailed, Detail: "boom", Timestamp: at(6)}
	late := api.HistoryEvent{Sequence: 5, Kind: api.EventActivityCompleted, CorrelationID: "i:2", Timestamp: at(9)}

	cases := []struct {
		name       string
		events     []api.HistoryEvent
		status     api.RuntimeStatus
		output     string
		errText    string
		lastSeq    int64
		lastUpdate time.Time
	}{
		{"empty", nil, api.StatusPending, "", "", 0, time.Time{}},
		{"started only", []api.HistoryEvent{started}, api.StatusPending, "", "", 1, at(0)},
		{"request makes running", []api.HistoryEvent{started, timer}, api.StatusRunning, "", "", 2, at(0)},
		{"completion keeps running", []api.HistoryEvent{started, timer, fired}, api.StatusRunning, "", "", 3, at(5)},
		{"completed", []api.HistoryEvent{started, timer, fired, completed}, api.StatusCompleted, `"done"`, "", 4, at(6)},
		{"failed", []api.HistoryEvent{started, timer, failed}, api.StatusFailed, "", "boom", 4, at(6)},
		{"terminal is sticky", []api.HistoryEvent{started, timer, terminated, late}, api.StatusTerminated, "", "operator", 4, at(6)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Project(tc.events)
			if p.Status != tc.status {
				t.Fatalf("status = %s, want %s", p.Status, tc.status)
			}
			if string(p.Output) != tc.output {
				t.Fatalf("output = %q, want %q", p.Output, tc.output)
			}
			if p.Error != tc.errText {
				t.Fatalf("error = %q, want %q", p.Error, tc.errText)
			}
			if p.LastSequence != tc.lastSeq {
				t.Fatalf("last sequence = %d, want %d", p.LastSequence, tc.lastSeq)
			}
			if !p.LastUpdatedAt.Equal(tc.lastUpdate) {
				t.Fatalf("last updated = %v, want %v", p.LastUpdatedAt, tc.lastUpdate)
			}
			if len(tc.events) > 0 && (p.Name != "LongRunOrchestrator" || !p.CreatedAt.Equal(at(0))) {
				t.Fatalf("start metadata not projected: %+v", p)
			}
		})
	}
}

func TestProjection_ApplyKeepsRecordFieldsWithoutHistory(t *testing.T) {
	created := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	inst := &api.Instance{ID: "a", Name: "Flow", Status: api.StatusPending, CreatedAt: created}

	Project(nil).Apply(inst)
	if inst.Status != api.StatusPending || !inst.CreatedAt.Equal(created) {
		t.Fatalf("empty projection must not change the record: %+v", inst)
	}

	Project([]api.HistoryEvent{
		{Sequence: 1, Kind: api.EventOrchestratorStarted, Name: "Flow", Timestamp: created},
		{Sequence: 2, Kind: api.EventOrchestratorCompleted, Payload: []byte("1"), Timestamp: created.Add(time.Second)},
	}).Apply(inst)
	if inst.Status != api.StatusCompleted || string(inst.Output) != "1" || inst.LastSequence != 2 {
		t.Fatalf("projection not applied: %+v", inst)
	}
}
