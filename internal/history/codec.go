package history

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/petrijr/durable/pkg/api"
)

// instanceRecord is the serialized form of an instance for key-value
// backends.
type instanceRecord struct {
	ID            string    `msgpack:"id"`
	Name          string    `msgpack:"name"`
	Status        string    `msgpack:"status"`
	CreatedAt     time.Time `msgpack:"created_at"`
	LastUpdatedAt time.Time `msgpack:"updated_at"`
	Input         []byte    `msgpack:"input,omitempty"`
	Output        []byte    `msgpack:"output,omitempty"`
	Error         string    `msgpack:"error,omitempty"`
	LastSequence  int64     `msgpack:"last_seq"`
}

// EncodeInstance serializes an instance with MessagePack.
func EncodeInstance(inst *api.Instance) ([]byte, error) {
	return msgpack.Marshal(&instanceRecord{
		ID:            inst.ID,
		Name:          inst.Name,
		Status:        string(inst.Status),
		CreatedAt:     inst.CreatedAt,
		LastUpdatedAt: inst.LastUpdatedAt,
		Input:         inst.Input,
		Output:        inst.Output,
		Error:         inst.Error,
		LastSequence:  inst.LastSequence,
	})
}

// DecodeInstance is the inverse of EncodeInstance.
func DecodeInstance(data []byte) (*api.Instance, error) {
	if len(data) == 0 {
		return nil, api.ErrInstanceNotFound
	}
	var rec instanceRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &api.Instance{
		ID:            rec.ID,
		Name:          rec.Name,
		Status:        api.RuntimeStatus(rec.Status),
		CreatedAt:     rec.CreatedAt.UTC(),
		LastUpdatedAt: rec.LastUpdatedAt.UTC(),
		Input:         rec.Input,
		Output:        rec.Output,
		Error:         rec.Error,
		LastSequence:  rec.LastSequence,
	}, nil
}

// EncodeEvent serializes a history event with MessagePack.
func EncodeEvent(ev api.HistoryEvent) ([]byte, error) {
	return msgpack.Marshal(&ev)
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (api.HistoryEvent, error) {
	var ev api.HistoryEvent
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return api.HistoryEvent{}, err
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if !ev.FireAt.IsZero() {
		ev.FireAt = ev.FireAt.UTC()
	}
	return ev, nil
}
