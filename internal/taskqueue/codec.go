package taskqueue

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeTask msgpack-encodes a Task.
func EncodeTask(t Task) ([]byte, error) {
	b, err := msgpack.Marshal(&t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return b, nil
}

// DecodeTask msgpack-decodes a Task.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := msgpack.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
