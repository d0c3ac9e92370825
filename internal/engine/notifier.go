package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/durable/internal/taskqueue"
)

// QueueNotifier wakes the engine by enqueueing an orchestration task. The
// timer service and the activity executor use it after recording a
// completion.
type QueueNotifier struct {
	queue taskqueue.Queue
}

func NewQueueNotifier(q taskqueue.Queue) *QueueNotifier {
	return &QueueNotifier{queue: q}
}

func (n *QueueNotifier) Notify(ctx context.Context, instanceID string) error {
	err := n.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeOrchestration,
		InstanceID: instanceID,
	})
	if err != nil {
		return fmt.Errorf("wake %s: %w", instanceID, err)
	}
	return nil
}
