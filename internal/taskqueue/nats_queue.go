package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSQueue implements Queue on a JetStream work-queue stream. Each queue
// has its own stream and durable pull consumer, so a message is handed to a
// single worker until it is acked or its ack wait runs out.
//
// The lease length is the consumer's AckWait, fixed when the queue is
// created. Tasks that are not yet due are negatively acknowledged with a
// delay. Nack republishes the task with its new not-before and attempts,
// then acks the original message.
type NATSQueue struct {
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	subject  string
	opts     queueOptions

	mu     sync.Mutex
	leased map[string]natsLease
}

type natsLease struct {
	owner string
	msg   jetstream.Msg
	task  Task
}

// NATSStreamName returns the stream that backs the queue called name.
func NATSStreamName(name string) string {
	return "DURABLE_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// NewNATSQueue ensures the stream and consumer for the queue called name and
// returns the queue.
func NewNATSQueue(ctx context.Context, js jetstream.JetStream, name string, ackWait time.Duration, opts ...Option) (*NATSQueue, error) {
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	subject := "durable." + name + ".tasks"
	streamName := NATSStreamName(name)

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       streamName + "_WORKERS",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    -1,
		FilterSubject: subject,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer on %s: %w", streamName, err)
	}

	return &NATSQueue{
		js:       js,
		stream:   stream,
		consumer: consumer,
		subject:  subject,
		opts:     defaultOptions(opts),
		leased:   make(map[string]natsLease),
	}, nil
}

// Ensure NATSQueue implements Queue.
var _ Queue = (*NATSQueue)(nil)

func (q *NATSQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, q.opts.clock.Now())
	_, err := q.publish(ctx, t, t.ID)
	return err
}

func (q *NATSQueue) publish(ctx context.Context, t Task, msgID string) (*jetstream.PubAck, error) {
	data, err := EncodeTask(t)
	if err != nil {
		return nil, err
	}
	ack, err := q.js.Publish(ctx, q.subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		return nil, fmt.Errorf("publish task %s: %w", t.ID, err)
	}
	return ack, nil
}

// Dequeue fetches the next due message. The leaseTTL argument is only
// validated; the consumer's AckWait governs redelivery.
func (q *NATSQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if err := validateLease(owner, leaseTTL); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(q.opts.pollInterval+time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("fetch from %s: %w", q.subject, err)
		}

		var msg jetstream.Msg
		for m := range batch.Messages() {
			msg = m
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && !errors.Is(err, nats.ErrTimeout) {
			slog.Debug("nats queue fetch ended", "subject", q.subject, "error", err)
		}
		if msg == nil {
			continue
		}

		t, err := DecodeTask(msg.Data())
		if err != nil {
			// Undecodable messages would be redelivered forever.
			_ = msg.Term()
			return nil, err
		}

		now := q.opts.clock.Now()
		if t.NotBefore.After(now) {
			if err := msg.NakWithDelay(q.capDelay(t.NotBefore.Sub(now))); err != nil {
				return nil, fmt.Errorf("defer task %s: %w", t.ID, err)
			}
			continue
		}

		q.mu.Lock()
		q.leased[t.ID] = natsLease{owner: owner, msg: msg, task: *t}
		q.mu.Unlock()
		return t, nil
	}
}

func (q *NATSQueue) take(taskID, owner string) (natsLease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.leased[taskID]
	if !ok || l.owner != owner {
		return natsLease{}, ErrLeaseLost
	}
	delete(q.leased, taskID)
	return l, nil
}

func (q *NATSQueue) Ack(ctx context.Context, taskID, owner string) error {
	l, err := q.take(taskID, owner)
	if err != nil {
		return err
	}
	if err := l.msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("ack task %s: %w", taskID, err)
	}
	return nil
}

func (q *NATSQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	l, err := q.take(taskID, owner)
	if err != nil {
		return err
	}
	t := l.task
	t.NotBefore = notBefore
	t.Attempts = attempts
	// Every redelivery gets its own message id. Reusing one inside the
	// stream's duplicate window would be dropped silently.
	ack, err := q.publish(ctx, t, t.ID+"."+NewTaskID())
	if err != nil {
		// Leave the original to be redelivered after its ack wait.
		return err
	}
	if ack.Duplicate {
		return fmt.Errorf("redelivery of task %s was deduplicated by %s", taskID, ack.Stream)
	}
	if err := l.msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("ack nacked task %s: %w", taskID, err)
	}
	return nil
}

// Len returns the number of messages in the stream.
func (q *NATSQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := q.stream.Info(ctx)
	if err != nil {
		slog.Warn("nats queue length failed", "subject", q.subject, "error", err)
		return 0
	}
	return int(info.State.Msgs)
}

func (q *NATSQueue) capDelay(d time.Duration) time.Duration {
	if d > q.opts.maxDelay {
		return q.opts.maxDelay
	}
	return d
}
