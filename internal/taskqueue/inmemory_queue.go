package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a delay heap with visibility leases. It is safe for
// concurrent use and loses its contents on restart.
type InMemoryQueue struct {
	opts queueOptions

	mu     sync.Mutex
	ready  readyHeap
	leased map[string]*memEntry
	seq    int64
	wake   chan struct{}
}

type memEntry struct {
	task         Task
	seq          int64
	owner        string
	leaseExpires time.Time
	index        int
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	return &InMemoryQueue{
		opts:   defaultOptions(opts),
		leased: make(map[string]*memEntry),
		wake:   make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepare(&t, q.opts.clock.Now())

	q.mu.Lock()
	q.seq++
	heap.Push(&q.ready, &memEntry{task: t, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if err := validateLease(owner, leaseTTL); err != nil {
		return nil, err
	}
	tmr := newIdleTimer()
	defer tmr.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, wait := q.claim(owner, leaseTTL)
		if t != nil {
			return t, nil
		}
		if err := tmr.wait(ctx, wait, q.wake); err != nil {
			return nil, err
		}
	}
}

// claim leases the earliest due task, or reports how long to wait before
// looking again.
func (q *InMemoryQueue) claim(owner string, leaseTTL time.Duration) (*Task, time.Duration) {
	now := q.opts.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for id, e := range q.leased {
		if !e.leaseExpires.After(now) {
			delete(q.leased, id)
			e.owner = ""
			e.task.Attempts++
			heap.Push(&q.ready, e)
		}
	}

	wait := q.opts.pollInterval
	if len(q.ready) > 0 {
		top := q.ready[0]
		if !top.task.NotBefore.After(now) {
			heap.Pop(&q.ready)
			top.owner = owner
			top.leaseExpires = now.Add(leaseTTL)
			q.leased[top.task.ID] = top
			t := top.task
			return &t, 0
		}
		if d := top.task.NotBefore.Sub(now); d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.leased[taskID]
	if !ok || e.owner != owner {
		return ErrLeaseLost
	}
	delete(q.leased, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	e, ok := q.leased[taskID]
	if !ok || e.owner != owner {
		q.mu.Unlock()
		return ErrLeaseLost
	}
	delete(q.leased, taskID)
	e.owner = ""
	e.task.NotBefore = notBefore
	e.task.Attempts = attempts
	heap.Push(&q.ready, e)
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.leased)
}

func (q *InMemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// readyHeap orders entries by NotBefore, then by enqueue order.
type readyHeap []*memEntry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.task.NotBefore.Equal(b.task.NotBefore) {
		return a.task.NotBefore.Before(b.task.NotBefore)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*memEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
