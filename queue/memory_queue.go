package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// MemoryQueue is a channel-backed Queue for tests and single-process
// development. Nacked deliveries are requeued immediately; unacked
// deliveries are lost on process exit, which is acceptable for the
// environments this backend targets.
type MemoryQueue struct {
	mu       sync.Mutex
	ch       chan *Delivery
	inflight map[string]*Delivery
	closed   bool
}

// NewMemoryQueue creates a memory queue with the given buffer capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{
		ch:       make(chan *Delivery, capacity),
		inflight: make(map[string]*Delivery),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, cmd *Command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	d := &Delivery{Command: cmd, Receipt: uuid.New().String()}
	select {
	case q.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context, block time.Duration) (*Delivery, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()

	select {
	case d, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		q.mu.Lock()
		q.inflight[d.Receipt] = d
		q.mu.Unlock()
		return d, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	delete(q.inflight, d.Receipt)
	q.mu.Unlock()

	select {
	case q.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

// Len reports queued (not in-flight) commands. Test helper.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
