// Package intake buffers raw envelopes between the transport and the worker
// pool. The queue is FIFO overall and performs no per-sender reordering —
// tolerating out-of-order arrival is the reconciliation engine's job, not the
// queue's.
package intake

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/snehjoshi/envelopeq/internal/types"
)

var (
	// ErrQueueFull signals backpressure: the transport must pause reads until
	// the backlog drains. The envelope was not accepted.
	ErrQueueFull = errors.New("intake: queue full")

	// ErrClosed is returned once the queue has been shut down.
	ErrClosed = errors.New("intake: queue closed")
)

// Queue is a bounded FIFO of envelopes awaiting processing.
//
// Architecture:
//   - "items" is a linked list of envelopes (FIFO order, cheap pop-front).
//   - Dequeue blocks on a condition variable until an item arrives, the queue
//     is closed, or the caller's context is cancelled.
//
// All methods are safe for concurrent use.
type Queue struct {
	capacity int

	// onDepth, when non-nil, is called with the new backlog size after every
	// enqueue/dequeue. Used to publish the depth gauge for observability.
	onDepth func(depth int64)

	mu     sync.Mutex
	cond   *sync.Cond
	items  *list.List // elements are types.Envelope
	closed bool
}

// New creates a Queue with the given capacity.
// onDepth may be nil (disables depth reporting).
func New(capacity int, onDepth func(depth int64)) *Queue {
	q := &Queue{
		capacity: capacity,
		onDepth:  onDepth,
		items:    list.New(),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends env to the backlog.
// Fails with ErrQueueFull when the backlog is at capacity and with ErrClosed
// after shutdown. Never blocks.
func (q *Queue) Enqueue(env types.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.items.Len() >= q.capacity {
		return ErrQueueFull
	}

	q.items.PushBack(env)
	q.reportDepthLocked()
	q.cond.Signal()
	return nil
}

// Requeue pushes env at the front of the backlog, bypassing the capacity
// check. Used for retrying envelopes that aborted with a transient failure:
// a retry must never be droppable by backpressure, and it should run before
// newly arrived envelopes to preserve approximate arrival order.
func (q *Queue) Requeue(env types.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.items.PushFront(env)
	q.reportDepthLocked()
	q.cond.Signal()
	return nil
}

// Dequeue pops the oldest envelope, blocking until one is available.
// Returns ErrClosed once the queue is shut down and drained of waiters, or
// ctx.Err() if the caller's context is cancelled first.
func (q *Queue) Dequeue(ctx context.Context) (types.Envelope, error) {
	// Wake this waiter when ctx is cancelled; Broadcast because several
	// workers may be parked on the same condition variable.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if front := q.items.Front(); front != nil {
			q.items.Remove(front)
			q.reportDepthLocked()
			return front.Value.(types.Envelope), nil
		}
		if q.closed {
			return types.Envelope{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return types.Envelope{}, err
		}
		q.cond.Wait()
	}
}

// Depth returns the current backlog size.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close shuts the queue down. Blocked Dequeue calls return ErrClosed once the
// backlog is empty; envelopes already in the backlog remain dequeueable so
// in-flight work can finish cleanly.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// reportDepthLocked publishes the depth gauge. Caller must hold q.mu.
func (q *Queue) reportDepthLocked() {
	if q.onDepth != nil {
		q.onDepth(int64(q.items.Len()))
	}
}
