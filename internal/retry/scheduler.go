package retry

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/snehjoshi/envelopeq/internal/types"
)

// Scheduler re-delivers envelopes at or after their backoff deadline.
//
// Usage:
//
//	s := New()
//	s.Start(ctx, func(env types.Envelope) {
//	    // push env back into the intake queue
//	})
//	defer s.Stop()
//
//	s.Schedule(env, time.Now().Add(delay).UnixMilli())
//
// Retries are never cancelled: an envelope scheduled here has already failed
// transiently and either retries to completion or exhausts its attempt cap in
// the pipeline.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex
	h  minHeap

	// notify is a buffered channel of capacity 1.
	// Schedule sends a signal whenever a new item is added that might be
	// earlier than the current timer deadline, prompting the goroutine to
	// re-evaluate its sleep duration.
	notify chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Scheduler. Call Start to begin delivering retries.
func New() *Scheduler {
	h := make(minHeap, 0, 16)
	heap.Init(&h)
	return &Scheduler{
		h:      h,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule adds an envelope to the scheduler. If dueAt <= now, readyFn fires
// promptly on the next tick of the delivery goroutine.
// Schedule must not be called after Stop.
func (s *Scheduler) Schedule(env types.Envelope, dueAt int64) {
	s.mu.Lock()
	heap.Push(&s.h, &item{env: env, dueAt: dueAt})
	s.mu.Unlock()

	// Signal the delivery goroutine to re-evaluate. Non-blocking: if a signal
	// is already pending (channel full), no-op — the goroutine will wake soon.
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of currently pending retries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}

// Start launches the background delivery goroutine.
// readyFn is called from the scheduler goroutine — it must not block for long.
// Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context, readyFn func(env types.Envelope)) {
	s.wg.Add(1)
	go s.run(ctx, readyFn)
}

// Stop shuts down the background goroutine and waits for it to exit.
// Any retries still in the heap are abandoned; their envelopes were never
// marked processed, so the transport's at-least-once delivery re-covers them.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
		// already stopped
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// ─── delivery goroutine ───────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, readyFn func(env types.Envelope)) {
	defer s.wg.Done()

	// timer is lazily allocated when there's something to wait for.
	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		var next *item
		if s.h.Len() > 0 {
			next = s.h[0]
		}
		s.mu.Unlock()

		if next == nil {
			// Heap is empty — wait for a new retry or shutdown.
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
				// A retry was scheduled; loop around to re-evaluate.
			}
			continue
		}

		delay := time.Until(time.UnixMilli(next.dueAt))
		if delay <= 0 {
			// Already due — pop and deliver without sleeping.
			if it := s.pop(); it != nil {
				readyFn(it.env)
			}
			continue
		}

		// Sleep until the next retry is due, but stay responsive to new
		// retries (notify) and shutdown signals.
		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.done:
			t.Stop()
			return
		case <-s.notify:
			// A new item may be due sooner — re-evaluate from the top.
			t.Stop()
			// Drain the timer channel if it fired between Reset and Stop.
			select {
			case <-t.C:
			default:
			}
			t = nil
		case <-t.C:
			t = nil
			if it := s.pop(); it != nil {
				readyFn(it.env)
			}
		}
	}
}

// pop removes and returns the root item, or nil if the heap is empty.
func (s *Scheduler) pop() *item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.h).(*item)
}
