// Package fanout publishes post-commit notifications to subscribers (UI,
// unread counters, job queues).
//
// Delivery contract: Publish is invoked at most once per commit, after the
// store transaction is durable. There is no delivery guarantee across a
// process restart — a consumer may see the same state first via a direct
// store read — so consumers must be idempotent themselves.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/snehjoshi/envelopeq/internal/types"
)

// Subscriber receives the records changed by one commit. The records are
// already persisted when the callback fires. Callbacks run on the publishing
// worker's goroutine and must not block for long.
type Subscriber func(changed []*types.MessageRecord)

// Hub is the subscriber registry. All methods are safe for concurrent use.
type Hub struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[int]Subscriber
	next int
}

// New creates an empty Hub.
func New(log *slog.Logger) *Hub {
	return &Hub{log: log, subs: make(map[int]Subscriber)}
}

// Subscribe registers fn and returns a handle for Unsubscribe.
func (h *Hub) Subscribe(fn Subscriber) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.subs[h.next] = fn
	return h.next
}

// Unsubscribe removes the subscriber with the given handle.
// A no-op for unknown handles.
func (h *Hub) Unsubscribe(handle int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, handle)
}

// Publish delivers changed to every subscriber. A panicking subscriber is
// logged and skipped so one consumer cannot break delivery to the others.
func (h *Hub) Publish(changed []*types.MessageRecord) {
	if len(changed) == 0 {
		return
	}

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		h.deliver(fn, changed)
	}
}

func (h *Hub) deliver(fn Subscriber, changed []*types.MessageRecord) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("fanout: subscriber panicked", "panic", r)
		}
	}()
	fn(changed)
}
