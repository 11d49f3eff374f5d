// Package earlybuf holds control messages whose target message has not been
// materialized yet — the expected "early arrival" case, not an error.
//
// Items are keyed by (author key, target sentAt). An item indexes under both
// its service-id and phone-number author keys, so a target resolved by either
// identity form drains it.
//
// The buffer is deliberately lossy-but-bounded: items are evicted after a TTL
// (30-day scale — a referenced message can legitimately take that long to
// sync, but never forever), after an attempt bound, or when the buffer is at
// capacity, each with a logged dropped-control-message event. Unbounded
// growth under a stream of never-resolving control messages would be worse.
package earlybuf

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/envelopeq/internal/types"
)

// AuthorRef carries the identity forms a target author may be known by.
type AuthorRef struct {
	ServiceID string
	Phone     string
}

// key indexes parked items by one author identity form plus target sentAt.
type key struct {
	author string
	sentAt int64
}

// parked is one buffered item plus its bookkeeping.
type parked struct {
	item types.PendingReconciliation
	keys []key
	elem *list.Element // position in age order
}

// Config bounds the buffer.
type Config struct {
	TTL           time.Duration
	MaxEntries    int
	MaxAttempts   int
	SweepInterval time.Duration
}

// Buffer is the shared early-arrival table.
//
// Park and TryResolve are atomic with respect to each other: a resolve cannot
// miss an item concurrently being parked for the same target.
type Buffer struct {
	log *slog.Logger
	cfg Config

	// onEvict, when non-nil, is called for every dropped item with the
	// eviction reason ("ttl", "attempts", "capacity").
	onEvict func(item types.PendingReconciliation, reason string)

	// onSize, when non-nil, publishes the current item count after changes.
	onSize func(n int64)

	mu    sync.Mutex
	byKey map[key][]*parked
	order *list.List // *parked in FirstSeenAt order, front = oldest

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Buffer. onEvict and onSize may be nil.
// Call Start to run the eviction sweeper and Stop when done.
func New(log *slog.Logger, cfg Config, onEvict func(types.PendingReconciliation, string), onSize func(int64)) *Buffer {
	return &Buffer{
		log:     log,
		cfg:     cfg,
		onEvict: onEvict,
		onSize:  onSize,
		byKey:   make(map[key][]*parked),
		order:   list.New(),
		done:    make(chan struct{}),
	}
}

// Park buffers item until its target arrives.
// At capacity the oldest item is evicted first: a fresh control message is
// more likely to resolve than one that has already waited longest.
func (b *Buffer) Park(item types.PendingReconciliation) {
	keys := itemKeys(item)
	if len(keys) == 0 {
		// No author key to ever match on; drop immediately rather than leak.
		b.log.Warn("earlybuf: dropping control message with no target author",
			"envelope", item.Payload.Identity, "kind", item.Kind.String())
		if b.onEvict != nil {
			b.onEvict(item, "no_target_author")
		}
		return
	}
	if item.FirstSeenAt == 0 {
		item.FirstSeenAt = time.Now().UnixMilli()
	}

	b.mu.Lock()
	for b.order.Len() >= b.cfg.MaxEntries {
		b.evictLocked(b.order.Front().Value.(*parked), "capacity")
	}
	p := &parked{item: item, keys: keys}
	p.elem = b.order.PushBack(p)
	for _, k := range keys {
		b.byKey[k] = append(b.byKey[k], p)
	}
	b.reportSizeLocked()
	b.mu.Unlock()
}

// TryResolve removes and returns every parked item whose target matches the
// author (by either identity form) and sentAt of a newly created or updated
// message. The caller applies the returned items immediately, in park order.
func (b *Buffer) TryResolve(author AuthorRef, sentAt int64) []types.PendingReconciliation {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []*parked
	if author.ServiceID != "" {
		matched = append(matched, b.takeLocked(key{author.ServiceID, sentAt})...)
	}
	if author.Phone != "" {
		matched = append(matched, b.takeLocked(key{author.Phone, sentAt})...)
	}
	if len(matched) == 0 {
		return nil
	}

	out := make([]types.PendingReconciliation, 0, len(matched))
	for _, p := range matched {
		out = append(out, p.item)
	}
	b.reportSizeLocked()
	return out
}

// Len returns the current number of parked items.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

// Start launches the background eviction sweeper.
func (b *Buffer) Start() {
	b.wg.Add(1)
	go b.sweepLoop()
}

// Stop shuts down the sweeper and waits for it to exit.
// Parked items are abandoned; durable state is unaffected.
func (b *Buffer) Stop() {
	select {
	case <-b.done:
		// already stopped
	default:
		close(b.done)
	}
	b.wg.Wait()
}

// ─── internals ───────────────────────────────────────────────────────────────

// takeLocked removes and returns every live item under k. Caller holds b.mu.
func (b *Buffer) takeLocked(k key) []*parked {
	items := b.byKey[k]
	if len(items) == 0 {
		return nil
	}
	delete(b.byKey, k)
	for _, p := range items {
		b.unlinkLocked(p)
	}
	return items
}

// unlinkLocked removes p from the age order and from its other index keys.
// Caller holds b.mu.
func (b *Buffer) unlinkLocked(p *parked) {
	if p.elem != nil {
		b.order.Remove(p.elem)
		p.elem = nil
	}
	for _, k := range p.keys {
		items := b.byKey[k]
		for i, other := range items {
			if other == p {
				b.byKey[k] = append(items[:i], items[i+1:]...)
				break
			}
		}
		if len(b.byKey[k]) == 0 {
			delete(b.byKey, k)
		}
	}
}

// evictLocked drops p with a logged dropped-control-message event.
// Caller holds b.mu.
func (b *Buffer) evictLocked(p *parked, reason string) {
	b.unlinkLocked(p)
	b.log.Warn("earlybuf: dropping control message",
		"envelope", p.item.Payload.Identity,
		"kind", p.item.Kind.String(),
		"target_sent_at", p.item.TargetSentAt,
		"attempts", p.item.Attempts,
		"reason", reason,
	)
	if b.onEvict != nil {
		b.onEvict(p.item, reason)
	}
}

func (b *Buffer) reportSizeLocked() {
	if b.onSize != nil {
		b.onSize(int64(b.order.Len()))
	}
}

func (b *Buffer) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweep(time.Now())
		}
	}
}

// sweep evicts items past the TTL and ages every survivor by one attempt, so
// MaxAttempts * SweepInterval acts as a secondary time bound even when the
// clock-based TTL is configured very large.
func (b *Buffer) sweep(now time.Time) {
	cutoff := now.Add(-b.cfg.TTL).UnixMilli()

	b.mu.Lock()
	var expired []*parked
	for el := b.order.Front(); el != nil; {
		p := el.Value.(*parked)
		el = el.Next()
		switch {
		case p.item.FirstSeenAt <= cutoff:
			expired = append(expired, p)
		case p.item.Attempts >= b.cfg.MaxAttempts:
			expired = append(expired, p)
		default:
			p.item.Attempts++
		}
	}
	for _, p := range expired {
		reason := "ttl"
		if p.item.FirstSeenAt > cutoff {
			reason = "attempts"
		}
		b.evictLocked(p, reason)
	}
	b.reportSizeLocked()
	b.mu.Unlock()
}

// itemKeys computes the index keys for item: one per known author identity form.
func itemKeys(item types.PendingReconciliation) []key {
	var keys []key
	if item.TargetServiceID != "" {
		keys = append(keys, key{item.TargetServiceID, item.TargetSentAt})
	}
	if item.TargetPhone != "" {
		keys = append(keys, key{item.TargetPhone, item.TargetSentAt})
	}
	return keys
}
