// Package dedup implements the deduplication ledger: the gate that ensures a
// given envelope identity is processed at most once.
//
// The ledger is a cache-aside structure: an in-memory LRU of recently seen
// identities in front of the persisted processed-envelope index, which is the
// ultimate source of truth after a process restart.
//
// Failure contract: if the persisted-store lookup fails, the ledger fails
// closed — the identity is NOT marked, no verdict is invented, and the caller
// retries the whole envelope later. Guessing either verdict risks a silent
// drop or double-processing.
package dedup

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snehjoshi/envelopeq/internal/store"
	"github.com/snehjoshi/envelopeq/internal/types"
)

// ErrCheckFailed means the ledger could not reach a verdict because the
// persisted-store lookup failed. The envelope must be retried; its identity
// has not been marked.
var ErrCheckFailed = errors.New("dedup: check failed")

// Verdict is the ledger's answer for one identity.
type Verdict uint8

const (
	// Fresh means this identity has never been seen; the caller now owns it
	// and must either process it to durability or Release it on a transient
	// failure so the retry is not self-deduplicated.
	Fresh Verdict = iota + 1
	// AlreadyProcessed means the identity was seen before; the envelope is a
	// re-delivery and must be dropped as a successful no-op.
	AlreadyProcessed
)

// entry is one LRU slot.
type entry struct {
	key    string
	seenAt time.Time
}

// Ledger answers "have we seen this envelope" with bounded memory.
// All methods are safe for concurrent use.
type Ledger struct {
	st         store.MessageStore
	maxEntries int
	maxAge     time.Duration

	mu    sync.Mutex
	order *list.List // *entry, front = oldest
	byKey map[string]*list.Element
}

// New creates a Ledger backed by st.
// maxEntries bounds the LRU; maxAge expires slots so restart-spanning truth
// always comes from the store.
func New(st store.MessageStore, maxEntries int, maxAge time.Duration) *Ledger {
	return &Ledger{
		st:         st,
		maxEntries: maxEntries,
		maxAge:     maxAge,
		order:      list.New(),
		byKey:      make(map[string]*list.Element),
	}
}

// CheckAndMark atomically checks and reserves an identity.
//
// Exactly one of any set of concurrent callers with the same identity
// observes Fresh: the reservation is inserted into the LRU under the ledger
// mutex before the store is consulted, so a racing caller sees
// AlreadyProcessed even while the first caller's store lookup is in flight.
//
// On a store lookup failure the reservation is rolled back and ErrCheckFailed
// is returned — fail closed, retry the envelope.
func (l *Ledger) CheckAndMark(ctx context.Context, id types.EnvelopeIdentity) (Verdict, error) {
	key := id.Key()

	l.mu.Lock()
	l.evictLocked(time.Now())
	if _, ok := l.byKey[key]; ok {
		l.mu.Unlock()
		return AlreadyProcessed, nil
	}
	l.insertLocked(key)
	l.mu.Unlock()

	seen, err := l.st.HasProcessed(ctx, id)
	if err != nil {
		// Unknown verdict: roll back the reservation so the retry can run.
		l.Release(id)
		return 0, fmt.Errorf("%w: %s: %v", ErrCheckFailed, id, err)
	}
	if seen {
		return AlreadyProcessed, nil
	}
	return Fresh, nil
}

// Release rolls back a reservation after a transient failure, making the
// identity eligible for a fresh check on retry. A no-op for identities the
// ledger does not hold.
func (l *Ledger) Release(id types.EnvelopeIdentity) {
	key := id.Key()

	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.byKey[key]; ok {
		l.order.Remove(el)
		delete(l.byKey, key)
	}
}

// Len returns the number of identities currently held in the LRU.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// insertLocked adds key at the back (newest). Caller must hold l.mu.
func (l *Ledger) insertLocked(key string) {
	el := l.order.PushBack(&entry{key: key, seenAt: time.Now()})
	l.byKey[key] = el

	for l.order.Len() > l.maxEntries {
		front := l.order.Front()
		l.order.Remove(front)
		delete(l.byKey, front.Value.(*entry).key)
	}
}

// evictLocked drops slots older than maxAge. Dropping from the LRU never
// loses the dedup guarantee: the store still answers for evicted identities.
// Caller must hold l.mu.
func (l *Ledger) evictLocked(now time.Time) {
	if l.maxAge <= 0 {
		return
	}
	for {
		front := l.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		if now.Sub(e.seenAt) <= l.maxAge {
			return
		}
		l.order.Remove(front)
		delete(l.byKey, e.key)
	}
}
