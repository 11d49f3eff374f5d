package commit

import (
	"context"
	"sync"
)

// convLock is one conversation's mutual-exclusion token. The buffered channel
// of capacity 1 acts as a mutex that supports context-aware acquisition.
type convLock struct {
	ch   chan struct{}
	refs int
}

// LockTable hands out per-conversation write locks.
//
// Invariants:
//   - At most one holder per conversation ID at a time.
//   - A lock exists in the table only while held or awaited (refcounted), so
//     the table does not grow with the number of conversations ever seen.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

// NewLockTable creates an empty table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*convLock)}
}

// Acquire blocks until the conversation lock is held or ctx is cancelled.
// On success it returns a release function that must be called on every exit
// path; calling it more than once is harmless.
func (t *LockTable) Acquire(ctx context.Context, conversationID string) (release func(), err error) {
	t.mu.Lock()
	l, ok := t.locks[conversationID]
	if !ok {
		l = &convLock{ch: make(chan struct{}, 1)}
		t.locks[conversationID] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		// Lock acquired.
	case <-ctx.Done():
		t.unref(conversationID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			t.unref(conversationID, l)
		})
	}, nil
}

// Held reports whether the conversation lock is currently taken.
// Intended for tests.
func (t *LockTable) Held(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[conversationID]
	return ok && len(l.ch) == 1
}

// unref drops one reference and removes the lock when unused.
func (t *LockTable) unref(conversationID string, l *convLock) {
	t.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, conversationID)
	}
	t.mu.Unlock()
}
