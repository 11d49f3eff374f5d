package commit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/envelopeq/internal/commit"
	"github.com/snehjoshi/envelopeq/internal/store"
	"github.com/snehjoshi/envelopeq/internal/types"
)

// ─── fake store ──────────────────────────────────────────────────────────────

// planStore is a MessageStore whose ApplyPlan behavior the test scripts:
// fail the first N attempts with a given error, optionally stall each call.
type planStore struct {
	mu       sync.Mutex
	failures int
	failWith error
	delay    time.Duration
	applied  atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func (s *planStore) ApplyPlan(_ context.Context, plan *types.PersistencePlan) ([]*types.MessageRecord, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		prev := s.maxSeen.Load()
		if n <= prev || s.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}

	s.mu.Lock()
	delay := s.delay
	var err error
	if s.failures > 0 {
		s.failures--
		err = s.failWith
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	s.applied.Add(1)
	return plan.Upserts(), nil
}

func (s *planStore) GetMessage(context.Context, string) (*types.MessageRecord, error) {
	return nil, store.ErrNotFound
}
func (s *planStore) GetBySentAt(context.Context, string, string, int64) (*types.MessageRecord, error) {
	return nil, store.ErrNotFound
}
func (s *planStore) MessagesBySentAt(context.Context, int64) ([]*types.MessageRecord, error) {
	return nil, nil
}
func (s *planStore) HasProcessed(context.Context, types.EnvelopeIdentity) (bool, error) {
	return false, nil
}
func (s *planStore) ContactByServiceID(context.Context, string) (*types.Contact, error) {
	return nil, store.ErrNotFound
}
func (s *planStore) ContactByPhone(context.Context, string) (*types.Contact, error) {
	return nil, store.ErrNotFound
}
func (s *planStore) PutContact(context.Context, *types.Contact) error { return nil }
func (s *planStore) Close() error                                     { return nil }

// ─── helpers ─────────────────────────────────────────────────────────────────

func newCoordinator(t *testing.T, st store.MessageStore) *commit.Coordinator {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return commit.New(log, st, commit.Config{
		MaxAttempts:    4,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
	})
}

func plan(conv string) *types.PersistencePlan {
	return &types.PersistencePlan{
		ConversationID: conv,
		Steps: []types.PlanStep{{
			Op: types.OpUpsertMessage,
			Record: &types.MessageRecord{
				ID:             "rec-1",
				ConversationID: conv,
				AuthorID:       "author-1",
				SentAt:         100,
				Type:           types.MessageIncoming,
			},
		}},
	}
}

// ─── Coordinator tests ───────────────────────────────────────────────────────

func TestCommit_Applies(t *testing.T) {
	st := &planStore{}
	c := newCoordinator(t, st)

	changed, err := c.Commit(context.Background(), plan("conv-1"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != "rec-1" {
		t.Fatalf("changed: want [rec-1], got %v", changed)
	}
	if st.applied.Load() != 1 {
		t.Errorf("applied: want 1, got %d", st.applied.Load())
	}
	// The lock is released afterwards.
	if c.Locks().Held("conv-1") {
		t.Error("conversation lock still held after commit")
	}
}

func TestCommit_NilAndEmptyPlansAreNoOps(t *testing.T) {
	st := &planStore{}
	c := newCoordinator(t, st)

	for _, p := range []*types.PersistencePlan{nil, {}} {
		changed, err := c.Commit(context.Background(), p)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if changed != nil {
			t.Errorf("changed: want nil, got %v", changed)
		}
	}
	if st.applied.Load() != 0 {
		t.Errorf("store touched for empty plan: %d applies", st.applied.Load())
	}
}

func TestCommit_RetriesContention(t *testing.T) {
	st := &planStore{failures: 2, failWith: store.ErrContention}
	c := newCoordinator(t, st)

	if _, err := c.Commit(context.Background(), plan("conv-1")); err != nil {
		t.Fatalf("Commit should succeed after retries: %v", err)
	}
	if st.applied.Load() != 1 {
		t.Errorf("applied: want 1, got %d", st.applied.Load())
	}
}

func TestCommit_ContentionExhaustsAttempts(t *testing.T) {
	st := &planStore{failures: 100, failWith: store.ErrContention}
	c := newCoordinator(t, st)

	_, err := c.Commit(context.Background(), plan("conv-1"))
	if !errors.Is(err, store.ErrContention) {
		t.Fatalf("want wrapped ErrContention after exhaustion, got %v", err)
	}
}

func TestCommit_ConstraintNeverRetried(t *testing.T) {
	st := &planStore{failures: 100, failWith: store.ErrConstraint}
	c := newCoordinator(t, st)

	_, err := c.Commit(context.Background(), plan("conv-1"))
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("want ErrConstraint, got %v", err)
	}
	// failures started at 100; exactly one attempt consumed one.
	st.mu.Lock()
	remaining := st.failures
	st.mu.Unlock()
	if remaining != 99 {
		t.Errorf("attempts: want exactly 1, got %d", 100-remaining)
	}
}

func TestCommit_SameConversationSerializes(t *testing.T) {
	st := &planStore{delay: 30 * time.Millisecond}
	c := newCoordinator(t, st)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Commit(context.Background(), plan("conv-1")); err != nil {
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := st.maxSeen.Load(); max != 1 {
		t.Fatalf("same-conversation commits overlapped: max in-flight %d", max)
	}
}

func TestCommit_DifferentConversationsOverlap(t *testing.T) {
	st := &planStore{delay: 50 * time.Millisecond}
	c := newCoordinator(t, st)

	var wg sync.WaitGroup
	for _, conv := range []string{"conv-a", "conv-b", "conv-c"} {
		wg.Add(1)
		go func(conv string) {
			defer wg.Done()
			if _, err := c.Commit(context.Background(), plan(conv)); err != nil {
				t.Errorf("Commit %s: %v", conv, err)
			}
		}(conv)
	}
	wg.Wait()

	if max := st.maxSeen.Load(); max < 2 {
		t.Errorf("independent conversations never overlapped (max in-flight %d)", max)
	}
}

// ─── LockTable tests ─────────────────────────────────────────────────────────

func TestLockTable_AcquireAndRelease(t *testing.T) {
	lt := commit.NewLockTable()

	release, err := lt.Acquire(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !lt.Held("conv-1") {
		t.Fatal("lock not reported held")
	}
	release()
	if lt.Held("conv-1") {
		t.Fatal("lock still held after release")
	}

	// Double release must be harmless.
	release()
}

func TestLockTable_AcquireCancelledWhileWaiting(t *testing.T) {
	lt := commit.NewLockTable()

	release, err := lt.Acquire(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lt.Acquire(ctx, "conv-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}

	// The failed waiter must not have leaked a reference that blocks reuse.
	release()
	release2, err := lt.Acquire(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Acquire after cancelled waiter: %v", err)
	}
	release2()
}
