// Package commit is the persistence coordinator: it applies persistence
// plans transactionally, serializing all writes to a given conversation
// behind a write lock, and retrying transient store contention with capped
// exponential backoff.
//
// The lock is acquired after identity resolution and held only around the
// store transaction — never across a decrypt or transport call.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/snehjoshi/envelopeq/internal/store"
	"github.com/snehjoshi/envelopeq/internal/types"
)

// Config tunes the coordinator.
type Config struct {
	// MaxAttempts bounds retries on store.ErrContention.
	MaxAttempts int
	// BaseBackoff and MaxBackoff bound the exponential retry delay.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// AttemptTimeout caps a single store transaction.
	AttemptTimeout time.Duration
}

// Coordinator applies plans. All methods are safe for concurrent use; two
// plans for different conversations commit concurrently, two plans for the
// same conversation serialize on its write lock.
type Coordinator struct {
	log   *slog.Logger
	st    store.MessageStore
	locks *LockTable
	cfg   Config
}

// New creates a Coordinator with its own lock table.
func New(log *slog.Logger, st store.MessageStore, cfg Config) *Coordinator {
	return &Coordinator{
		log:   log,
		st:    st,
		locks: NewLockTable(),
		cfg:   cfg,
	}
}

// Locks exposes the lock table for tests that assert serialization.
func (c *Coordinator) Locks() *LockTable { return c.locks }

// Commit applies plan and returns the message records that changed.
//
// Error contract:
//   - store.ErrContention: retried internally up to MaxAttempts; returned
//     wrapped once exhausted (the envelope-level retry takes over).
//   - store.ErrConstraint: an upstream logic bug; returned immediately,
//     never retried.
//   - anything else: returned immediately; treated upstream as a transient
//     store failure.
func (c *Coordinator) Commit(ctx context.Context, plan *types.PersistencePlan) ([]*types.MessageRecord, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, nil
	}

	// Plans that mutate no conversation state (mark-processed only) need no
	// write lock; there is no ordering to protect.
	if plan.ConversationID != "" {
		release, err := c.locks.Acquire(ctx, plan.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("commit: acquire conversation lock: %w", err)
		}
		defer release()
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		changed, err := c.st.ApplyPlan(actx, plan)
		cancel()

		if err == nil {
			return changed, nil
		}
		if errors.Is(err, store.ErrConstraint) {
			c.log.Error("commit: constraint violation, not retrying",
				"conversation_id", plan.ConversationID, "err", err)
			return nil, err
		}
		if !errors.Is(err, store.ErrContention) {
			return nil, err
		}

		lastErr = err
		delay := backoff(c.cfg.BaseBackoff, c.cfg.MaxBackoff, attempt)
		c.log.Warn("commit: transient contention, backing off",
			"conversation_id", plan.ConversationID,
			"attempt", attempt, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("commit: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("commit: %d attempts exhausted: %w", c.cfg.MaxAttempts, lastErr)
}

// backoff computes base·2^(attempt-1) capped at max, with ±25% jitter so
// retrying writers do not re-collide in lockstep.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}
