// Package store defines the persisted-store abstraction used by the engine.
//
// Design principle: the reconciliation engine (and every layer above it) must
// ONLY interact with durable state through this interface. Never touch the
// database directly. The store is the single source of truth after a process
// restart, which is why the dedup ledger falls back to it on LRU miss.
package store

import (
	"context"
	"errors"

	"github.com/snehjoshi/envelopeq/internal/types"
)

var (
	// ErrNotFound is returned when a record or contact does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrContention is the transient error class: the commit lost a race for
	// the underlying transaction and may be retried with backoff.
	ErrContention = errors.New("store: transient contention")

	// ErrConstraint signals an invariant violation inside a plan — an
	// upstream logic bug. Never retried; fatal for the plan.
	ErrConstraint = errors.New("store: constraint violation")
)

// MessageStore persists message records, the processed-envelope index, and
// the contact directory.
//
// All methods must be safe for concurrent use. ApplyPlan must be atomic:
// either every step of the plan is durable or none is.
type MessageStore interface {
	// GetMessage retrieves a record by local ID.
	// Returns ErrNotFound if it does not exist.
	GetMessage(ctx context.Context, id string) (*types.MessageRecord, error)

	// GetBySentAt retrieves the record matching the application-level lookup
	// key (conversationID, authorID, sentAt).
	// Returns ErrNotFound if it does not exist.
	GetBySentAt(ctx context.Context, conversationID, authorID string, sentAt int64) (*types.MessageRecord, error)

	// MessagesBySentAt retrieves every record with the given sentAt across
	// all conversations. Control messages synced from other devices do not
	// know the target's conversation, so the caller filters by author.
	MessagesBySentAt(ctx context.Context, sentAt int64) ([]*types.MessageRecord, error)

	// HasProcessed reports whether the envelope identity has been durably
	// marked processed. A returned error means the answer is unknown — the
	// caller must fail closed, never assume either verdict.
	HasProcessed(ctx context.Context, id types.EnvelopeIdentity) (bool, error)

	// ApplyPlan applies every step of the plan in a single transaction and
	// returns the message records that changed, in plan order.
	// Returns ErrContention when the transaction should be retried.
	ApplyPlan(ctx context.Context, plan *types.PersistencePlan) ([]*types.MessageRecord, error)

	// ContactByServiceID and ContactByPhone look up directory entries.
	// Both return ErrNotFound when absent.
	ContactByServiceID(ctx context.Context, serviceID string) (*types.Contact, error)
	ContactByPhone(ctx context.Context, phone string) (*types.Contact, error)

	// PutContact upserts a contact and its lookup keys.
	PutContact(ctx context.Context, c *types.Contact) error

	// Close flushes pending writes and releases resources.
	Close() error
}
