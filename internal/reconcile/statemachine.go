package reconcile

// statemachine.go — per-envelope lifecycle state transition rules.
//
// State diagram:
//
//	DECRYPTED ──► IDENTITY_RESOLVED ──► MERGED ──► PLAN_EMITTED ──► COMMITTED
//	     │                │                │             │
//	     └────────────────┴────────────────┴─────────────┴──────► ABORTED(reason)
//
// States are per envelope, not per conversation: two envelopes for the same
// conversation advance through these states independently and only serialize
// at the conversation write lock.

import "github.com/snehjoshi/envelopeq/internal/types"

// ValidTransition reports whether the transition from → to is a legal state
// change for an envelope.
//
// Used defensively in tests; production code drives transitions through the
// Engine and the persistence coordinator, which already enforce the order.
func ValidTransition(from, to types.EnvelopeState) bool {
	if to == types.StateAborted {
		// ABORTED is reachable from any non-terminal state.
		return from != types.StateCommitted && from != types.StateAborted
	}
	switch from {
	case types.StateDecrypted:
		return to == types.StateIdentityResolved
	case types.StateIdentityResolved:
		return to == types.StateMerged
	case types.StateMerged:
		return to == types.StatePlanEmitted
	case types.StatePlanEmitted:
		return to == types.StateCommitted
	case types.StateCommitted, types.StateAborted:
		// Terminal states.
		return false
	}
	return false
}
