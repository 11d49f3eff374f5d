// Package reconcile is the core state machine of the envelope engine: it
// takes one decrypted payload, resolves its author, merges it against
// existing conversation state (draining any early arrivals that now match),
// and emits an idempotent persistence plan. Plans carry control operations as
// data mutations, re-applied against the stored record inside the commit
// transaction, so reconciling against a snapshot that has since moved on
// cannot lose a concurrently committed update.
//
// The engine never writes durable state itself and never holds any lock
// across its work — the persistence coordinator owns both. It must tolerate
// out-of-order arrival: control messages whose target has not landed are
// parked in the early-arrival buffer, which is the expected case, not an
// error.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/snehjoshi/envelopeq/internal/directory"
	"github.com/snehjoshi/envelopeq/internal/earlybuf"
	"github.com/snehjoshi/envelopeq/internal/ids"
	"github.com/snehjoshi/envelopeq/internal/store"
	"github.com/snehjoshi/envelopeq/internal/types"
)

// maxDrainDepth bounds the park/resolve recursion so a pathological chain of
// mutually-resolving control messages cannot spin a worker forever.
const maxDrainDepth = 8

// AbortReason classifies a terminal reconciliation failure.
type AbortReason uint8

const (
	AbortNone AbortReason = iota
	// AbortStoreUnavailable: a store read failed. The envelope is retried
	// with backoff; its dedup identity has not been durably marked.
	AbortStoreUnavailable
	// AbortMalformed: the payload is semantically invalid (e.g. a control
	// message with no target author). Terminal for the envelope; its identity
	// is still marked so a decryptable-but-malformed payload is not
	// reprocessed forever.
	AbortMalformed
)

// String returns a human-readable representation of the reason.
func (r AbortReason) String() string {
	switch r {
	case AbortNone:
		return "none"
	case AbortStoreUnavailable:
		return "store_unavailable"
	case AbortMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Retryable reports whether the envelope should be re-enqueued.
func (r AbortReason) Retryable() bool { return r == AbortStoreUnavailable }

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	// State is StatePlanEmitted on success, StateAborted otherwise.
	State  types.EnvelopeState
	Reason AbortReason

	// Plan is the idempotent mutation set to commit. Non-nil on success and
	// on AbortMalformed (where it still marks the identity processed).
	Plan *types.PersistencePlan

	// Parked reports that a control message was buffered awaiting its target.
	Parked bool

	// Created reports that a new message record was materialized.
	Created bool

	// Resolved counts early arrivals drained and applied in this pass.
	Resolved int

	// Drained holds the early arrivals whose mutations ride Plan. They are no
	// longer in the buffer; when the commit fails the caller must hand them
	// back via Repark or they are lost.
	Drained []types.PendingReconciliation
}

// Engine performs reconciliation. All methods are safe for concurrent use;
// per-conversation write ordering is the coordinator's job, not the engine's.
type Engine struct {
	log *slog.Logger
	st  store.MessageStore
	dir *directory.Directory
	buf *earlybuf.Buffer
}

// New creates an Engine.
func New(log *slog.Logger, st store.MessageStore, dir *directory.Directory, buf *earlybuf.Buffer) *Engine {
	return &Engine{log: log, st: st, dir: dir, buf: buf}
}

// Reconcile runs one payload through the state machine:
// identity resolution → dispatch by kind → merge (+ early-arrival drain) →
// plan emission. It never commits; the caller owns the plan.
func (e *Engine) Reconcile(ctx context.Context, p types.DecryptedPayload) *Outcome {
	switch p.Kind {
	case types.KindTypingMessage, types.KindNullMessage:
		// Transient kinds: nothing durable, nothing to mark. An empty plan
		// lets the pipeline count the envelope as processed.
		return &Outcome{State: types.StatePlanEmitted, Plan: &types.PersistencePlan{}}
	}

	author, err := e.dir.Resolve(ctx, p.Identity.SourceServiceID, p.SourcePhone)
	if err != nil {
		return e.abortStore(p, "resolve author", err)
	}

	if p.IsControl() {
		return e.reconcileControl(ctx, p, author)
	}

	switch p.Kind {
	case types.KindDataMessage, types.KindSyncMessage:
		return e.reconcileData(ctx, p, author)
	default:
		// Call signaling without a control operation is consumed by the
		// calling UI outside this engine; mark and move on.
		return &Outcome{State: types.StatePlanEmitted, Plan: markOnlyPlan(p.Identity)}
	}
}

// ─── data messages ───────────────────────────────────────────────────────────

// reconcileData materializes or merges a content-bearing message.
func (e *Engine) reconcileData(ctx context.Context, p types.DecryptedPayload, author *types.Contact) *Outcome {
	out := &Outcome{}

	rec, err := e.st.GetBySentAt(ctx, p.ConversationID, author.ID, p.Identity.ClientTimestamp)
	switch {
	case err == nil:
		// Re-delivery racing another path: merge non-destructively. An
		// already-erased message must never be un-erased, and a body
		// difference on the same identity is ignored, not treated as an edit.
		rec = rec.Clone()
		if !rec.Erased && rec.Body == "" {
			rec.Body = p.Body
		}
	case errors.Is(err, store.ErrNotFound):
		msgType := types.MessageIncoming
		if p.Kind == types.KindSyncMessage {
			// A content-bearing sync is our own sent message from another device.
			msgType = types.MessageOutgoing
		}
		rec = &types.MessageRecord{
			ID:             ids.MustNew(),
			ConversationID: p.ConversationID,
			AuthorID:       author.ID,
			SentAt:         p.Identity.ClientTimestamp,
			ReceivedAt:     time.Now().UnixMilli(),
			Type:           msgType,
			Body:           p.Body,
		}
		out.Created = true
	default:
		return e.abortStore(p, "lookup by sent_at", err)
	}

	// Inbound content confirms the sender's account is live.
	if p.Kind == types.KindDataMessage {
		if err := e.dir.MarkActive(ctx, author); err != nil {
			return e.abortStore(p, "mark author active", err)
		}
	}

	muts, drained, err := e.drainEarly(ctx, rec, earlybuf.AuthorRef{ServiceID: author.ServiceID, Phone: author.Phone})
	if err != nil {
		return e.abortStore(p, "drain early arrivals", err)
	}
	out.Resolved = len(drained)
	out.Drained = drained

	out.State = types.StatePlanEmitted
	out.Plan = upsertPlan(p.Identity, rec, muts)
	return out
}

// ─── control messages ────────────────────────────────────────────────────────

// reconcileControl applies a control operation to its target message, or
// parks it when the target has not been materialized yet.
func (e *Engine) reconcileControl(ctx context.Context, p types.DecryptedPayload, sender *types.Contact) *Outcome {
	if p.TargetServiceID == "" && p.TargetPhone == "" {
		e.log.Error("reconcile: control message without target author",
			"envelope", p.Identity, "kind", p.Control.String())
		return &Outcome{
			State:  types.StateAborted,
			Reason: AbortMalformed,
			Plan:   markOnlyPlan(p.Identity),
		}
	}

	rec, targetRef, out := e.findTarget(ctx, p)
	if out != nil {
		return out
	}
	if rec == nil {
		// Expected early arrival: the target has not landed yet.
		e.buf.Park(types.PendingReconciliation{
			Kind:            p.Control,
			Receipt:         p.Receipt,
			TargetServiceID: p.TargetServiceID,
			TargetPhone:     p.TargetPhone,
			TargetSentAt:    p.TargetSentAt,
			Payload:         p,
			FirstSeenAt:     time.Now().UnixMilli(),
		})
		return &Outcome{
			State:  types.StatePlanEmitted,
			Plan:   markOnlyPlan(p.Identity),
			Parked: true,
		}
	}

	rec = rec.Clone()
	own := types.ControlMutation{Kind: p.Control, Receipt: p.Receipt, SenderID: sender.ID, Body: p.Body}

	muts, drained, err := e.drainEarly(ctx, rec, targetRef)
	if err != nil {
		return e.abortStore(p, "drain early arrivals", err)
	}

	return &Outcome{
		State:    types.StatePlanEmitted,
		Plan:     upsertPlan(p.Identity, rec, append([]types.ControlMutation{own}, muts...)),
		Resolved: len(drained),
		Drained:  drained,
	}
}

// findTarget resolves the control target's contact and locates the referenced
// message. Returns (nil, ref, nil) when the target simply has not arrived.
// The sentAt lookup spans all conversations because a sync control message's
// target may live in a conversation other than the envelope's own.
func (e *Engine) findTarget(ctx context.Context, p types.DecryptedPayload) (*types.MessageRecord, earlybuf.AuthorRef, *Outcome) {
	ref := earlybuf.AuthorRef{ServiceID: p.TargetServiceID, Phone: p.TargetPhone}

	target, err := e.dir.Lookup(ctx, p.TargetServiceID, p.TargetPhone)
	if err != nil {
		return nil, ref, e.abortStore(p, "lookup target author", err)
	}
	if target == nil {
		return nil, ref, nil
	}
	// Index under every identity form the target is known by, so later
	// arrivals matching the other form still drain this item's siblings.
	ref = earlybuf.AuthorRef{ServiceID: target.ServiceID, Phone: target.Phone}

	candidates, err := e.st.MessagesBySentAt(ctx, p.TargetSentAt)
	if err != nil {
		return nil, ref, e.abortStore(p, "lookup target message", err)
	}

	var match *types.MessageRecord
	for _, cand := range candidates {
		if cand.AuthorID != target.ID {
			continue
		}
		if match != nil {
			// SentAt may collide across conversations for the same author
			// only when clocks misbehave; take the first deterministically.
			e.log.Warn("reconcile: multiple messages match control target",
				"envelope", p.Identity,
				"target_sent_at", p.TargetSentAt,
				"picked", match.ID, "ignored", cand.ID)
			continue
		}
		match = cand
	}
	return match, ref, nil
}

// ─── early-arrival drain ─────────────────────────────────────────────────────

// drainEarly removes every parked control message that now matches rec and
// returns its mutations in park order, repeating up to maxDrainDepth rounds in
// case resolutions race new parks. The mutations ride the same persistence
// plan as the triggering envelope, so a parked view-sync and its data message
// commit in one transaction; the removed items come back too, so a failed
// commit can return them with Repark.
func (e *Engine) drainEarly(ctx context.Context, rec *types.MessageRecord, ref earlybuf.AuthorRef) ([]types.ControlMutation, []types.PendingReconciliation, error) {
	var muts []types.ControlMutation
	var drained []types.PendingReconciliation
	for depth := 0; depth < maxDrainDepth; depth++ {
		items := e.buf.TryResolve(ref, rec.SentAt)
		if len(items) == 0 {
			return muts, drained, nil
		}
		for i, item := range items {
			sender, err := e.dir.Resolve(ctx, item.Payload.Identity.SourceServiceID, item.Payload.SourcePhone)
			if err != nil {
				// The plan never commits on this path: put every removed item
				// back, not just the unprocessed tail, so the retry sees the
				// full set.
				e.Repark(append(drained, items[i:]...))
				return nil, nil, err
			}
			muts = append(muts, types.ControlMutation{
				Kind:     item.Kind,
				Receipt:  item.Receipt,
				SenderID: sender.ID,
				Body:     item.Payload.Body,
			})
			drained = append(drained, item)
			e.log.Info("reconcile: drained early arrival",
				"envelope", item.Payload.Identity,
				"kind", item.Kind.String(),
				"message_id", rec.ID)
		}
	}
	return muts, drained, nil
}

// Repark returns drained items to the early-arrival buffer. Called when the
// plan carrying their mutations failed to commit; the items exist nowhere else
// at that point, and their envelope identities were already durably marked at
// park time, so transport redelivery cannot restore them either.
func (e *Engine) Repark(items []types.PendingReconciliation) {
	for _, item := range items {
		e.buf.Park(item)
	}
}

// ─── plan helpers ────────────────────────────────────────────────────────────

// upsertPlan merges rec and muts into the store and marks the envelope
// identity processed, in order.
func upsertPlan(id types.EnvelopeIdentity, rec *types.MessageRecord, muts []types.ControlMutation) *types.PersistencePlan {
	return &types.PersistencePlan{
		ConversationID: rec.ConversationID,
		Steps: []types.PlanStep{
			{Op: types.OpUpsertMessage, Record: rec, Mutations: muts},
			{Op: types.OpMarkProcessed, Identity: id},
		},
	}
}

// markOnlyPlan records only that the envelope was processed. Used for parked
// control messages and for terminal-but-decryptable payloads.
func markOnlyPlan(id types.EnvelopeIdentity) *types.PersistencePlan {
	return &types.PersistencePlan{
		Steps: []types.PlanStep{{Op: types.OpMarkProcessed, Identity: id}},
	}
}

// abortStore logs and wraps a store failure as a retryable abort.
func (e *Engine) abortStore(p types.DecryptedPayload, op string, err error) *Outcome {
	e.log.Warn("reconcile: store unavailable",
		"envelope", p.Identity, "op", op, "err", err)
	return &Outcome{State: types.StateAborted, Reason: AbortStoreUnavailable}
}
