package reconcile_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/snehjoshi/envelopeq/internal/directory"
	"github.com/snehjoshi/envelopeq/internal/earlybuf"
	"github.com/snehjoshi/envelopeq/internal/reconcile"
	"github.com/snehjoshi/envelopeq/internal/store/bolt"
	"github.com/snehjoshi/envelopeq/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fixture struct {
	st     *bolt.Store
	buf    *earlybuf.Buffer
	engine *reconcile.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := bolt.Open(t.TempDir())
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	buf := earlybuf.New(log, earlybuf.Config{
		TTL:           time.Hour,
		MaxEntries:    100,
		MaxAttempts:   100,
		SweepInterval: time.Minute,
	}, nil, nil)

	dir := directory.New(log, st)
	return &fixture{
		st:     st,
		buf:    buf,
		engine: reconcile.New(log, st, dir, buf),
	}
}

// commit applies out.Plan so the next reconciliation sees the durable state,
// standing in for the persistence coordinator.
func (f *fixture) commit(t *testing.T, out *reconcile.Outcome) []*types.MessageRecord {
	t.Helper()
	if out.Plan == nil {
		t.Fatal("commit: outcome has no plan")
	}
	changed, err := f.st.ApplyPlan(context.Background(), out.Plan)
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	return changed
}

// reconcile runs p and asserts a plan was emitted.
func (f *fixture) reconcile(t *testing.T, p types.DecryptedPayload) *reconcile.Outcome {
	t.Helper()
	out := f.engine.Reconcile(context.Background(), p)
	if out.State != types.StatePlanEmitted {
		t.Fatalf("Reconcile: want StatePlanEmitted, got %v (reason %v)", out.State, out.Reason)
	}
	return out
}

func dataPayload(svcID string, sentAt int64, body string) types.DecryptedPayload {
	return types.DecryptedPayload{
		Identity: types.EnvelopeIdentity{
			SourceServiceID: svcID,
			SourceDeviceID:  1,
			ClientTimestamp: sentAt,
		},
		Kind:           types.KindDataMessage,
		ConversationID: "conv-1",
		Body:           body,
	}
}

// controlPayload builds a sync control message from our own linked device
// targeting (targetSvc, targetSentAt).
func controlPayload(kind types.ControlKind, targetSvc string, targetSentAt int64, body string) types.DecryptedPayload {
	return types.DecryptedPayload{
		Identity: types.EnvelopeIdentity{
			SourceServiceID: "svc-self",
			SourceDeviceID:  2,
			ClientTimestamp: time.Now().UnixMilli(),
		},
		Kind:            types.KindSyncMessage,
		Control:         kind,
		ConversationID:  "conv-1",
		Body:            body,
		TargetServiceID: targetSvc,
		TargetSentAt:    targetSentAt,
	}
}

// ─── data message tests ──────────────────────────────────────────────────────

func TestReconcile_DataMessageCreatesRecord(t *testing.T) {
	f := newFixture(t)

	out := f.reconcile(t, dataPayload("svc-alice", 100, "hi there"))
	if !out.Created {
		t.Error("want Created")
	}

	changed := f.commit(t, out)
	if len(changed) != 1 {
		t.Fatalf("changed: want 1 record, got %d", len(changed))
	}
	rec := changed[0]
	if rec.Body != "hi there" || rec.Type != types.MessageIncoming || rec.SentAt != 100 {
		t.Errorf("record mismatch: %+v", rec)
	}
}

func TestReconcile_SyncContentIsOutgoing(t *testing.T) {
	f := newFixture(t)

	p := dataPayload("svc-self", 100, "sent elsewhere")
	p.Kind = types.KindSyncMessage
	out := f.reconcile(t, p)

	rec := f.commit(t, out)[0]
	if rec.Type != types.MessageOutgoing {
		t.Errorf("sync content: want outgoing record, got %v", rec.Type)
	}
}

func TestReconcile_RedeliveryDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	p := dataPayload("svc-alice", 100, "hello")

	first := f.reconcile(t, p)
	f.commit(t, first)

	// Same (author, sentAt) delivered again: merged, not re-created.
	second := f.reconcile(t, p)
	if second.Created {
		t.Error("re-delivery must not create a second record")
	}
	rec := f.commit(t, second)[0]
	if rec.ID != first.Plan.Upserts()[0].ID {
		t.Errorf("re-delivery produced a different record: %s vs %s",
			rec.ID, first.Plan.Upserts()[0].ID)
	}
}

func TestReconcile_RedeliveryNeverUnErases(t *testing.T) {
	f := newFixture(t)

	f.commit(t, f.reconcile(t, dataPayload("svc-alice", 100, "original")))
	f.commit(t, f.reconcile(t, controlPayload(types.ControlDeleteForEveryone, "svc-alice", 100, "")))

	// The original envelope arrives again after the erase.
	out := f.reconcile(t, dataPayload("svc-alice", 100, "original"))
	rec := f.commit(t, out)[0]
	if !rec.Erased {
		t.Fatal("re-delivery cleared the erased flag")
	}
	if rec.Body != "" {
		t.Fatalf("re-delivery restored erased body: %q", rec.Body)
	}
}

func TestReconcile_TransientKindsEmitEmptyPlan(t *testing.T) {
	f := newFixture(t)

	for _, kind := range []types.PayloadKind{types.KindTypingMessage, types.KindNullMessage} {
		p := dataPayload("svc-alice", 100, "")
		p.Kind = kind
		out := f.reconcile(t, p)
		if len(out.Plan.Steps) != 0 {
			t.Errorf("%v: want empty plan, got %d steps", kind, len(out.Plan.Steps))
		}
	}
}

// ─── control message tests ───────────────────────────────────────────────────

func TestReconcile_ControlAppliesToLandedTarget(t *testing.T) {
	f := newFixture(t)

	f.commit(t, f.reconcile(t, dataPayload("svc-alice", 100, "target")))

	out := f.reconcile(t, controlPayload(types.ControlViewSync, "svc-alice", 100, ""))
	if out.Parked {
		t.Fatal("control with a landed target must not park")
	}
	rec := f.commit(t, out)[0]
	if !rec.Viewed {
		t.Error("view sync not applied")
	}
}

func TestReconcile_EarlyControlParksAndDrains(t *testing.T) {
	f := newFixture(t)

	// The sender must exist so target lookup resolves the contact but finds
	// no message yet.
	f.commit(t, f.reconcile(t, dataPayload("svc-alice", 50, "earlier message")))

	early := f.reconcile(t, controlPayload(types.ControlViewSync, "svc-alice", 100, ""))
	if !early.Parked {
		t.Fatal("early control should park")
	}
	// Only the processed mark is durable; no conversation state changed.
	if len(early.Plan.Upserts()) != 0 {
		t.Fatalf("parked control plan should carry no upserts, got %d", len(early.Plan.Upserts()))
	}
	f.commit(t, early)
	if f.buf.Len() != 1 {
		t.Fatalf("buffer: want 1 parked item, got %d", f.buf.Len())
	}

	// The target lands; the parked view-sync rides its plan.
	landed := f.reconcile(t, dataPayload("svc-alice", 100, "the target"))
	if landed.Resolved != 1 {
		t.Fatalf("Resolved: want 1, got %d", landed.Resolved)
	}
	rec := f.commit(t, landed)[0]
	if !rec.Viewed {
		t.Error("drained view sync not applied to the landing message")
	}
	if rec.Body != "the target" {
		t.Errorf("body: want %q, got %q", "the target", rec.Body)
	}
	if f.buf.Len() != 0 {
		t.Errorf("buffer not drained: %d items", f.buf.Len())
	}
}

func TestReconcile_UnknownTargetAuthorParks(t *testing.T) {
	f := newFixture(t)

	// Nobody has ever heard of svc-ghost: no contact, no message. The control
	// message still parks rather than erroring; the author may sync later.
	out := f.reconcile(t, controlPayload(types.ControlViewSync, "svc-ghost", 100, ""))
	if !out.Parked {
		t.Fatal("control for unknown author should park")
	}
}

func TestReconcile_DeleteAndViewOrderIndependent(t *testing.T) {
	run := func(t *testing.T, first, second types.ControlKind) *types.MessageRecord {
		f := newFixture(t)
		f.commit(t, f.reconcile(t, dataPayload("svc-alice", 100, "content")))
		f.commit(t, f.reconcile(t, controlPayload(first, "svc-alice", 100, "")))
		out := f.reconcile(t, controlPayload(second, "svc-alice", 100, ""))
		return f.commit(t, out)[0]
	}

	deleteFirst := run(t, types.ControlDeleteForEveryone, types.ControlViewSync)
	viewFirst := run(t, types.ControlViewSync, types.ControlDeleteForEveryone)

	for name, rec := range map[string]*types.MessageRecord{
		"delete then view": deleteFirst,
		"view then delete": viewFirst,
	} {
		if !rec.Erased {
			t.Errorf("%s: want erased", name)
		}
		if !rec.Viewed {
			t.Errorf("%s: want viewed — the flags are independent", name)
		}
		if rec.Body != "" {
			t.Errorf("%s: body survived erasure: %q", name, rec.Body)
		}
	}
}

func TestReconcile_ReactionRules(t *testing.T) {
	f := newFixture(t)

	f.commit(t, f.reconcile(t, dataPayload("svc-alice", 100, "content")))

	// Add a reaction.
	out := f.reconcile(t, controlPayload(types.ControlReaction, "svc-alice", 100, "👍"))
	rec := f.commit(t, out)[0]
	if len(rec.Reactions) != 1 {
		t.Fatalf("reactions: want 1, got %d", len(rec.Reactions))
	}

	// Empty body removes it.
	out = f.reconcile(t, controlPayload(types.ControlReaction, "svc-alice", 100, ""))
	rec = f.commit(t, out)[0]
	if rec.Reactions != nil {
		t.Fatalf("reactions after removal: want nil, got %v", rec.Reactions)
	}

	// Reactions on an erased message no-op.
	f.commit(t, f.reconcile(t, controlPayload(types.ControlDeleteForEveryone, "svc-alice", 100, "")))
	out = f.reconcile(t, controlPayload(types.ControlReaction, "svc-alice", 100, "🔥"))
	rec = f.commit(t, out)[0]
	if rec.Reactions != nil {
		t.Fatalf("reaction landed on erased message: %v", rec.Reactions)
	}
}

func TestReconcile_ReceiptTiersOnlyEscalate(t *testing.T) {
	f := newFixture(t)

	f.commit(t, f.reconcile(t, dataPayload("svc-alice", 100, "content")))

	receipt := func(kind types.ReceiptKind) types.DecryptedPayload {
		p := controlPayload(types.ControlReceipt, "svc-alice", 100, "")
		p.Receipt = kind
		return p
	}

	rec := f.commit(t, f.reconcile(t, receipt(types.ReceiptView)))[0]
	if len(rec.Receipts) != 1 {
		t.Fatalf("receipts: want 1 entry, got %d", len(rec.Receipts))
	}
	var senderID string
	for id := range rec.Receipts {
		senderID = id
	}
	if rec.Receipts[senderID] != types.ReceiptView {
		t.Fatalf("receipt tier: want view, got %v", rec.Receipts[senderID])
	}

	// A late delivery receipt must not downgrade the view tier.
	rec = f.commit(t, f.reconcile(t, receipt(types.ReceiptDelivery)))[0]
	if rec.Receipts[senderID] != types.ReceiptView {
		t.Errorf("delivery receipt downgraded view tier to %v", rec.Receipts[senderID])
	}
}

func TestReconcile_PinAndUnpin(t *testing.T) {
	f := newFixture(t)

	f.commit(t, f.reconcile(t, dataPayload("svc-alice", 100, "content")))

	rec := f.commit(t, f.reconcile(t, controlPayload(types.ControlPinNotification, "svc-alice", 100, "pin")))[0]
	if !rec.Pinned {
		t.Fatal("want pinned")
	}
	rec = f.commit(t, f.reconcile(t, controlPayload(types.ControlPinNotification, "svc-alice", 100, "unpin")))[0]
	if rec.Pinned {
		t.Fatal("want unpinned")
	}
}

func TestReconcile_PollTerminateAndCallLink(t *testing.T) {
	f := newFixture(t)

	f.commit(t, f.reconcile(t, dataPayload("svc-alice", 100, "poll: lunch?")))

	rec := f.commit(t, f.reconcile(t, controlPayload(types.ControlPollTerminate, "svc-alice", 100, "")))[0]
	if !rec.PollClosed {
		t.Fatal("want poll closed")
	}

	rec = f.commit(t, f.reconcile(t, controlPayload(types.ControlCallLinkUpdate, "svc-alice", 100, "room-9")))[0]
	if rec.CallLinkRoomID != "room-9" {
		t.Fatalf("call link room: want room-9, got %q", rec.CallLinkRoomID)
	}
}

func TestReconcile_ControlWithoutTargetAuthorAborts(t *testing.T) {
	f := newFixture(t)

	p := controlPayload(types.ControlViewSync, "", 100, "")
	out := f.engine.Reconcile(context.Background(), p)
	if out.State != types.StateAborted || out.Reason != reconcile.AbortMalformed {
		t.Fatalf("want malformed abort, got %v/%v", out.State, out.Reason)
	}
	if out.Reason.Retryable() {
		t.Error("malformed abort must not be retryable")
	}
	// The plan still marks the identity so the envelope is not reprocessed.
	if out.Plan == nil || len(out.Plan.Steps) != 1 || out.Plan.Steps[0].Op != types.OpMarkProcessed {
		t.Fatalf("want mark-only plan, got %+v", out.Plan)
	}
}

func TestReconcile_ConcurrentControlsDoNotLoseUpdates(t *testing.T) {
	f := newFixture(t)

	f.commit(t, f.reconcile(t, dataPayload("svc-alice", 100, "content")))

	react := func(svc, emoji string) types.DecryptedPayload {
		p := controlPayload(types.ControlReaction, "svc-alice", 100, emoji)
		p.Identity.SourceServiceID = svc
		return p
	}

	// Two workers reconcile reactions from different senders against the same
	// committed state; neither plan has committed when the other is emitted.
	first := f.reconcile(t, react("svc-bob", "👍"))
	second := f.reconcile(t, react("svc-carol", "🔥"))

	// Whichever commits second must not overwrite the first sender's reaction:
	// the upsert merges against the stored record, not the emitted snapshot.
	f.commit(t, first)
	rec := f.commit(t, second)[0]
	if len(rec.Reactions) != 2 {
		t.Fatalf("reactions: want 2 (one per sender), got %d: %v", len(rec.Reactions), rec.Reactions)
	}
}

func TestReconcile_ReparkedDrainsApplyOnRetry(t *testing.T) {
	f := newFixture(t)

	f.commit(t, f.reconcile(t, dataPayload("svc-alice", 50, "so the contact exists")))
	f.commit(t, f.reconcile(t, controlPayload(types.ControlViewSync, "svc-alice", 100, "")))

	// The target lands and drains the parked view-sync, but its commit fails:
	// the drained item now exists only in the discarded plan.
	landed := f.reconcile(t, dataPayload("svc-alice", 100, "the target"))
	if landed.Resolved != 1 {
		t.Fatalf("Resolved: want 1, got %d", landed.Resolved)
	}
	if f.buf.Len() != 0 {
		t.Fatalf("buffer after drain: want 0, got %d", f.buf.Len())
	}

	f.engine.Repark(landed.Drained)
	if f.buf.Len() != 1 {
		t.Fatalf("buffer after repark: want 1, got %d", f.buf.Len())
	}

	retry := f.reconcile(t, dataPayload("svc-alice", 100, "the target"))
	if retry.Resolved != 1 {
		t.Fatalf("Resolved on retry: want 1, got %d", retry.Resolved)
	}
	rec := f.commit(t, retry)[0]
	if !rec.Viewed {
		t.Error("view-sync lost across the failed commit")
	}
}

func TestReconcile_MultipleEarlyArrivalsDrainInParkOrder(t *testing.T) {
	f := newFixture(t)

	f.commit(t, f.reconcile(t, dataPayload("svc-alice", 50, "so the contact exists")))

	// Reaction parked first, then the delete: after drain the delete's
	// erasure wins because it applies later, clearing the reaction.
	f.commit(t, f.reconcile(t, controlPayload(types.ControlReaction, "svc-alice", 100, "👍")))
	f.commit(t, f.reconcile(t, controlPayload(types.ControlDeleteForEveryone, "svc-alice", 100, "")))
	if f.buf.Len() != 2 {
		t.Fatalf("buffer: want 2 parked, got %d", f.buf.Len())
	}

	landed := f.reconcile(t, dataPayload("svc-alice", 100, "the target"))
	if landed.Resolved != 2 {
		t.Fatalf("Resolved: want 2, got %d", landed.Resolved)
	}
	rec := f.commit(t, landed)[0]
	if !rec.Erased || rec.Reactions != nil || rec.Body != "" {
		t.Errorf("drained state mismatch: %+v", rec)
	}
}
