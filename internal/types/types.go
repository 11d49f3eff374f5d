// Package types contains the core domain types shared across all envelopeq
// internal packages. It deliberately has zero imports of other envelopeq
// packages so that the store layer and the engine layer can both import from
// it without creating import cycles.
package types

import "fmt"

// ─── Envelope identity ───────────────────────────────────────────────────────

// EnvelopeIdentity is the deduplication key for an inbound envelope.
//
// The protocol guarantees that ClientTimestamp is unique per sending device,
// so (SourceServiceID, SourceDeviceID, ClientTimestamp) identifies an envelope
// exactly once. The engine must never assume ClientTimestamp is unique across
// devices or accounts.
type EnvelopeIdentity struct {
	// SourceServiceID is the stable service identifier of the sending account.
	SourceServiceID string `json:"source_service_id"`

	// SourceDeviceID is the sending device number within that account.
	SourceDeviceID uint32 `json:"source_device_id"`

	// ClientTimestamp is the sender-assigned UTC millisecond timestamp.
	// Unique per sending device; doubles as the message sentAt.
	ClientTimestamp int64 `json:"client_timestamp"`
}

// Key returns the canonical string form used as a dedup/index key.
func (id EnvelopeIdentity) Key() string {
	return fmt.Sprintf("%s/%d/%d", id.SourceServiceID, id.SourceDeviceID, id.ClientTimestamp)
}

// String returns the identity in log-correlation form. Every log line about a
// specific envelope must include this value.
func (id EnvelopeIdentity) String() string { return id.Key() }

// IsZero reports whether the identity is the zero value.
func (id EnvelopeIdentity) IsZero() bool {
	return id.SourceServiceID == "" && id.SourceDeviceID == 0 && id.ClientTimestamp == 0
}

// ─── Envelope ────────────────────────────────────────────────────────────────

// Envelope is one opaque encrypted unit received from transport.
//
// Envelopes are transient: created at transport read, consumed exactly once by
// the decryption adapter, and never persisted in raw form.
type Envelope struct {
	Identity EnvelopeIdentity `json:"identity"`

	// SourcePhone is the sender's phone number when the transport knows it.
	// May be empty; service-id resolution always takes precedence.
	SourcePhone string `json:"source_phone,omitempty"`

	// ServerTimestamp is the UTC millisecond the server accepted the envelope.
	ServerTimestamp int64 `json:"server_timestamp"`

	// ConversationID is the local conversation the envelope is addressed to,
	// as resolved by the transport session layer.
	ConversationID string `json:"conversation_id"`

	// Ciphertext is the opaque encrypted payload. Owned by the decryption
	// collaborator; the engine never inspects it.
	Ciphertext []byte `json:"ciphertext"`

	// Attempt is the 1-based processing attempt number. Incremented each time
	// the envelope is re-enqueued after a transient failure.
	Attempt int `json:"attempt"`
}

// ─── Decrypted payload ───────────────────────────────────────────────────────

// PayloadKind tags the top-level message kind of a decrypted payload.
type PayloadKind uint8

const (
	// KindDataMessage carries new conversation content.
	KindDataMessage PayloadKind = iota
	// KindSyncMessage is a control event synced from another of our devices.
	KindSyncMessage
	// KindReceiptMessage is a delivery/read/view receipt from a recipient.
	KindReceiptMessage
	// KindTypingMessage is a transient typing indicator. Never persisted.
	KindTypingMessage
	// KindCallMessage carries calling signaling, including call-link updates.
	KindCallMessage
	// KindNullMessage is a keep-alive with no content.
	KindNullMessage
)

// String returns a human-readable representation of the kind.
func (k PayloadKind) String() string {
	switch k {
	case KindDataMessage:
		return "data"
	case KindSyncMessage:
		return "sync"
	case KindReceiptMessage:
		return "receipt"
	case KindTypingMessage:
		return "typing"
	case KindCallMessage:
		return "call"
	case KindNullMessage:
		return "null"
	default:
		return "unknown"
	}
}

// ControlKind tags the control operation carried by a payload, when any.
// Control messages reference a target message by (author, sentAt) rather than
// by local ID, because the sender does not know our local IDs.
type ControlKind uint8

const (
	// ControlNone means the payload carries content, not a control operation.
	ControlNone ControlKind = iota
	// ControlDeleteForEveryone erases the target message's content.
	ControlDeleteForEveryone
	// ControlViewSync records that the target was viewed on another device.
	ControlViewSync
	// ControlReaction adds or removes an emoji reaction on the target.
	ControlReaction
	// ControlPollTerminate closes voting on the target poll message.
	ControlPollTerminate
	// ControlPinNotification pins or unpins the target message.
	ControlPinNotification
	// ControlCallLinkUpdate updates the call-link room on the target.
	ControlCallLinkUpdate
	// ControlReceipt records a delivery/read/view receipt on the target.
	ControlReceipt
)

// String returns a human-readable representation of the control kind.
func (c ControlKind) String() string {
	switch c {
	case ControlNone:
		return "none"
	case ControlDeleteForEveryone:
		return "delete_for_everyone"
	case ControlViewSync:
		return "view_sync"
	case ControlReaction:
		return "reaction"
	case ControlPollTerminate:
		return "poll_terminate"
	case ControlPinNotification:
		return "pin_notification"
	case ControlCallLinkUpdate:
		return "call_link_update"
	case ControlReceipt:
		return "receipt"
	default:
		return "unknown"
	}
}

// ReceiptKind is the tier of a receipt. Tiers are ordered: a View receipt
// implies Read, which implies Delivery. Merging keeps the highest tier.
type ReceiptKind uint8

const (
	ReceiptDelivery ReceiptKind = iota + 1
	ReceiptRead
	ReceiptView
)

// String returns a human-readable representation of the receipt tier.
func (r ReceiptKind) String() string {
	switch r {
	case ReceiptDelivery:
		return "delivery"
	case ReceiptRead:
		return "read"
	case ReceiptView:
		return "view"
	default:
		return "unknown"
	}
}

// DecryptedPayload is the typed result of decrypting one envelope.
//
// Payloads are transient: created by the decryption adapter, consumed by one
// reconciliation pass, then discarded.
type DecryptedPayload struct {
	Identity EnvelopeIdentity

	// SourcePhone is carried through from the envelope for phone-number
	// fallback author resolution on sync messages.
	SourcePhone string

	Kind    PayloadKind
	Control ControlKind

	// Receipt is the receipt tier. Valid only when Control == ControlReceipt.
	Receipt ReceiptKind

	// ConversationID is the envelope's own conversation. For sync control
	// messages the target message may live in a different conversation.
	ConversationID string

	// Body is the message text for data messages, the emoji for reactions
	// (empty = remove), or the room ID for call-link updates.
	Body string

	// TargetSentAt / TargetServiceID / TargetPhone reference the message a
	// control operation applies to. Zero/empty for content payloads.
	TargetSentAt    int64
	TargetServiceID string
	TargetPhone     string

	ServerTimestamp int64
}

// IsControl reports whether the payload carries a control operation that
// references another message.
func (p *DecryptedPayload) IsControl() bool { return p.Control != ControlNone }

// ─── Message record ──────────────────────────────────────────────────────────

// MessageType classifies a durable message record.
type MessageType string

const (
	MessageIncoming  MessageType = "incoming"
	MessageOutgoing  MessageType = "outgoing"
	MessageStory     MessageType = "story"
	MessageKeyChange MessageType = "keychange"
)

// MessageRecord is the durable unit of conversation state.
//
// (ConversationID, AuthorID, SentAt) is the application-level lookup key used
// by control messages that do not know the local ID. SentAt may collide across
// conversations but never within one conversation for the same author.
//
// Design rules (mirrors the persisted-format rules used for broker messages):
//   - Only optional fields may be added. Never rename or remove a field —
//     existing persisted records must always be readable.
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - IDs are ULID strings: time-sortable and locally generated.
type MessageRecord struct {
	// ID is a locally generated ULID, stable for the record's lifetime.
	ID string `json:"id"`

	ConversationID string      `json:"conversation_id"`
	AuthorID       string      `json:"author_id"`
	SentAt         int64       `json:"sent_at"`
	ReceivedAt     int64       `json:"received_at"`
	Type           MessageType `json:"type"`

	Body string `json:"body,omitempty"`

	// Erased marks a delete-for-everyone tombstone. An erased record keeps its
	// identity but its Body, Reactions, and EditHistory are cleared, and no
	// later delivery may restore them.
	Erased bool `json:"erased,omitempty"`

	Pinned bool `json:"pinned,omitempty"`

	// Viewed is the view-sync flag. Independent of Erased: a view-sync on an
	// erased message still records the viewed fact.
	Viewed bool `json:"viewed,omitempty"`

	// PollClosed is set by a poll-terminate control message.
	PollClosed bool `json:"poll_closed,omitempty"`

	// Reactions maps reacting author ID → emoji.
	Reactions map[string]string `json:"reactions,omitempty"`

	// Receipts maps recipient author ID → highest receipt tier seen.
	Receipts map[string]ReceiptKind `json:"receipts,omitempty"`

	// EditHistory holds prior bodies, newest last. True edits arrive as a
	// distinct message kind; the engine only ever clears this on erasure.
	EditHistory []string `json:"edit_history,omitempty"`

	// CallLinkRoomID is set by a call-link update control message.
	CallLinkRoomID string `json:"call_link_room_id,omitempty"`
}

// Clone returns a deep copy of the record. Mutations during reconciliation are
// applied to a clone so a failed commit never leaves a half-mutated record in
// any cache.
func (m *MessageRecord) Clone() *MessageRecord {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	if m.Receipts != nil {
		c.Receipts = make(map[string]ReceiptKind, len(m.Receipts))
		for k, v := range m.Receipts {
			c.Receipts[k] = v
		}
	}
	if m.EditHistory != nil {
		c.EditHistory = append([]string(nil), m.EditHistory...)
	}
	return &c
}

// ─── Contact ─────────────────────────────────────────────────────────────────

// Contact is a durable author identity. Created as a stub on first sight of an
// unknown sender and enriched later; resolution never blocks on network
// contact discovery.
type Contact struct {
	// ID is a locally generated ULID.
	ID string `json:"id"`

	// ServiceID is the account's stable service identifier. Preferred lookup
	// key whenever present.
	ServiceID string `json:"service_id,omitempty"`

	// Phone is the E.164 phone number, the fallback lookup key.
	Phone string `json:"phone,omitempty"`

	// Stub marks a contact created from an inbound envelope rather than from
	// contact discovery.
	Stub bool `json:"stub,omitempty"`

	// Active is set once the contact has sent us content, confirming the
	// account is registered and in use.
	Active bool `json:"active,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// ─── Pending reconciliation ──────────────────────────────────────────────────

// PendingReconciliation is a control message parked in the early-arrival
// buffer because its target message has not been materialized yet.
//
// An item is removed once its target is found and the operation applied, or
// discarded after the buffer's TTL/attempt bound with a logged
// dropped-control-message event. It is never retried forever.
type PendingReconciliation struct {
	Kind    ControlKind
	Receipt ReceiptKind

	TargetServiceID string
	TargetPhone     string
	TargetSentAt    int64

	Payload DecryptedPayload

	// FirstSeenAt is the UTC millisecond the item was first parked.
	FirstSeenAt int64

	// Attempts counts resolution attempts against newly landed messages.
	Attempts int
}

// ─── Control mutation ────────────────────────────────────────────────────────

// ControlMutation is one control operation reduced to pure data. It rides a
// persistence plan and is applied to the current stored record inside the
// committing transaction, so a plan emitted against state that has since
// changed cannot overwrite mutations committed in between.
type ControlMutation struct {
	Kind ControlKind

	// Receipt is the receipt tier. Valid only when Kind == ControlReceipt.
	Receipt ReceiptKind

	// SenderID is the resolved contact ID of the operation's sender, keying
	// reactions and receipts.
	SenderID string

	// Body is the emoji for reactions (empty = remove), "pin"/"unpin" for pin
	// notifications, or the room ID for call-link updates.
	Body string
}

// Apply mutates rec in place. Idempotent, and order independence is built into
// the rules: erasure clears annotations and later annotations on an erased
// record no-op, while the viewed flag is independent of erasure, so any
// arrival order of a delete and a view-sync converges to the same state.
func (m ControlMutation) Apply(rec *MessageRecord) {
	switch m.Kind {
	case ControlDeleteForEveryone:
		rec.Erased = true
		rec.Body = ""
		rec.Reactions = nil
		rec.EditHistory = nil

	case ControlViewSync:
		rec.Viewed = true

	case ControlReaction:
		if rec.Erased {
			return
		}
		if m.Body == "" {
			delete(rec.Reactions, m.SenderID)
			if len(rec.Reactions) == 0 {
				rec.Reactions = nil
			}
			return
		}
		if rec.Reactions == nil {
			rec.Reactions = make(map[string]string, 1)
		}
		rec.Reactions[m.SenderID] = m.Body

	case ControlPollTerminate:
		rec.PollClosed = true

	case ControlPinNotification:
		rec.Pinned = m.Body != "unpin"

	case ControlCallLinkUpdate:
		rec.CallLinkRoomID = m.Body

	case ControlReceipt:
		if rec.Receipts == nil {
			rec.Receipts = make(map[string]ReceiptKind, 1)
		}
		// Tiers only ever go up: a view receipt implies read implies delivery.
		if m.Receipt > rec.Receipts[m.SenderID] {
			rec.Receipts[m.SenderID] = m.Receipt
		}
	}
}

// ─── Persistence plan ────────────────────────────────────────────────────────

// PlanOp identifies one kind of idempotent mutation in a persistence plan.
type PlanOp uint8

const (
	// OpUpsertMessage merges a message record and its control mutations into
	// the store and writes the lookup indexes.
	OpUpsertMessage PlanOp = iota + 1
	// OpMarkProcessed records an envelope identity as durably processed.
	OpMarkProcessed
)

// PlanStep is a single idempotent mutation. Exactly one of Record/Identity is
// meaningful depending on Op. Mutations ride an upsert step and are applied to
// the current stored record inside the committing transaction, never to the
// Record snapshot the plan was emitted with.
type PlanStep struct {
	Op        PlanOp
	Record    *MessageRecord
	Identity  EnvelopeIdentity
	Mutations []ControlMutation
}

// PersistencePlan is the ordered, idempotent output of one reconciliation.
// The persistence coordinator may apply a plan more than once (retry after
// transient contention), so every step must converge when re-applied — no
// counters, no appends keyed on apply-count, no raw side effects. Upsert
// steps merge against the record the store currently holds, so two plans
// emitted from the same starting state commit both of their mutations.
type PersistencePlan struct {
	// ConversationID scopes the conversation write lock. Empty when the plan
	// mutates no conversation state (e.g. a parked control message that only
	// marks its envelope processed).
	ConversationID string

	Steps []PlanStep
}

// Upserts returns the message records the plan writes, in order.
func (p *PersistencePlan) Upserts() []*MessageRecord {
	var out []*MessageRecord
	for _, s := range p.Steps {
		if s.Op == OpUpsertMessage && s.Record != nil {
			out = append(out, s.Record)
		}
	}
	return out
}

// ─── Engine state ────────────────────────────────────────────────────────────

// EnvelopeState is the per-envelope lifecycle state inside the reconciliation
// engine. States are per envelope, not per conversation.
type EnvelopeState uint8

const (
	// StateDecrypted means the payload has been produced by the adapter.
	StateDecrypted EnvelopeState = iota
	// StateIdentityResolved means the author has been resolved to a local contact.
	StateIdentityResolved
	// StateMerged means the payload has been merged against existing state
	// (including any early arrivals drained in the same pass).
	StateMerged
	// StatePlanEmitted means an idempotent persistence plan has been produced.
	StatePlanEmitted
	// StateCommitted means the plan has been durably applied.
	StateCommitted
	// StateAborted is the terminal failure state, reachable from any state.
	StateAborted
)

// String returns a human-readable representation of the state.
func (s EnvelopeState) String() string {
	switch s {
	case StateDecrypted:
		return "decrypted"
	case StateIdentityResolved:
		return "identity_resolved"
	case StateMerged:
		return "merged"
	case StatePlanEmitted:
		return "plan_emitted"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
