// Package bolt is the single-node, disk-backed implementation of
// store.MessageStore.
//
// bbolt is chosen because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID — conversation state is always consistent even after a crash
//   - Single file (messages.db inside the data directory)
//   - Well-maintained (used by etcd in production)
//
// Layout:
//
//	messages     — record ID → JSON-encoded MessageRecord
//	conv_index   — conversationID \x00 authorID \x00 sentAt(8B BE) → record ID
//	sent_index   — sentAt(8B BE) ++ record ID → record ID
//	processed    — envelope identity key → receivedAt(8B BE)
//	contacts     — contact ID → JSON-encoded Contact
//	contact_svc  — service ID → contact ID
//	contact_tel  — phone → contact ID
//
// A SQL-backed implementation can replace this type without touching any
// engine code; everything upstream depends only on store.MessageStore.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/envelopeq/internal/store"
	"github.com/snehjoshi/envelopeq/internal/types"
)

const dbFileName = "messages.db"

var (
	bucketMessages   = []byte("messages")
	bucketConvIndex  = []byte("conv_index")
	bucketSentIndex  = []byte("sent_index")
	bucketProcessed  = []byte("processed")
	bucketContacts   = []byte("contacts")
	bucketContactSvc = []byte("contact_svc")
	bucketContactTel = []byte("contact_tel")
)

// Store is the bbolt-backed MessageStore.
// All methods are safe for concurrent use; bbolt serialises writers itself.
type Store struct {
	db *bbolt.DB
}

// Ensure Store satisfies the interface at compile time.
var _ store.MessageStore = (*Store)(nil)

// Open creates (or reopens) the store at dir/messages.db.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, dbFileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketMessages, bucketConvIndex, bucketSentIndex,
			bucketProcessed, bucketContacts, bucketContactSvc, bucketContactTel,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// ─── Message reads ───────────────────────────────────────────────────────────

// GetMessage retrieves a record by local ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*types.MessageRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	var rec *types.MessageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketMessages).Get([]byte(id))
		if val == nil {
			return store.ErrNotFound
		}
		var err error
		rec, err = unmarshalRecord(val)
		return err
	})
	return rec, err
}

// GetBySentAt retrieves the record for (conversationID, authorID, sentAt).
func (s *Store) GetBySentAt(ctx context.Context, conversationID, authorID string, sentAt int64) (*types.MessageRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	var rec *types.MessageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketConvIndex).Get(convKey(conversationID, authorID, sentAt))
		if id == nil {
			return store.ErrNotFound
		}
		val := tx.Bucket(bucketMessages).Get(id)
		if val == nil {
			// Dangling index entry; treat as absent rather than corrupt the read.
			return store.ErrNotFound
		}
		var err error
		rec, err = unmarshalRecord(val)
		return err
	})
	return rec, err
}

// MessagesBySentAt retrieves every record with sentAt, across conversations.
func (s *Store) MessagesBySentAt(ctx context.Context, sentAt int64) ([]*types.MessageRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(sentAt))

	var out []*types.MessageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketSentIndex).Cursor()
		for k, id := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, id = c.Next() {
			val := messages.Get(id)
			if val == nil {
				continue
			}
			rec, err := unmarshalRecord(val)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// HasProcessed reports whether the envelope identity is durably marked.
func (s *Store) HasProcessed(ctx context.Context, id types.EnvelopeIdentity) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}

	var seen bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		seen = tx.Bucket(bucketProcessed).Get([]byte(id.Key())) != nil
		return nil
	})
	return seen, err
}

// ─── Plan application ────────────────────────────────────────────────────────

// ApplyPlan applies every step in one bbolt transaction.
// Every step is an idempotent upsert, so re-applying a plan after a retried
// transient failure converges to the same durable state. Upsert steps merge
// against the record currently in the store, not the snapshot the plan was
// emitted with: two plans built from the same starting state both keep their
// mutations no matter which commits first.
func (s *Store) ApplyPlan(ctx context.Context, plan *types.PersistencePlan) ([]*types.MessageRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	var changed []*types.MessageRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, step := range plan.Steps {
			switch step.Op {
			case types.OpUpsertMessage:
				if step.Record == nil || step.Record.ID == "" {
					return fmt.Errorf("%w: upsert step without record", store.ErrConstraint)
				}
				rec, err := applyUpsert(tx, step)
				if err != nil {
					return err
				}
				changed = append(changed, rec)

			case types.OpMarkProcessed:
				if step.Identity.IsZero() {
					return fmt.Errorf("%w: mark-processed step without identity", store.ErrConstraint)
				}
				now := make([]byte, 8)
				binary.BigEndian.PutUint64(now, uint64(time.Now().UnixMilli()))
				if err := tx.Bucket(bucketProcessed).Put([]byte(step.Identity.Key()), now); err != nil {
					return err
				}

			default:
				return fmt.Errorf("%w: unknown plan op %d", store.ErrConstraint, step.Op)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", store.ErrContention, err)
		}
		return nil, err
	}
	return changed, nil
}

// applyUpsert re-reads the current record for the step's (conversation,
// author, sentAt) key under the write transaction, merges non-destructively
// (an erased record is never un-erased; an existing body is never replaced),
// applies the step's control mutations to that state, and writes the result.
// When no record exists the step's Record snapshot is the base.
func applyUpsert(tx *bbolt.Tx, step types.PlanStep) (*types.MessageRecord, error) {
	rec := step.Record.Clone()
	if id := tx.Bucket(bucketConvIndex).Get(convKey(rec.ConversationID, rec.AuthorID, rec.SentAt)); id != nil {
		if val := tx.Bucket(bucketMessages).Get(id); val != nil {
			stored, err := unmarshalRecord(val)
			if err != nil {
				return nil, err
			}
			if !stored.Erased && stored.Body == "" {
				stored.Body = rec.Body
			}
			rec = stored
		}
	}
	for _, m := range step.Mutations {
		m.Apply(rec)
	}
	return rec, putRecord(tx, rec)
}

// putRecord writes the record and both lookup indexes.
func putRecord(tx *bbolt.Tx, rec *types.MessageRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bolt: marshal record %s: %w", rec.ID, err)
	}
	id := []byte(rec.ID)

	if err := tx.Bucket(bucketMessages).Put(id, val); err != nil {
		return err
	}
	if err := tx.Bucket(bucketConvIndex).Put(convKey(rec.ConversationID, rec.AuthorID, rec.SentAt), id); err != nil {
		return err
	}
	return tx.Bucket(bucketSentIndex).Put(sentKey(rec.SentAt, rec.ID), id)
}

// ─── Contacts ────────────────────────────────────────────────────────────────

// ContactByServiceID looks up a contact by service ID.
func (s *Store) ContactByServiceID(ctx context.Context, serviceID string) (*types.Contact, error) {
	return s.contactByKey(ctx, bucketContactSvc, serviceID)
}

// ContactByPhone looks up a contact by phone number.
func (s *Store) ContactByPhone(ctx context.Context, phone string) (*types.Contact, error) {
	return s.contactByKey(ctx, bucketContactTel, phone)
}

func (s *Store) contactByKey(ctx context.Context, bucket []byte, key string) (*types.Contact, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, store.ErrNotFound
	}

	var contact *types.Contact
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucket).Get([]byte(key))
		if id == nil {
			return store.ErrNotFound
		}
		val := tx.Bucket(bucketContacts).Get(id)
		if val == nil {
			return store.ErrNotFound
		}
		contact = new(types.Contact)
		return json.Unmarshal(val, contact)
	})
	return contact, err
}

// PutContact upserts a contact and its lookup keys.
func (s *Store) PutContact(ctx context.Context, c *types.Contact) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if c.ID == "" {
		return fmt.Errorf("%w: contact without id", store.ErrConstraint)
	}

	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("bolt: marshal contact %s: %w", c.ID, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketContacts).Put([]byte(c.ID), val); err != nil {
			return err
		}
		if c.ServiceID != "" {
			if err := tx.Bucket(bucketContactSvc).Put([]byte(c.ServiceID), []byte(c.ID)); err != nil {
				return err
			}
		}
		if c.Phone != "" {
			if err := tx.Bucket(bucketContactTel).Put([]byte(c.Phone), []byte(c.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ─── key encoding ────────────────────────────────────────────────────────────

// convKey encodes (conversationID, authorID, sentAt). IDs are ULIDs and never
// contain NUL, so \x00 is a safe separator; sentAt is big-endian for ordered
// iteration within an author.
func convKey(conversationID, authorID string, sentAt int64) []byte {
	k := make([]byte, 0, len(conversationID)+len(authorID)+10)
	k = append(k, conversationID...)
	k = append(k, 0)
	k = append(k, authorID...)
	k = append(k, 0)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(sentAt))
	return append(k, ts[:]...)
}

// sentKey encodes sentAt ++ record ID so that all records sharing a sentAt
// are adjacent under a fixed 8-byte prefix.
func sentKey(sentAt int64, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(sentAt))
	return append(k, id...)
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func unmarshalRecord(val []byte) (*types.MessageRecord, error) {
	rec := new(types.MessageRecord)
	if err := json.Unmarshal(val, rec); err != nil {
		return nil, fmt.Errorf("bolt: unmarshal record: %w", err)
	}
	return rec, nil
}

// ctxErr maps context expiry to the transient error class so callers retry
// with backoff instead of treating a timeout as data loss.
func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrContention, err)
	}
	return nil
}
