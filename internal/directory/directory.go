// Package directory resolves envelope source identities to local contacts.
//
// Resolution precedence mirrors the identity handling used throughout the
// protocol: a service-id match always wins over a phone-number match, and
// once a contact has been found by either key, future resolution for that
// identity prefers the service-id form. Phone numbers change hands; service
// ids do not.
//
// Unknown senders get a stub contact immediately — resolution never blocks on
// network contact discovery. Stub first, enrich later.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/envelopeq/internal/ids"
	"github.com/snehjoshi/envelopeq/internal/store"
	"github.com/snehjoshi/envelopeq/internal/types"
)

// Directory is the contact resolution cache over the persisted store.
// All methods are safe for concurrent use. The cached contacts are canonical
// and only ever mutated under d.mu; callers get private copies, so a contact
// held across a reconciliation pass never races a concurrent enrichment.
type Directory struct {
	log *slog.Logger
	st  store.MessageStore

	mu      sync.Mutex
	byID    map[string]*types.Contact
	bySvc   map[string]*types.Contact
	byPhone map[string]*types.Contact
}

// New creates a Directory backed by st.
func New(log *slog.Logger, st store.MessageStore) *Directory {
	return &Directory{
		log:     log,
		st:      st,
		byID:    make(map[string]*types.Contact),
		bySvc:   make(map[string]*types.Contact),
		byPhone: make(map[string]*types.Contact),
	}
}

// Resolve returns the local contact for (serviceID, phone), creating a stub
// when neither key is known. At least one key must be non-empty.
//
// When a contact found by phone gains a service id, the id is attached and
// persisted so the preferred key works from then on.
func (d *Directory) Resolve(ctx context.Context, serviceID, phone string) (*types.Contact, error) {
	if serviceID == "" && phone == "" {
		return nil, errors.New("directory: resolve with no identity keys")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, err := d.lookupLocked(ctx, serviceID, phone)
	if err != nil {
		return nil, err
	}
	if c != nil {
		c, err = d.enrichLocked(ctx, c, serviceID, phone)
		if err != nil {
			return nil, err
		}
		return cloneContact(c), nil
	}

	// Unknown sender: stub contact, never block on discovery.
	c = &types.Contact{
		ID:        ids.MustNew(),
		ServiceID: serviceID,
		Phone:     phone,
		Stub:      true,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := d.st.PutContact(ctx, c); err != nil {
		return nil, fmt.Errorf("directory: persist stub: %w", err)
	}
	d.cacheLocked(c)
	d.log.Info("directory: created stub contact",
		"contact_id", c.ID, "service_id", serviceID, "phone", phone)
	return cloneContact(c), nil
}

// Lookup returns the contact for (serviceID, phone) without creating a stub.
// Returns (nil, nil) when no contact matches either key.
func (d *Directory) Lookup(ctx context.Context, serviceID, phone string) (*types.Contact, error) {
	if serviceID == "" && phone == "" {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.lookupLocked(ctx, serviceID, phone)
	if c == nil || err != nil {
		return nil, err
	}
	return cloneContact(c), nil
}

// MarkActive records that the contact has sent us content, confirming the
// account is registered. Persists only on transition. The flag is set on the
// canonical cached contact under the lock; c is the caller's copy and is
// updated to match.
func (d *Directory) MarkActive(ctx context.Context, c *types.Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	canon, ok := d.byID[c.ID]
	if !ok {
		canon = cloneContact(c)
		d.cacheLocked(canon)
	}
	if canon.Active {
		c.Active = true
		return nil
	}
	canon.Active = true
	if err := d.st.PutContact(ctx, canon); err != nil {
		canon.Active = false
		return fmt.Errorf("directory: mark active %s: %w", c.ID, err)
	}
	c.Active = true
	return nil
}

// ─── internals ───────────────────────────────────────────────────────────────

// lookupLocked checks cache then store, service-id first. Caller holds d.mu.
func (d *Directory) lookupLocked(ctx context.Context, serviceID, phone string) (*types.Contact, error) {
	if serviceID != "" {
		if c, ok := d.bySvc[serviceID]; ok {
			return c, nil
		}
		c, err := d.st.ContactByServiceID(ctx, serviceID)
		if err == nil {
			d.cacheLocked(c)
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("directory: lookup service id: %w", err)
		}
	}
	if phone != "" {
		if c, ok := d.byPhone[phone]; ok {
			return c, nil
		}
		c, err := d.st.ContactByPhone(ctx, phone)
		if err == nil {
			d.cacheLocked(c)
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("directory: lookup phone: %w", err)
		}
	}
	return nil, nil
}

// enrichLocked attaches newly learned identity keys to c. Caller holds d.mu.
func (d *Directory) enrichLocked(ctx context.Context, c *types.Contact, serviceID, phone string) (*types.Contact, error) {
	changed := false
	if serviceID != "" && c.ServiceID == "" {
		c.ServiceID = serviceID
		changed = true
	}
	if phone != "" && c.Phone == "" {
		c.Phone = phone
		changed = true
	}
	if changed {
		if err := d.st.PutContact(ctx, c); err != nil {
			return nil, fmt.Errorf("directory: enrich %s: %w", c.ID, err)
		}
		d.cacheLocked(c)
	}
	return c, nil
}

// cacheLocked indexes c under its known keys. Caller holds d.mu.
func (d *Directory) cacheLocked(c *types.Contact) {
	d.byID[c.ID] = c
	if c.ServiceID != "" {
		d.bySvc[c.ServiceID] = c
	}
	if c.Phone != "" {
		d.byPhone[c.Phone] = c
	}
}

// cloneContact returns a private copy so callers can read and carry contact
// fields without holding the directory lock.
func cloneContact(c *types.Contact) *types.Contact {
	cp := *c
	return &cp
}
