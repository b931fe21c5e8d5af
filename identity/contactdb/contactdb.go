// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package contactdb implements contact stores.
package contactdb

import (
	"errors"
	"sort"
	"sync"

	"github.com/katzenpost/idchannel/identity"
)

// ErrPinned is the error returned when a new contact is added to a store
// that only accepts its existing contacts.
var ErrPinned = errors.New("contactdb: contact set is pinned")

type memoryDB struct {
	sync.RWMutex

	contacts map[identity.IdentityID][]byte
}

// Get implements identity.ContactStore.
func (d *memoryDB) Get(id identity.IdentityID) (*identity.Contact, error) {
	d.RLock()
	b, ok := d.contacts[id]
	d.RUnlock()
	if !ok {
		return nil, identity.ErrNoSuchContact
	}
	return identity.ContactFromBytes(b)
}

// AddIfAbsent implements identity.ContactStore.
func (d *memoryDB) AddIfAbsent(c *identity.Contact) (bool, error) {
	b, err := c.Bytes()
	if err != nil {
		return false, err
	}

	d.Lock()
	defer d.Unlock()

	if _, ok := d.contacts[c.ID]; ok {
		return false, nil
	}
	d.contacts[c.ID] = b
	return true, nil
}

// List implements identity.ContactStore.
func (d *memoryDB) List() ([]identity.IdentityID, error) {
	d.RLock()
	defer d.RUnlock()

	ids := make([]identity.IdentityID, 0, len(d.contacts))
	for id := range d.contacts {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids, nil
}

// Remove implements identity.ContactStore.
func (d *memoryDB) Remove(id identity.IdentityID) error {
	d.Lock()
	defer d.Unlock()

	if _, ok := d.contacts[id]; !ok {
		return identity.ErrNoSuchContact
	}
	delete(d.contacts, id)
	return nil
}

// Close implements identity.ContactStore.
func (d *memoryDB) Close() {}

// NewMemory returns an empty in-memory contact store.
func NewMemory() identity.ContactStore {
	return &memoryDB{
		contacts: make(map[identity.IdentityID][]byte),
	}
}

// SortIDs sorts ids in ascending byte order.
func SortIDs(ids []identity.IdentityID) {
	sort.Slice(ids, func(i, j int) bool {
		for k := range ids[i] {
			if ids[i][k] != ids[j][k] {
				return ids[i][k] < ids[j][k]
			}
		}
		return false
	})
}
