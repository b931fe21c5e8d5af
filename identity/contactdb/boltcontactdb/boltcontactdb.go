// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltcontactdb implements a contact store with a simple boltdb
// based backend.
package boltcontactdb

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/identity/contactdb"
)

const (
	metadataBucket = "metadata"
	contactsBucket = "contacts"
	versionKey     = "version"
)

// Option is a boltContactDB option.
type Option func(*boltContactDB)

// WithPinnedContacts makes the store refuse contacts it does not already
// hold.
func WithPinnedContacts() Option {
	return func(d *boltContactDB) {
		d.pinned = true
	}
}

type boltContactDB struct {
	sync.RWMutex

	db    *bolt.DB
	cache map[identity.IdentityID]bool

	pinned bool
}

func (d *boltContactDB) exists(id identity.IdentityID) bool {
	d.RLock()
	defer d.RUnlock()

	return d.cache[id]
}

// Get implements identity.ContactStore.
func (d *boltContactDB) Get(id identity.IdentityID) (*identity.Contact, error) {
	if !d.exists(id) {
		return nil, identity.ErrNoSuchContact
	}

	var c *identity.Contact
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(contactsBucket))
		raw := bkt.Get(id[:])
		if raw == nil {
			return identity.ErrNoSuchContact
		}
		var err error
		c, err = identity.ContactFromBytes(raw)
		return err
	})
	return c, err
}

// AddIfAbsent implements identity.ContactStore.
func (d *boltContactDB) AddIfAbsent(c *identity.Contact) (bool, error) {
	if d.exists(c.ID) {
		return false, nil
	}
	if d.pinned {
		return false, contactdb.ErrPinned
	}
	raw, err := c.Bytes()
	if err != nil {
		return false, err
	}

	// Bolt serializes writers, so the check inside the transaction is
	// authoritative.
	added := false
	err = d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(contactsBucket))
		if bkt.Get(c.ID[:]) != nil {
			return nil
		}
		added = true
		return bkt.Put(c.ID[:], raw)
	})
	if err != nil {
		return false, err
	}

	d.Lock()
	defer d.Unlock()

	d.cache[c.ID] = true
	return added, nil
}

// List implements identity.ContactStore.
func (d *boltContactDB) List() ([]identity.IdentityID, error) {
	var ids []identity.IdentityID
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(contactsBucket))
		return bkt.ForEach(func(k, v []byte) error {
			var id identity.IdentityID
			copy(id[:], k)
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}

// Remove implements identity.ContactStore.
func (d *boltContactDB) Remove(id identity.IdentityID) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(contactsBucket))

		// Delete the contact's entry iff it exists.
		if ent := bkt.Get(id[:]); ent == nil {
			return identity.ErrNoSuchContact
		}
		return bkt.Delete(id[:])
	})
	if err == nil {
		d.Lock()
		defer d.Unlock()

		delete(d.cache, id)
	}
	return err
}

// Close implements identity.ContactStore.
func (d *boltContactDB) Close() {
	d.db.Sync()
	d.db.Close()
}

// New creates (or loads) a contact database with the given file name f.
func New(f string, opts ...Option) (identity.ContactStore, error) {
	var err error

	d := &boltContactDB{
		cache: make(map[identity.IdentityID]bool),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		cBkt, err := tx.CreateBucketIfNotExists([]byte(contactsBucket))
		if err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("contactdb: incompatible version: %d", uint(b[0]))
			}

			// Populate the presence cache.
			return cBkt.ForEach(func(k, v []byte) error {
				if len(k) != identity.IDLength {
					return fmt.Errorf("contactdb: invalid key length %d", len(k))
				}
				var id identity.IdentityID
				copy(id[:], k)
				d.cache[id] = true
				return nil
			})
		}

		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		d.db.Close()
		return nil, err
	}

	return d, nil
}
