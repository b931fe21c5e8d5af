// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/sign"

	"github.com/katzenpost/idchannel/core/log"
)

// LocalIdentity is an Identity backed by a private signing key and a
// ContactStore.
type LocalIdentity struct {
	sync.RWMutex

	log      *logging.Logger
	contacts ContactStore

	key     sign.PrivateKey
	history ChangeHistory
	id      IdentityID
}

// New generates a fresh identity using scheme.
func New(scheme sign.Scheme, contacts ContactStore, logBackend *log.Backend) (*LocalIdentity, error) {
	pk, sk, err := scheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	ev, h, err := newChangeEvent(ChangeCreate, [32]byte{}, pk, sk, nil)
	if err != nil {
		return nil, err
	}
	i := &LocalIdentity{
		contacts: contacts,
		key:      sk,
		history:  ChangeHistory{*ev},
		id:       IdentityID(h),
	}
	i.log = logBackend.GetLogger("identity:" + i.id.String()[:9])
	i.log.Debugf("Created new identity %v", i.id)
	return i, nil
}

// FromPrivateKey restores an identity from its change history and the
// private key matching the most recent change.
func FromPrivateKey(history ChangeHistory, key sign.PrivateKey, contacts ContactStore, logBackend *log.Backend) (*LocalIdentity, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: empty change history", ErrInvalidContact)
	}
	h, err := history[0].Change.Hash()
	if err != nil {
		return nil, err
	}
	c := &Contact{
		ID:            IdentityID(h),
		ChangeHistory: history,
	}
	if err = c.Verify(); err != nil {
		return nil, err
	}
	pk, err := c.PublicKey()
	if err != nil {
		return nil, err
	}
	if !pk.Equal(key.Public()) {
		return nil, ErrKeyMismatch
	}
	i := &LocalIdentity{
		contacts: contacts,
		key:      key,
		history:  history.clone(),
		id:       c.ID,
	}
	i.log = logBackend.GetLogger("identity:" + i.id.String()[:9])
	return i, nil
}

func newChangeEvent(typ ChangeType, prev [32]byte, pk sign.PublicKey, sk, prevKey sign.PrivateKey) (*ChangeEvent, [32]byte, error) {
	rawPk, err := pk.MarshalBinary()
	if err != nil {
		return nil, [32]byte{}, err
	}
	ev := &ChangeEvent{
		Change: Change{
			Type:      typ,
			Prev:      prev,
			Scheme:    pk.Scheme().Name(),
			PublicKey: rawPk,
			Created:   time.Now().Unix(),
		},
	}
	h, err := ev.Change.Hash()
	if err != nil {
		return nil, [32]byte{}, err
	}
	msg := signedMessage(changeContext, h[:])
	ev.Signature = sk.Scheme().Sign(sk, msg, nil)
	if prevKey != nil {
		ev.PrevSignature = prevKey.Scheme().Sign(prevKey, msg, nil)
	}
	return ev, h, nil
}

// ID implements Identity.
func (i *LocalIdentity) ID() IdentityID {
	return i.id
}

// AsContact implements Identity.
func (i *LocalIdentity) AsContact() (*Contact, error) {
	i.RLock()
	defer i.RUnlock()
	return &Contact{
		ID:            i.id,
		ChangeHistory: i.history.clone(),
	}, nil
}

// ChangeHistory returns a copy of the change history.
func (i *LocalIdentity) ChangeHistory() ChangeHistory {
	i.RLock()
	defer i.RUnlock()
	return i.history.clone()
}

// PrivateKey returns the current private key.
func (i *LocalIdentity) PrivateKey() sign.PrivateKey {
	i.RLock()
	defer i.RUnlock()
	return i.key
}

// RotateKey replaces the current key with a freshly generated one, and
// appends the rotation to the change history.
func (i *LocalIdentity) RotateKey() error {
	i.Lock()
	defer i.Unlock()

	prev, err := i.history[len(i.history)-1].Change.Hash()
	if err != nil {
		return err
	}
	scheme := i.key.Scheme()
	pk, sk, err := scheme.GenerateKey()
	if err != nil {
		return err
	}
	ev, _, err := newChangeEvent(ChangeRotate, prev, pk, sk, i.key)
	if err != nil {
		return err
	}
	i.history = append(i.history, *ev)
	i.key = sk
	i.log.Noticef("Rotated key, %d changes", len(i.history))
	return nil
}

// CreateAuthProof implements Identity.
func (i *LocalIdentity) CreateAuthProof(transcript []byte) (Proof, error) {
	i.RLock()
	defer i.RUnlock()
	return i.key.Scheme().Sign(i.key, signedMessage(proofContext, transcript), nil), nil
}

// VerifyAuthProof implements Identity.
func (i *LocalIdentity) VerifyAuthProof(transcript []byte, id IdentityID, proof Proof) (bool, error) {
	c, err := i.contacts.Get(id)
	if err != nil {
		return false, err
	}
	return c.VerifyProof(transcript, proof)
}

// GetContact implements Identity.
func (i *LocalIdentity) GetContact(id IdentityID) (*Contact, error) {
	return i.contacts.Get(id)
}

// VerifyAndAddContact implements Identity.
func (i *LocalIdentity) VerifyAndAddContact(contact *Contact) (bool, error) {
	if err := contact.Verify(); err != nil {
		if errors.Is(err, ErrInvalidContact) {
			i.log.Errorf("Rejecting contact %v: %v", contact.ID, err)
			return false, nil
		}
		return false, err
	}
	added, err := i.contacts.AddIfAbsent(contact)
	if err != nil {
		return false, err
	}
	if added {
		i.log.Infof("Added contact %v", contact.ID)
	} else {
		i.log.Debugf("Contact %v already known", contact.ID)
	}
	return true, nil
}
