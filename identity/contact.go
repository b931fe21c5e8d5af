// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/hpqc/sign"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
)

const (
	changeContext = "idchannel identity change v1"
	proofContext  = "idchannel auth proof v1"
)

// ChangeType is the kind of a key change event.
type ChangeType uint8

const (
	// ChangeCreate is the first event of every change history.
	ChangeCreate ChangeType = 1

	// ChangeRotate replaces the current key with a new one.
	ChangeRotate ChangeType = 2
)

func (t ChangeType) String() string {
	switch t {
	case ChangeCreate:
		return "create"
	case ChangeRotate:
		return "rotate"
	default:
		return fmt.Sprintf("[unknown change type: %d]", t)
	}
}

// Change is the signed body of a key change event.
type Change struct {
	// Type is the kind of change.
	Type ChangeType

	// Prev is the hash of the previous change, all zero for ChangeCreate.
	Prev [32]byte

	// Scheme is the name of the signature scheme of PublicKey.
	Scheme string

	// PublicKey is the binary encoded new public key.
	PublicKey []byte

	// Created is the unix time the change was made at.
	Created int64
}

// Hash returns the BLAKE2b-256 digest of the canonical encoding of c.
func (c *Change) Hash() ([32]byte, error) {
	b, err := ccbor.Marshal(c)
	if err != nil {
		return [32]byte{}, err
	}
	return blake2b.Sum256(b), nil
}

func (c *Change) publicKey() (sign.PublicKey, error) {
	scheme := signSchemes.ByName(c.Scheme)
	if scheme == nil {
		return nil, fmt.Errorf("%w: unknown signature scheme '%s'", ErrInvalidContact, c.Scheme)
	}
	if len(c.PublicKey) != scheme.PublicKeySize() {
		return nil, fmt.Errorf("%w: public key size %d, expected %d", ErrInvalidContact, len(c.PublicKey), scheme.PublicKeySize())
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(c.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContact, err)
	}
	return pk, nil
}

// ChangeEvent is a Change along with its signatures.
type ChangeEvent struct {
	Change Change

	// Signature is made by the new key.
	Signature []byte

	// PrevSignature is made by the replaced key, rotations only.
	PrevSignature []byte `cbor:",omitempty"`
}

// ChangeHistory is the ordered list of key changes of an identity.
type ChangeHistory []ChangeEvent

func (h ChangeHistory) clone() ChangeHistory {
	c := make(ChangeHistory, 0, len(h))
	for _, ev := range h {
		ev.Change.PublicKey = append([]byte(nil), ev.Change.PublicKey...)
		ev.Signature = append([]byte(nil), ev.Signature...)
		if ev.PrevSignature != nil {
			ev.PrevSignature = append([]byte(nil), ev.PrevSignature...)
		}
		c = append(c, ev)
	}
	return c
}

// Contact is the public, shareable description of an identity.
type Contact struct {
	ID            IdentityID
	ChangeHistory ChangeHistory
}

// Verify checks that the change history is a correctly signed chain, and
// that ID is derived from its first event.
func (c *Contact) Verify() error {
	if len(c.ChangeHistory) == 0 {
		return fmt.Errorf("%w: empty change history", ErrInvalidContact)
	}

	var (
		prevHash [32]byte
		prevKey  sign.PublicKey
	)
	for i := range c.ChangeHistory {
		ev := &c.ChangeHistory[i]
		h, err := ev.Change.Hash()
		if err != nil {
			return err
		}

		if i == 0 {
			if ev.Change.Type != ChangeCreate || ev.Change.Prev != [32]byte{} {
				return fmt.Errorf("%w: history does not start with a create event", ErrInvalidContact)
			}
			if IdentityID(h) != c.ID {
				return fmt.Errorf("%w: id does not match change history", ErrInvalidContact)
			}
		} else {
			if ev.Change.Type != ChangeRotate {
				return fmt.Errorf("%w: event %d: unexpected %v", ErrInvalidContact, i, ev.Change.Type)
			}
			if ev.Change.Prev != prevHash {
				return fmt.Errorf("%w: event %d: broken chain", ErrInvalidContact, i)
			}
		}

		pk, err := ev.Change.publicKey()
		if err != nil {
			return err
		}
		msg := signedMessage(changeContext, h[:])
		if !verifySignature(pk, msg, ev.Signature) {
			return fmt.Errorf("%w: event %d: bad signature", ErrInvalidContact, i)
		}
		if prevKey != nil && !verifySignature(prevKey, msg, ev.PrevSignature) {
			return fmt.Errorf("%w: event %d: bad previous key signature", ErrInvalidContact, i)
		}

		prevHash, prevKey = h, pk
	}
	return nil
}

// PublicKey returns the current key of the contact.
func (c *Contact) PublicKey() (sign.PublicKey, error) {
	if len(c.ChangeHistory) == 0 {
		return nil, fmt.Errorf("%w: empty change history", ErrInvalidContact)
	}
	return c.ChangeHistory[len(c.ChangeHistory)-1].Change.publicKey()
}

// Bytes returns the canonical encoding of the contact.
func (c *Contact) Bytes() ([]byte, error) {
	return ccbor.Marshal(c)
}

// Equal returns true iff c and other encode identically.
func (c *Contact) Equal(other *Contact) bool {
	a, err := c.Bytes()
	if err != nil {
		return false
	}
	b, err := other.Bytes()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// ContactFromBytes decodes a contact.  The contact is not verified.
func ContactFromBytes(b []byte) (*Contact, error) {
	c := new(Contact)
	if err := cbor.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}

// VerifyProof verifies a proof over transcript against the current key of c.
func (c *Contact) VerifyProof(transcript []byte, proof Proof) (bool, error) {
	pk, err := c.PublicKey()
	if err != nil {
		return false, err
	}
	return verifySignature(pk, signedMessage(proofContext, transcript), proof), nil
}

// verifySignature rejects signatures of the wrong size before verifying,
// as some schemes panic on them.
func verifySignature(pk sign.PublicKey, msg, sig []byte) bool {
	scheme := pk.Scheme()
	if len(sig) != scheme.SignatureSize() {
		return false
	}
	return scheme.Verify(pk, msg, sig, nil)
}

func signedMessage(context string, b []byte) []byte {
	msg := make([]byte, 0, len(context)+len(b))
	msg = append(msg, context...)
	return append(msg, b...)
}
