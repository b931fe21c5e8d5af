// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity implements long term cryptographic identities, the
// contacts that describe them to other parties, and the proofs used to bind
// an identity to a key exchange transcript.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// IDLength is the length of an IdentityID in bytes.
const IDLength = 32

var (
	// ErrNoSuchContact is the error returned when a contact is not present
	// in a ContactStore.
	ErrNoSuchContact = errors.New("identity: no such contact")

	// ErrInvalidContact is the error returned when a contact fails
	// verification.
	ErrInvalidContact = errors.New("identity: invalid contact")

	// ErrInvalidID is the error returned when an IdentityID can not be
	// parsed.
	ErrInvalidID = errors.New("identity: invalid identity id")

	// ErrKeyMismatch is the error returned when a private key does not
	// match the current key of a change history.
	ErrKeyMismatch = errors.New("identity: private key does not match change history")

	ccbor cbor.EncMode
)

// IdentityID is the stable identifier of an identity, derived from the
// first event of its change history.
type IdentityID [IDLength]byte

// String returns the printable form of the IdentityID.
func (id IdentityID) String() string {
	return "I" + hex.EncodeToString(id[:])
}

// IsZero returns true iff id is the all zero IdentityID.
func (id IdentityID) IsZero() bool {
	return id == IdentityID{}
}

// MarshalText implements encoding.TextMarshaler.
func (id IdentityID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *IdentityID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses the printable form of an IdentityID.  The leading "I" is
// optional.
func ParseID(s string) (IdentityID, error) {
	var id IdentityID
	s = strings.TrimPrefix(s, "I")
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if len(b) != IDLength {
		return id, fmt.Errorf("%w: invalid length %d", ErrInvalidID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Proof is a signature by an identity's current key over a key exchange
// transcript hash.
type Proof []byte

// Identity is the local party of a secure channel.
type Identity interface {
	// ID returns the IdentityID of the local identity.
	ID() IdentityID

	// AsContact returns the shareable description of the local identity.
	AsContact() (*Contact, error)

	// CreateAuthProof signs transcript with the current key.
	CreateAuthProof(transcript []byte) (Proof, error)

	// VerifyAuthProof verifies a proof over transcript made by the stored
	// contact id.
	VerifyAuthProof(transcript []byte, id IdentityID, proof Proof) (bool, error)

	// GetContact returns the stored contact id, or ErrNoSuchContact.
	GetContact(id IdentityID) (*Contact, error)

	// VerifyAndAddContact verifies contact and stores it unless a contact
	// with the same id is already present.  It returns false if the contact
	// fails verification.
	VerifyAndAddContact(contact *Contact) (bool, error)
}

// ContactStore is the local database of verified contacts.  Implementations
// MUST be safe for concurrent use.
type ContactStore interface {
	// Get returns the contact id, or ErrNoSuchContact.
	Get(id IdentityID) (*Contact, error)

	// AddIfAbsent stores contact unless a contact with the same id exists,
	// and returns true iff it was stored.
	AddIfAbsent(contact *Contact) (bool, error)

	// List returns the ids of every stored contact.
	List() ([]IdentityID, error)

	// Remove removes the contact id, or returns ErrNoSuchContact.
	Remove(id IdentityID) error

	// Close closes the store.
	Close()
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
