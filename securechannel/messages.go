// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/router"
)

// IdentityLocalInfoType is the router.LocalInfo type of the peer identity
// tag attached to every message an established channel decrypts.
const IdentityLocalInfoType = "securechannel/identity"

// ChannelRole is the side of a secure channel.
type ChannelRole uint8

const (
	// Initiator is the side that started the key exchange.
	Initiator ChannelRole = iota

	// Responder is the side that accepted the key exchange.
	Responder
)

func (r ChannelRole) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("[unknown role: %d]", r)
	}
}

// IdentityRecord is a contact and its proof over the key exchange
// transcript.
type IdentityRecord struct {
	Contact identity.Contact
	Proof   identity.Proof
}

// IdentityChannelMessage is an identity handshake message.  Exactly one of
// Request and Response is set.
type IdentityChannelMessage struct {
	Request  *IdentityRecord `cbor:"1,keyasint,omitempty"`
	Response *IdentityRecord `cbor:"2,keyasint,omitempty"`
}

// Bytes returns the encoding of m.
func (m *IdentityChannelMessage) Bytes() ([]byte, error) {
	return cbor.Marshal(m)
}

// IdentityChannelMessageFromBytes decodes an identity handshake message.
func IdentityChannelMessageFromBytes(b []byte) (*IdentityChannelMessage, error) {
	m := new(IdentityChannelMessage)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if (m.Request == nil) == (m.Response == nil) {
		return nil, fmt.Errorf("%w: expected exactly one of request and response", ErrInvalidMessage)
	}
	return m, nil
}

// AuthenticationConfirmation is delivered to the creator of an initiator
// once the channel is established.
type AuthenticationConfirmation struct {
	EncryptorAddress router.Address
	PeerIdentity     identity.IdentityID
}

// Bytes returns the encoding of c.
func (c *AuthenticationConfirmation) Bytes() ([]byte, error) {
	return cbor.Marshal(c)
}

// AuthenticationConfirmationFromBytes decodes an AuthenticationConfirmation.
func AuthenticationConfirmationFromBytes(b []byte) (*AuthenticationConfirmation, error) {
	c := new(AuthenticationConfirmation)
	if err := cbor.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if c.EncryptorAddress == "" {
		return nil, ErrInvalidMessage
	}
	return c, nil
}

// PeerIdentity returns the authenticated identity of the sender of a message
// that was decrypted by a secure channel.
func PeerIdentity(msg *router.Message) (identity.IdentityID, bool) {
	var id identity.IdentityID
	li, ok := msg.FindLocalInfo(IdentityLocalInfoType)
	if !ok || len(li.Data) != identity.IDLength {
		return id, false
	}
	copy(id[:], li.Data)
	return id, true
}

func identityLocalInfo(id identity.IdentityID) router.LocalInfo {
	return router.LocalInfo{
		Type: IdentityLocalInfoType,
		Data: append([]byte(nil), id[:]...),
	}
}
