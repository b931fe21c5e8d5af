// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/keyexchange"
	"github.com/katzenpost/idchannel/router"
)

// handshakeState is the state of a decryptor.  A decryptor holding a nil
// state is in the middle of a transition.
type handshakeState interface {
	String() string
}

// startingChannel: initiator, waiting for the key exchange.
type startingChannel struct {
	future   *keyexchange.Future
	callback router.Address
}

func (*startingChannel) String() string { return "starting_channel" }

// awaitingKeyExchange: responder, waiting for the key exchange.
type awaitingKeyExchange struct {
	firstPeerAddress router.Address
}

func (*awaitingKeyExchange) String() string { return "awaiting_key_exchange" }

// sendingIdentity: initiator, waiting for the responder's identity.
type sendingIdentity struct {
	channelAddress router.Address
	authHash       []byte
	callback       router.Address
}

func (*sendingIdentity) String() string { return "sending_identity" }

// awaitingIdentity: responder, waiting for the initiator's identity.
type awaitingIdentity struct {
	channelAddress router.Address
	authHash       []byte
}

func (*awaitingIdentity) String() string { return "awaiting_identity" }

// established is terminal for both roles.
type established struct {
	channelAddress     router.Address
	peerChannelAddress router.Address
	peerID             identity.IdentityID
	encryptorAddress   router.Address
}

func (*established) String() string { return "established" }

func stateName(s handshakeState) string {
	if s == nil {
		return "none"
	}
	return s.String()
}

// takeState removes the current state from d.  Every path that does not
// stop the decryptor MUST putState before returning.
func (d *decryptor) takeState() (handshakeState, error) {
	s := d.state
	if s == nil {
		return nil, ErrInvalidSecureChannelInternalState
	}
	d.state = nil
	return s, nil
}

func (d *decryptor) putState(s handshakeState) {
	d.state = s
	if _, ok := s.(*established); ok {
		d.establishOnce.Do(func() { close(d.establishedCh) })
	}
}
