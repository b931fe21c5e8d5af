// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/router"
)

var (
	// ErrSecureChannelCannotBeAuthenticated is the error returned when the
	// first key exchange message does not carry the initiator's handshake
	// address.
	ErrSecureChannelCannotBeAuthenticated = errors.New("securechannel: secure channel cannot be authenticated")

	// ErrUnknownChannelDestination is the error returned when a message
	// arrives through a hop other than the expected key exchange channel.
	ErrUnknownChannelDestination = errors.New("securechannel: unknown channel destination")

	// ErrInvalidSecureChannelInternalState is the error returned when the
	// handshake state is missing or of the wrong kind.
	ErrInvalidSecureChannelInternalState = errors.New("securechannel: invalid secure channel internal state")

	// ErrSecureChannelVerificationFailed is the error returned when a peer's
	// contact or proof fails to verify.
	ErrSecureChannelVerificationFailed = errors.New("securechannel: secure channel verification failed")

	// ErrSecureChannelTrustCheckFailed is the error returned when the trust
	// policy rejects a verified peer.
	ErrSecureChannelTrustCheckFailed = errors.New("securechannel: secure channel trust check failed")

	// ErrTimeout is the error returned when channel creation does not
	// complete in time.
	ErrTimeout = errors.New("securechannel: timed out waiting for authentication")

	// ErrNoSuchChannel is the error returned when a channel is not in the
	// Registry.
	ErrNoSuchChannel = errors.New("securechannel: no such channel")

	// ErrInvalidMessage is the error returned when a handshake message can
	// not be decoded.
	ErrInvalidMessage = errors.New("securechannel: invalid message")
)

// HandshakeError is a failed secure channel handshake.
type HandshakeError struct {
	Role  ChannelRole
	State string

	// Address is the handshake address of the failed decryptor.
	Address router.Address

	// Peer is the claimed peer identity, if the failure happened after it
	// was received.
	Peer identity.IdentityID

	Err error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "securechannel: %v handshake failed in %s", e.Role, e.State)
	if !e.Peer.IsZero() {
		fmt.Fprintf(&b, " with peer %v", e.Peer)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsFatal returns true iff the error terminates the handshake.  Only
// messages from an unexpected hop are survivable.
func (e *HandshakeError) IsFatal() bool {
	return !errors.Is(e.Err, ErrUnknownChannelDestination)
}

// GetHandshakeError returns the HandshakeError in err's chain, if any.
func GetHandshakeError(err error) (*HandshakeError, bool) {
	var e *HandshakeError
	ok := errors.As(err, &e)
	return e, ok
}
