// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package keyexchange defines the contract between secure channels and the
// unauthenticated encrypted channels they are layered on top of.
package keyexchange

import (
	"context"
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/idchannel/router"
)

var (
	// ErrNoFirstPeerAddress is the error returned when the first message of
	// a key exchange does not carry the initiator's handshake address.
	ErrNoFirstPeerAddress = errors.New("keyexchange: missing first peer address")

	// ErrInvalidMessage is the error returned when a key exchange message
	// can not be decoded.
	ErrInvalidMessage = errors.New("keyexchange: invalid message")
)

// Request is what an initiator passes to its peer in the first message of
// the key exchange.
type Request struct {
	// FirstPeerAddress is where the responder's secure channel worker must
	// send its identity handshake messages.
	FirstPeerAddress router.Address
}

// Completed is the result of a key exchange.
type Completed struct {
	// Address is the local address of the established channel.  Messages
	// routed through it are encrypted to the peer.
	Address router.Address

	// AuthHash is the transcript hash of the key exchange.
	AuthHash []byte
}

// Bytes returns the encoding of c, as delivered to responder callbacks.
func (c *Completed) Bytes() ([]byte, error) {
	return cbor.Marshal(c)
}

// CompletedFromBytes decodes a Completed delivered to a responder callback.
func CompletedFromBytes(b []byte) (*Completed, error) {
	c := new(Completed)
	if err := cbor.Unmarshal(b, c); err != nil {
		return nil, errors.Join(ErrInvalidMessage, err)
	}
	if c.Address == "" || len(c.AuthHash) == 0 {
		return nil, ErrInvalidMessage
	}
	return c, nil
}

// Provider creates key exchange channels.
type Provider interface {
	// CreateInitiator starts a key exchange toward route.  Cancelling ctx
	// before the key exchange completes tears it down.
	CreateInitiator(ctx context.Context, route router.Route, req *Request) (*Future, error)

	// ParseRequest extracts the Request from the first message of a key
	// exchange.
	ParseRequest(msg *router.Message) (*Request, error)

	// CreateResponder answers the key exchange started by incoming, and
	// delivers an encoded Completed to callback once done.  It returns the
	// address of the channel worker, which the caller stops if it gives up
	// on the exchange.
	CreateResponder(incoming *router.Message, callback router.Address) (router.Address, error)
}

// Future is the pending result of an initiator key exchange.
type Future struct {
	once   sync.Once
	doneCh chan struct{}

	completed *Completed
	err       error
}

// NewFuture returns an unresolved Future.
func NewFuture() *Future {
	return &Future{
		doneCh: make(chan struct{}),
	}
}

// Resolve sets the result of the Future.  Only the first call has any
// effect.
func (f *Future) Resolve(c *Completed, err error) {
	f.once.Do(func() {
		f.completed, f.err = c, err
		close(f.doneCh)
	})
}

// Done returns a channel that is closed once the Future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.doneCh
}

// Wait blocks until the Future is resolved or ctx is done.
func (f *Future) Wait(ctx context.Context) (*Completed, error) {
	select {
	case <-f.doneCh:
		return f.completed, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
