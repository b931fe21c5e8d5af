// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package noise implements an unauthenticated encrypted channel between two
// router workers, keyed with a Noise XX handshake.
package noise

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"

	"github.com/katzenpost/idchannel/keyexchange"
	"github.com/katzenpost/idchannel/router"
)

var (
	// ErrChannelClosed is the error an initiator Future resolves to when the
	// channel is torn down before the key exchange completes.
	ErrChannelClosed = errors.New("noise: channel closed")

	// ErrNotEstablished is the error returned when a message is routed
	// through a channel that is still handshaking.
	ErrNotEstablished = errors.New("noise: channel not established")

	errUnexpectedHandshake = errors.New("noise: unexpected handshake state")

	protocol = &nyquist.Protocol{
		Pattern: pattern.XX,
		DH:      dh.X25519,
		Cipher:  cipher.ChaChaPoly,
		Hash:    hash.BLAKE2s,
	}
	prologue = []byte("idchannel noise v1")
)

type handshakeFrame struct {
	FirstPeerAddress router.Address `cbor:",omitempty"`
	Handshake        []byte
}

type transportFrame struct {
	OnwardRoute router.Route
	ReturnRoute router.Route
	Payload     []byte
}

// Provider is a keyexchange.Provider backed by Noise XX channels.
type Provider struct {
	r      *router.Router
	log    *logging.Logger
	static dh.Keypair
}

// New returns a Provider whose channels are registered with r, using a
// fresh static X25519 key.
func New(r *router.Router) (*Provider, error) {
	static, err := protocol.DH.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Provider{
		r:      r,
		log:    r.LogBackend().GetLogger("keyexchange/noise"),
		static: static,
	}, nil
}

func (p *Provider) newHandshake(isInitiator bool) (*nyquist.HandshakeState, error) {
	return nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol: protocol,
		Rng:      rand.Reader,
		Prologue: prologue,
		DH: &nyquist.DHConfig{
			LocalStatic: p.static,
		},
		IsInitiator: isInitiator,
	})
}

// CreateInitiator implements keyexchange.Provider.
func (p *Provider) CreateInitiator(ctx context.Context, route router.Route, req *keyexchange.Request) (*keyexchange.Future, error) {
	if req == nil || req.FirstPeerAddress == "" {
		return nil, keyexchange.ErrNoFirstPeerAddress
	}
	hs, err := p.newHandshake(true)
	if err != nil {
		return nil, err
	}
	msg1, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	payload, err := cbor.Marshal(&handshakeFrame{
		FirstPeerAddress: req.FirstPeerAddress,
		Handshake:        msg1,
	})
	if err != nil {
		return nil, err
	}

	c := p.newChannel(true, hs)
	c.future = keyexchange.NewFuture()
	if err = p.r.StartWorker(c, c.local, c.remote); err != nil {
		return nil, err
	}
	if err = p.r.SendFrom(c.remote, route, payload); err != nil {
		p.r.StopWorker(c.local)
		return nil, err
	}
	c.log.Debugf("Sent handshake request toward %v", route)

	go func() {
		select {
		case <-c.future.Done():
			return
		case <-ctx.Done():
		}
		c.future.Resolve(nil, ctx.Err())
		if _, err := c.future.Wait(context.Background()); err != nil {
			c.log.Debugf("Key exchange abandoned: %v", err)
			p.r.StopWorker(c.local)
		}
	}()

	return c.future, nil
}

// ParseRequest implements keyexchange.Provider.
func (p *Provider) ParseRequest(msg *router.Message) (*keyexchange.Request, error) {
	f, err := decodeHandshakeFrame(msg.Payload)
	if err != nil {
		return nil, err
	}
	if f.FirstPeerAddress == "" {
		return nil, keyexchange.ErrNoFirstPeerAddress
	}
	return &keyexchange.Request{
		FirstPeerAddress: f.FirstPeerAddress,
	}, nil
}

// CreateResponder implements keyexchange.Provider.
func (p *Provider) CreateResponder(incoming *router.Message, callback router.Address) (router.Address, error) {
	f, err := decodeHandshakeFrame(incoming.Payload)
	if err != nil {
		return "", err
	}
	hs, err := p.newHandshake(false)
	if err != nil {
		return "", err
	}
	if _, err = hs.ReadMessage(nil, f.Handshake); err != nil {
		return "", err
	}
	msg2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return "", err
	}
	payload, err := cbor.Marshal(&handshakeFrame{Handshake: msg2})
	if err != nil {
		return "", err
	}

	c := p.newChannel(false, hs)
	c.callback = callback
	if err = p.r.StartWorker(c, c.local, c.remote); err != nil {
		return "", err
	}
	if err = p.r.SendFrom(c.remote, incoming.ReturnRoute, payload); err != nil {
		p.r.StopWorker(c.local)
		return "", err
	}
	return c.local, nil
}

func decodeHandshakeFrame(b []byte) (*handshakeFrame, error) {
	f := new(handshakeFrame)
	if err := cbor.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("%w: %v", keyexchange.ErrInvalidMessage, err)
	}
	if len(f.Handshake) == 0 {
		return nil, keyexchange.ErrInvalidMessage
	}
	return f, nil
}
