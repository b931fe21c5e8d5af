// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"

	"github.com/katzenpost/idchannel/core/log"
	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/identity/contactdb"
	"github.com/katzenpost/idchannel/keyexchange/noise"
	"github.com/katzenpost/idchannel/router"
	"github.com/katzenpost/idchannel/securechannel"
)

// ErrSelfTestFailed is returned when the loopback exchange misbehaves.
var ErrSelfTestFailed = errors.New("node: self test failed")

// SelfTestResult describes a successful loopback exchange.
type SelfTestResult struct {
	Initiator identity.IdentityID
	Responder identity.IdentityID
	Channel   securechannel.ChannelInfo
	RoundTrip time.Duration
}

type loopbackPeer struct {
	id       *identity.LocalIdentity
	channels *securechannel.SecureChannels
}

func newLoopbackPeer(r *router.Router, scheme sign.Scheme, timeout time.Duration) (*loopbackPeer, error) {
	id, err := identity.New(scheme, contactdb.NewMemory(), r.LogBackend())
	if err != nil {
		return nil, err
	}
	provider, err := noise.New(r)
	if err != nil {
		return nil, err
	}
	return &loopbackPeer{
		id:       id,
		channels: securechannel.New(r, id, provider, timeout),
	}, nil
}

// SelfTest creates two throwaway identities on a private router, opens a
// secure channel between them and echoes a random payload through it.
func SelfTest(ctx context.Context, logBackend *log.Backend, scheme sign.Scheme, timeout time.Duration) (*SelfTestResult, error) {
	r := router.New(logBackend)
	defer r.Shutdown()

	alice, err := newLoopbackPeer(r, scheme, timeout)
	if err != nil {
		return nil, err
	}
	bob, err := newLoopbackPeer(r, scheme, timeout)
	if err != nil {
		return nil, err
	}

	l, err := bob.channels.CreateSecureChannelListener("", &securechannel.TrustIdentifierPolicy{ID: alice.id.ID()})
	if err != nil {
		return nil, err
	}
	defer l.Stop()

	echo := r.AllocateAddress()
	if err = r.StartWorker(router.HandlerFunc(func(wctx *router.Context, msg *router.Message) error {
		if peer, ok := securechannel.PeerIdentity(msg); !ok || peer != alice.id.ID() {
			return fmt.Errorf("%w: echo received an untagged message", ErrSelfTestFailed)
		}
		return wctx.Send(msg.ReturnRoute, msg.Payload)
	}), echo); err != nil {
		return nil, err
	}

	start := time.Now()
	info, err := alice.channels.CreateSecureChannel(ctx, router.NewRoute(l.Address()), &securechannel.TrustIdentifierPolicy{ID: bob.id.ID()})
	if err != nil {
		return nil, err
	}

	inbox, err := r.NewInbox()
	if err != nil {
		return nil, err
	}
	defer inbox.Close()

	payload := make([]byte, 32)
	if _, err = rand.Reader.Read(payload); err != nil {
		return nil, err
	}
	if err = r.Send(&router.Message{
		OnwardRoute: router.NewRoute(info.EncryptorAddress, echo),
		ReturnRoute: router.NewRoute(inbox.Address()),
		Payload:     payload,
	}); err != nil {
		return nil, err
	}
	reply, err := inbox.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(reply.Payload, payload) {
		return nil, fmt.Errorf("%w: echo payload mismatch", ErrSelfTestFailed)
	}
	if peer, ok := securechannel.PeerIdentity(reply); !ok || peer != bob.id.ID() {
		return nil, fmt.Errorf("%w: reply is not tagged with the responder identity", ErrSelfTestFailed)
	}

	return &SelfTestResult{
		Initiator: alice.id.ID(),
		Responder: bob.id.ID(),
		Channel:   *info,
		RoundTrip: time.Since(start),
	}, nil
}
