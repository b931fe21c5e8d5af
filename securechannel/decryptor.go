// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/internal/instrument"
	"github.com/katzenpost/idchannel/keyexchange"
	"github.com/katzenpost/idchannel/router"
)

// decryptor runs the identity handshake for one side of a channel, and
// once established, tags and forwards every message the key exchange
// channel decrypts.
type decryptor struct {
	r        *router.Router
	log      *logging.Logger
	registry *Registry

	role     ChannelRole
	address  router.Address
	identity identity.Identity
	trust    TrustPolicy

	// kxCancel tears down an unfinished key exchange.
	kxCancel context.CancelFunc

	// owned are the workers torn down along with the decryptor.
	ownedLock sync.Mutex
	owned     []router.Address

	// deadline, if set, stops a handshake that is not established in time.
	deadline      time.Duration
	establishedCh chan struct{}
	establishOnce sync.Once

	// peer is the claimed peer identity, once received.
	peer identity.IdentityID

	state handshakeState
}

func newDecryptor(r *router.Router, role ChannelRole, id identity.Identity, trust TrustPolicy, registry *Registry) *decryptor {
	d := &decryptor{
		r:        r,
		registry: registry,
		role:     role,
		address:  r.AllocateAddress(),
		identity: id,
		trust:    trust,
		kxCancel:      func() {},
		establishedCh: make(chan struct{}),
	}
	d.log = r.LogBackend().GetLogger(fmt.Sprintf("securechannel/decryptor:%s", shortAddr(d.address)))
	return d
}

// Initialize implements router.Initializer.
func (d *decryptor) Initialize(ctx *router.Context) error {
	instrument.HandshakeStarted(d.role.String())
	if d.deadline > 0 {
		go d.enforceDeadline(ctx.HaltCh())
	}
	if d.role != Initiator {
		return nil
	}

	st, err := d.takeState()
	if err != nil {
		return d.fail(ctx, "none", err)
	}
	s, ok := st.(*startingChannel)
	if !ok {
		d.putState(st)
		return d.fail(ctx, st.String(), ErrInvalidSecureChannelInternalState)
	}

	completed, err := s.future.Wait(ctx.Context())
	if err != nil {
		d.putState(s)
		d.log.Warningf("Key exchange failed: %v", err)
		instrument.HandshakeFailed(d.role.String(), "key_exchange")
		return err
	}
	d.own(completed.Address)
	d.log.Debugf("Key exchange complete, channel %v", completed.Address)
	d.putState(&sendingIdentity{
		channelAddress: completed.Address,
		authHash:       completed.AuthHash,
		callback:       s.callback,
	})
	return nil
}

// own records addr as a worker to stop along with the decryptor.
func (d *decryptor) own(addr router.Address) {
	d.ownedLock.Lock()
	defer d.ownedLock.Unlock()
	for _, a := range d.owned {
		if a == addr {
			return
		}
	}
	d.owned = append(d.owned, addr)
}

func (d *decryptor) enforceDeadline(haltCh <-chan interface{}) {
	t := time.NewTimer(d.deadline)
	defer t.Stop()
	select {
	case <-t.C:
	case <-haltCh:
		return
	case <-d.establishedCh:
		return
	}
	select {
	case <-d.establishedCh:
		return
	default:
	}
	d.log.Warningf("Handshake not established within %v, stopping", d.deadline)
	instrument.HandshakeFailed(d.role.String(), "deadline")
	if err := d.r.StopWorker(d.address); err != nil && !errors.Is(err, router.ErrNoSuchAddress) {
		d.log.Debugf("Failed to stop: %v", err)
	}
}

// Finalize implements router.Finalizer.
func (d *decryptor) Finalize(ctx *router.Context) {
	d.kxCancel()
	d.ownedLock.Lock()
	owned := d.owned
	d.ownedLock.Unlock()
	for _, addr := range owned {
		if err := d.r.StopWorker(addr); err != nil && !errors.Is(err, router.ErrNoSuchAddress) {
			d.log.Debugf("Failed to stop %v: %v", addr, err)
		}
	}
	if _, ok := d.state.(*established); ok {
		if d.registry != nil {
			d.registry.remove(d.address)
		}
		instrument.ChannelClosed()
		d.log.Infof("Closed channel with %v", d.peer)
	}
}

// HandleMessage implements router.Handler.
func (d *decryptor) HandleMessage(ctx *router.Context, msg *router.Message) error {
	name := stateName(d.state)
	if err := d.handle(ctx, msg); err != nil {
		return d.fail(ctx, name, err)
	}
	return nil
}

func (d *decryptor) handle(ctx *router.Context, msg *router.Message) error {
	st, err := d.takeState()
	if err != nil {
		return err
	}

	switch s := st.(type) {
	case *awaitingKeyExchange:
		return d.onKeyExchangeCompleted(ctx, msg, s)
	case *sendingIdentity:
		return d.onIdentityRequest(ctx, msg, s)
	case *awaitingIdentity:
		return d.onIdentityResponse(ctx, msg, s)
	case *established:
		d.onDecrypted(ctx, msg, s)
		return nil
	default:
		d.putState(st)
		return ErrInvalidSecureChannelInternalState
	}
}

// fail logs err according to its class, and stops the decryptor unless the
// error is survivable.
func (d *decryptor) fail(ctx *router.Context, state string, err error) error {
	herr := &HandshakeError{
		Role:    d.role,
		State:   state,
		Address: d.address,
		Peer:    d.peer,
		Err:     err,
	}
	reason := "protocol"
	switch {
	case errors.Is(err, ErrUnknownChannelDestination):
		d.log.Warningf("Rejected message: %v", herr)
		instrument.MessageDropped("destination")
		return herr
	case errors.Is(err, ErrSecureChannelVerificationFailed):
		reason = "verification"
		d.log.Errorf("AUTHENTICATION FAILURE: %v", herr)
	case errors.Is(err, ErrSecureChannelTrustCheckFailed):
		reason = "trust"
		d.log.Noticef("Peer not trusted: %v", herr)
	case errors.Is(err, ErrInvalidSecureChannelInternalState):
		reason = "state"
		d.log.Errorf("Internal state violation: %v", herr)
	default:
		d.log.Warningf("Handshake aborted: %v", herr)
	}
	instrument.HandshakeFailed(d.role.String(), reason)
	ctx.Stop()
	return herr
}

func (d *decryptor) newIdentityRecord(authHash []byte) (*IdentityRecord, error) {
	contact, err := d.identity.AsContact()
	if err != nil {
		return nil, err
	}
	proof, err := d.identity.CreateAuthProof(authHash)
	if err != nil {
		return nil, err
	}
	return &IdentityRecord{
		Contact: *contact,
		Proof:   proof,
	}, nil
}

// checkChannel requires msg to have been decrypted by the channel.
func checkChannel(msg *router.Message, channelAddress router.Address) error {
	next, err := msg.ReturnRoute.Next()
	if err != nil || next != channelAddress {
		return fmt.Errorf("%w: message from %v", ErrUnknownChannelDestination, msg.ReturnRoute)
	}
	return nil
}

func (d *decryptor) onKeyExchangeCompleted(ctx *router.Context, msg *router.Message, s *awaitingKeyExchange) error {
	completed, err := keyexchange.CompletedFromBytes(msg.Payload)
	if err != nil {
		return err
	}
	d.own(completed.Address)

	record, err := d.newIdentityRecord(completed.AuthHash)
	if err != nil {
		return err
	}
	payload, err := (&IdentityChannelMessage{Request: record}).Bytes()
	if err != nil {
		return err
	}
	if err = ctx.Send(router.NewRoute(completed.Address, s.firstPeerAddress), payload); err != nil {
		return err
	}
	d.log.Debugf("Key exchange complete, sent identity to %v", s.firstPeerAddress)

	d.putState(&awaitingIdentity{
		channelAddress: completed.Address,
		authHash:       completed.AuthHash,
	})
	return nil
}

// verifyPeer checks the peer's contact and proof, then asks the trust
// policy.  A known contact is never replaced by the one in record.
func (d *decryptor) verifyPeer(ctx *router.Context, authHash []byte, record *IdentityRecord) (identity.IdentityID, error) {
	contact := &record.Contact
	id := contact.ID
	d.peer = id

	_, err := d.identity.GetContact(id)
	switch {
	case errors.Is(err, identity.ErrNoSuchContact):
		ok, err := d.identity.VerifyAndAddContact(contact)
		if err != nil {
			return id, err
		}
		if !ok {
			return id, fmt.Errorf("%w: invalid contact", ErrSecureChannelVerificationFailed)
		}
	case err != nil:
		return id, err
	}

	ok, err := d.identity.VerifyAuthProof(authHash, id, record.Proof)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrSecureChannelVerificationFailed, err)
	}
	if !ok {
		return id, fmt.Errorf("%w: invalid proof", ErrSecureChannelVerificationFailed)
	}

	trusted, err := d.trust.Check(ctx.Context(), &TrustInfo{ID: id})
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrSecureChannelTrustCheckFailed, err)
	}
	if !trusted {
		return id, ErrSecureChannelTrustCheckFailed
	}
	return id, nil
}

func (d *decryptor) onIdentityRequest(ctx *router.Context, msg *router.Message, s *sendingIdentity) error {
	if err := checkChannel(msg, s.channelAddress); err != nil {
		d.putState(s)
		return err
	}
	m, err := IdentityChannelMessageFromBytes(msg.Payload)
	if err != nil {
		return err
	}
	if m.Request == nil {
		return fmt.Errorf("%w: expected a request", ErrInvalidMessage)
	}
	peerID, err := d.verifyPeer(ctx, s.authHash, m.Request)
	if err != nil {
		return err
	}

	record, err := d.newIdentityRecord(s.authHash)
	if err != nil {
		return err
	}
	payload, err := (&IdentityChannelMessage{Response: record}).Bytes()
	if err != nil {
		return err
	}
	peerChannelAddress, err := msg.ReturnRoute.Recipient()
	if err != nil {
		return err
	}
	if err = ctx.Send(msg.ReturnRoute, payload); err != nil {
		return err
	}

	st, err := d.establish(s.channelAddress, peerChannelAddress, peerID)
	if err != nil {
		return err
	}
	d.putState(st)

	confirmation, err := (&AuthenticationConfirmation{
		EncryptorAddress: st.encryptorAddress,
		PeerIdentity:     peerID,
	}).Bytes()
	if err != nil {
		return err
	}
	if err = ctx.SendFrom(d.address, router.NewRoute(s.callback), confirmation); err != nil {
		// Nobody is left to use the channel.
		d.log.Warningf("Failed to deliver confirmation, closing channel: %v", err)
		ctx.Stop()
	}
	return nil
}

func (d *decryptor) onIdentityResponse(ctx *router.Context, msg *router.Message, s *awaitingIdentity) error {
	if err := checkChannel(msg, s.channelAddress); err != nil {
		d.putState(s)
		return err
	}
	m, err := IdentityChannelMessageFromBytes(msg.Payload)
	if err != nil {
		return err
	}
	if m.Response == nil {
		return fmt.Errorf("%w: expected a response", ErrInvalidMessage)
	}
	peerID, err := d.verifyPeer(ctx, s.authHash, m.Response)
	if err != nil {
		return err
	}
	peerChannelAddress, err := msg.ReturnRoute.Recipient()
	if err != nil {
		return err
	}

	st, err := d.establish(s.channelAddress, peerChannelAddress, peerID)
	if err != nil {
		return err
	}
	d.putState(st)
	return nil
}

func (d *decryptor) establish(channelAddress, peerChannelAddress router.Address, peerID identity.IdentityID) (*established, error) {
	e := newEncryptor(d.r, d.role, d.address, peerChannelAddress, channelAddress)
	if err := d.r.StartWorker(e, e.address); err != nil {
		return nil, err
	}
	d.own(e.address)

	st := &established{
		channelAddress:     channelAddress,
		peerChannelAddress: peerChannelAddress,
		peerID:             peerID,
		encryptorAddress:   e.address,
	}
	if d.registry != nil {
		d.registry.add(&ChannelInfo{
			Role:               d.role,
			Peer:               peerID,
			DecryptorAddress:   d.address,
			EncryptorAddress:   e.address,
			ChannelAddress:     channelAddress,
			PeerChannelAddress: peerChannelAddress,
			Established:        time.Now(),
		})
	}
	instrument.HandshakeCompleted(d.role.String())
	instrument.ChannelEstablished()
	d.log.Noticef("Established channel with %v, encryptor %v", peerID, e.address)
	return st, nil
}

// onDecrypted tags a decrypted message with the peer identity, and forwards
// it with a return route through the local encryptor.
func (d *decryptor) onDecrypted(ctx *router.Context, msg *router.Message, s *established) {
	d.putState(s)

	if err := checkChannel(msg, s.channelAddress); err != nil {
		d.log.Warningf("Rejected message: %v", err)
		instrument.MessageDropped("destination")
		return
	}
	_, onward, err := msg.OnwardRoute.Step()
	if err == nil && len(onward) == 0 {
		err = router.ErrEmptyRoute
	}
	if err != nil {
		d.log.Debugf("Dropping message with no onward hop")
		instrument.MessageDropped("route")
		return
	}

	// [channel, peer encryptor, ...] becomes [local encryptor, ...].
	if len(msg.ReturnRoute) < 2 {
		d.log.Warningf("Dropping message with truncated return route %v", msg.ReturnRoute)
		instrument.MessageDropped("route")
		return
	}
	returnRoute := router.NewRoute(msg.ReturnRoute[2:]...).Prepend(s.encryptorAddress)

	localInfo := append(msg.LocalInfo[:len(msg.LocalInfo):len(msg.LocalInfo)], identityLocalInfo(s.peerID))
	if err = ctx.Forward(&router.Message{
		OnwardRoute: onward,
		ReturnRoute: returnRoute,
		Payload:     msg.Payload,
		LocalInfo:   localInfo,
	}); err != nil {
		d.log.Debugf("Failed to forward message: %v", err)
		instrument.MessageDropped("forward")
		return
	}
	instrument.MessageDecrypted()
}

func shortAddr(a router.Address) string {
	if len(a) > 8 {
		return string(a[:8])
	}
	return string(a)
}
