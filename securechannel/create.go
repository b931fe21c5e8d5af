// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/keyexchange"
	"github.com/katzenpost/idchannel/router"
)

// DefaultTimeout is the default time CreateInitiator waits for the channel
// to be established.
const DefaultTimeout = 2 * time.Minute

// InitiatorConfig is the configuration of the initiator side of a channel.
type InitiatorConfig struct {
	// Route is the route to the responder's listener.
	Route router.Route

	// Identity is the local identity.
	Identity identity.Identity

	// TrustPolicy decides if the responder may be trusted.
	TrustPolicy TrustPolicy

	// Provider is the key exchange the channel is layered on.
	Provider keyexchange.Provider

	// Timeout is how long to wait for the channel to be established,
	// DefaultTimeout if zero.
	Timeout time.Duration

	// Registry, if set, tracks the channel once established.
	Registry *Registry
}

func (cfg *InitiatorConfig) validate() error {
	if len(cfg.Route) == 0 {
		return fmt.Errorf("securechannel: %w", router.ErrEmptyRoute)
	}
	if cfg.Identity == nil || cfg.TrustPolicy == nil || cfg.Provider == nil {
		return errors.New("securechannel: Identity, TrustPolicy and Provider are mandatory")
	}
	if cfg.Timeout < 0 {
		return errors.New("securechannel: invalid Timeout")
	}
	return nil
}

// ResponderConfig is the configuration of the responder side of a channel.
type ResponderConfig struct {
	// Identity is the local identity.
	Identity identity.Identity

	// TrustPolicy decides if the initiator may be trusted.
	TrustPolicy TrustPolicy

	// Provider is the key exchange the channel is layered on.
	Provider keyexchange.Provider

	// ListenerAddress is the address incoming requests were received on.
	ListenerAddress router.Address

	// Registry, if set, tracks the channel once established.
	Registry *Registry

	// Timeout, if non zero, stops a responder whose handshake is not
	// established in time.
	Timeout time.Duration
}

func (cfg *ResponderConfig) validate() error {
	if cfg.Identity == nil || cfg.TrustPolicy == nil || cfg.Provider == nil {
		return errors.New("securechannel: Identity, TrustPolicy and Provider are mandatory")
	}
	if cfg.Timeout < 0 {
		return errors.New("securechannel: invalid Timeout")
	}
	return nil
}

// CreateInitiator starts a key exchange toward cfg.Route, authenticates the
// responder over it, and returns the address of the local encryptor once the
// channel is established.  If that does not happen before cfg.Timeout or ctx
// is done, every worker of the channel is stopped.
func CreateInitiator(ctx context.Context, r *router.Router, cfg *InitiatorConfig) (router.Address, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	callback, err := r.NewInbox()
	if err != nil {
		return "", err
	}
	defer callback.Close()

	d := newDecryptor(r, Initiator, cfg.Identity, cfg.TrustPolicy, cfg.Registry)
	kxCtx, kxCancel := context.WithCancel(context.Background())
	future, err := cfg.Provider.CreateInitiator(kxCtx, cfg.Route, &keyexchange.Request{
		FirstPeerAddress: d.address,
	})
	if err != nil {
		kxCancel()
		return "", err
	}
	d.kxCancel = kxCancel
	d.putState(&startingChannel{
		future:   future,
		callback: callback.Address(),
	})
	if err = r.StartWorker(d, d.address); err != nil {
		kxCancel()
		return "", err
	}
	d.log.Debugf("Started initiator toward %v", cfg.Route)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := callback.Receive(waitCtx)
	if err != nil {
		r.StopWorker(d.address)
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		return "", err
	}
	confirmation, err := AuthenticationConfirmationFromBytes(msg.Payload)
	if err != nil {
		r.StopWorker(d.address)
		return "", err
	}
	return confirmation.EncryptorAddress, nil
}

// CreateResponder answers the key exchange started by incoming, and
// authenticates the initiator over it.  It returns the address of the
// responder's decryptor.  The channel is established once the initiator's
// identity is verified, which is observable through cfg.Registry.
func CreateResponder(r *router.Router, cfg *ResponderConfig, incoming *router.Message) (router.Address, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	req, err := cfg.Provider.ParseRequest(incoming)
	if err != nil {
		if errors.Is(err, keyexchange.ErrNoFirstPeerAddress) {
			return "", fmt.Errorf("%w: %v", ErrSecureChannelCannotBeAuthenticated, err)
		}
		return "", err
	}

	d := newDecryptor(r, Responder, cfg.Identity, cfg.TrustPolicy, cfg.Registry)
	d.deadline = cfg.Timeout
	d.putState(&awaitingKeyExchange{
		firstPeerAddress: req.FirstPeerAddress,
	})
	if err = r.StartWorker(d, d.address); err != nil {
		return "", err
	}
	channel, err := cfg.Provider.CreateResponder(incoming, d.address)
	if err != nil {
		r.StopWorker(d.address)
		return "", err
	}
	d.own(channel)
	if !r.HasWorker(d.address) {
		// Stopped before the channel was owned.
		r.StopWorker(channel)
		return "", fmt.Errorf("%w: responder stopped during creation", ErrNoSuchChannel)
	}
	d.log.Debugf("Started responder on listener %v for %v", cfg.ListenerAddress, req.FirstPeerAddress)
	return d.address, nil
}
