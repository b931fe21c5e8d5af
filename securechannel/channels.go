// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package securechannel implements mutually authenticated secure channels
// bound to long term identities, layered over unauthenticated key exchange
// channels.
//
// Each side of a channel is a pair of router workers.  The decryptor runs
// the identity handshake and, once established, tags every decrypted
// message with the peer's identity.  The encryptor routes outbound messages
// through the key exchange channel to the peer's decryptor.
package securechannel

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/keyexchange"
	"github.com/katzenpost/idchannel/router"
)

// SecureChannels creates and tracks the secure channels of one identity.
type SecureChannels struct {
	r        *router.Router
	log      *logging.Logger
	identity identity.Identity
	provider keyexchange.Provider
	registry *Registry

	timeout time.Duration
}

// New returns a SecureChannels for id, using provider for key exchanges.  A
// zero timeout selects DefaultTimeout.
func New(r *router.Router, id identity.Identity, provider keyexchange.Provider, timeout time.Duration) *SecureChannels {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &SecureChannels{
		r:        r,
		log:      r.LogBackend().GetLogger("securechannel"),
		identity: id,
		provider: provider,
		registry: NewRegistry(),
		timeout:  timeout,
	}
}

// Identity returns the local identity.
func (s *SecureChannels) Identity() identity.Identity {
	return s.identity
}

// Registry returns the registry of established channels.
func (s *SecureChannels) Registry() *Registry {
	return s.registry
}

// CreateSecureChannel creates a channel to the listener at the end of
// route.
func (s *SecureChannels) CreateSecureChannel(ctx context.Context, route router.Route, trust TrustPolicy) (*ChannelInfo, error) {
	addr, err := CreateInitiator(ctx, s.r, &InitiatorConfig{
		Route:       route,
		Identity:    s.identity,
		TrustPolicy: trust,
		Provider:    s.provider,
		Timeout:     s.timeout,
		Registry:    s.registry,
	})
	if err != nil {
		return nil, err
	}
	info, ok := s.registry.Get(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %v closed during creation", ErrNoSuchChannel, addr)
	}
	s.log.Infof("Created secure channel to %v, encryptor %v", info.Peer, info.EncryptorAddress)
	return &info, nil
}

// CreateSecureChannelListener starts a listener at address that accepts
// channels from peers allowed by trust.  An empty address is allocated.
// Responders that are not established within the handshake timeout are
// stopped.
func (s *SecureChannels) CreateSecureChannelListener(address router.Address, trust TrustPolicy) (*Listener, error) {
	return NewListener(s.r, &ResponderConfig{
		Identity:        s.identity,
		TrustPolicy:     trust,
		Provider:        s.provider,
		ListenerAddress: address,
		Registry:        s.registry,
		Timeout:         s.timeout,
	})
}

// StopSecureChannel tears down the channel whose encryptor is at
// encryptorAddress.
func (s *SecureChannels) StopSecureChannel(encryptorAddress router.Address) error {
	info, ok := s.registry.Get(encryptorAddress)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoSuchChannel, encryptorAddress)
	}
	if err := s.r.StopWorker(info.DecryptorAddress); err != nil {
		return err
	}
	s.log.Infof("Stopped secure channel to %v", info.Peer)
	return nil
}

// Channels returns every established channel.
func (s *SecureChannels) Channels() []ChannelInfo {
	return s.registry.List()
}
