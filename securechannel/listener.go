// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"errors"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/idchannel/router"
)

// Listener is a worker that creates a responder for every key exchange
// request it receives.
type Listener struct {
	r   *router.Router
	log *logging.Logger
	cfg ResponderConfig
}

// NewListener starts a Listener at cfg.ListenerAddress, allocating one if
// unset.
func NewListener(r *router.Router, cfg *ResponderConfig) (*Listener, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Listener{
		r:   r,
		cfg: *cfg,
	}
	if l.cfg.ListenerAddress == "" {
		l.cfg.ListenerAddress = r.AllocateAddress()
	}
	l.log = r.LogBackend().GetLogger(fmt.Sprintf("securechannel/listener:%s", shortAddr(l.cfg.ListenerAddress)))
	if err := r.StartWorker(l, l.cfg.ListenerAddress); err != nil {
		return nil, err
	}
	l.log.Debug("Listening")
	return l, nil
}

// Address returns the address of the Listener.
func (l *Listener) Address() router.Address {
	return l.cfg.ListenerAddress
}

// Stop stops the Listener.  Channels it created are unaffected.
func (l *Listener) Stop() error {
	return l.r.StopWorker(l.cfg.ListenerAddress)
}

// HandleMessage implements router.Handler.
func (l *Listener) HandleMessage(ctx *router.Context, msg *router.Message) error {
	addr, err := CreateResponder(l.r, &l.cfg, msg)
	if err != nil {
		if errors.Is(err, ErrSecureChannelCannotBeAuthenticated) {
			l.log.Warningf("Rejected request from %v: %v", msg.ReturnRoute, err)
		} else {
			l.log.Errorf("Failed to create responder for %v: %v", msg.ReturnRoute, err)
		}
		return nil
	}
	l.log.Debugf("Created responder %v for %v", addr, msg.ReturnRoute)
	return nil
}
