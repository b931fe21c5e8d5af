// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/idchannel/internal/instrument"
	"github.com/katzenpost/idchannel/router"
)

// encryptor routes outbound messages of an established channel through the
// key exchange channel to the peer's decryptor.
type encryptor struct {
	log *logging.Logger

	role ChannelRole

	address            router.Address
	decryptorAddress   router.Address
	peerChannelAddress router.Address
	channelAddress     router.Address
}

func newEncryptor(r *router.Router, role ChannelRole, decryptorAddress, peerChannelAddress, channelAddress router.Address) *encryptor {
	e := &encryptor{
		role:               role,
		address:            r.AllocateAddress(),
		decryptorAddress:   decryptorAddress,
		peerChannelAddress: peerChannelAddress,
		channelAddress:     channelAddress,
	}
	e.log = r.LogBackend().GetLogger(fmt.Sprintf("securechannel/encryptor:%s", shortAddr(e.address)))
	return e
}

// HandleMessage implements router.Handler.
func (e *encryptor) HandleMessage(ctx *router.Context, msg *router.Message) error {
	_, onward, err := msg.OnwardRoute.Step()
	if err != nil {
		return err
	}

	if err = ctx.Forward(&router.Message{
		OnwardRoute: onward.Prepend(e.channelAddress, e.peerChannelAddress),
		ReturnRoute: msg.ReturnRoute.Prepend(e.address),
		Payload:     msg.Payload,
	}); err != nil {
		e.log.Warningf("Failed to route message into channel %v: %v", e.channelAddress, err)
		instrument.MessageDropped("channel")
		return err
	}
	instrument.MessageEncrypted()
	return nil
}
