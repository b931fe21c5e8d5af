// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package noise

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/nyquist"

	"github.com/katzenpost/idchannel/keyexchange"
	"github.com/katzenpost/idchannel/router"
)

// channel is one side of an encrypted channel.  It listens on two
// addresses: local, where workers on this node route plaintext to be
// encrypted, and remote, where the peer's channel sends ciphertext.
type channel struct {
	p   *Provider
	log *logging.Logger

	isInitiator bool
	local       router.Address
	remote      router.Address

	// Handshake phase.
	hs       *nyquist.HandshakeState
	future   *keyexchange.Future
	callback router.Address

	// Transport phase.
	peerRoute router.Route
	tx        *nyquist.CipherState
	rx        *nyquist.CipherState
}

func (p *Provider) newChannel(isInitiator bool, hs *nyquist.HandshakeState) *channel {
	c := &channel{
		p:           p,
		isInitiator: isInitiator,
		local:       p.r.AllocateAddress(),
		remote:      p.r.AllocateAddress(),
		hs:          hs,
	}
	c.log = p.r.LogBackend().GetLogger(fmt.Sprintf("keyexchange/noise:%s", shortAddr(c.local)))
	return c
}

// HandleMessage implements router.Handler.
func (c *channel) HandleMessage(ctx *router.Context, msg *router.Message) error {
	next, err := msg.OnwardRoute.Next()
	if err != nil {
		return err
	}
	switch {
	case c.hs != nil:
		if next != c.remote {
			return ErrNotEstablished
		}
		if err = c.onHandshake(ctx, msg); err != nil {
			c.log.Warningf("Handshake failed: %v", err)
			c.fail(ctx, err)
		}
		return err
	case next == c.local:
		return c.onEncrypt(ctx, msg)
	default:
		return c.onDecrypt(ctx, msg)
	}
}

// Finalize implements router.Finalizer.
func (c *channel) Finalize(ctx *router.Context) {
	if c.future != nil {
		c.future.Resolve(nil, ErrChannelClosed)
	}
	if c.tx != nil {
		c.tx.Reset()
		c.rx.Reset()
	}
	if c.hs != nil {
		c.hs.Reset()
	}
}

func (c *channel) fail(ctx *router.Context, err error) {
	if c.future != nil {
		c.future.Resolve(nil, err)
	}
	ctx.Stop()
}

func (c *channel) onHandshake(ctx *router.Context, msg *router.Message) error {
	f, err := decodeHandshakeFrame(msg.Payload)
	if err != nil {
		return err
	}

	if c.isInitiator {
		// <- e, ee, s, es
		if _, err = c.hs.ReadMessage(nil, f.Handshake); err != nil {
			return err
		}
		// -> s, se
		msg3, err := c.hs.WriteMessage(nil, nil)
		if !errors.Is(err, nyquist.ErrDone) {
			if err == nil {
				err = errUnexpectedHandshake
			}
			return err
		}
		payload, err := cbor.Marshal(&handshakeFrame{Handshake: msg3})
		if err != nil {
			return err
		}
		c.peerRoute = router.NewRoute(msg.ReturnRoute...)
		if err = ctx.SendFrom(c.remote, c.peerRoute, payload); err != nil {
			return err
		}
		completed := c.establish()
		c.log.Debugf("Key exchange complete, peer %v", c.peerRoute)
		c.future.Resolve(completed, nil)
		return nil
	}

	// <- s, se
	if _, err = c.hs.ReadMessage(nil, f.Handshake); !errors.Is(err, nyquist.ErrDone) {
		if err == nil {
			err = errUnexpectedHandshake
		}
		return err
	}
	c.peerRoute = router.NewRoute(msg.ReturnRoute...)
	completed := c.establish()
	payload, err := completed.Bytes()
	if err != nil {
		return err
	}
	if err = ctx.SendFrom(c.local, router.NewRoute(c.callback), payload); err != nil {
		return fmt.Errorf("callback %v: %w", c.callback, err)
	}
	c.log.Debugf("Key exchange complete, peer %v", c.peerRoute)
	return nil
}

func (c *channel) establish() *keyexchange.Completed {
	status := c.hs.GetStatus()
	if c.isInitiator {
		c.tx, c.rx = status.CipherStates[0], status.CipherStates[1]
	} else {
		c.rx, c.tx = status.CipherStates[0], status.CipherStates[1]
	}
	c.hs = nil
	return &keyexchange.Completed{
		Address:  c.local,
		AuthHash: append([]byte(nil), status.HandshakeHash...),
	}
}

func (c *channel) onEncrypt(ctx *router.Context, msg *router.Message) error {
	_, onward, err := msg.OnwardRoute.Step()
	if err != nil {
		return err
	}
	pt, err := cbor.Marshal(&transportFrame{
		OnwardRoute: onward,
		ReturnRoute: msg.ReturnRoute,
		Payload:     msg.Payload,
	})
	if err != nil {
		return err
	}
	ct, err := c.tx.EncryptWithAd(nil, nil, pt)
	if err != nil {
		return err
	}
	return ctx.Forward(&router.Message{
		OnwardRoute: router.NewRoute(c.peerRoute...),
		ReturnRoute: router.NewRoute(c.remote),
		Payload:     ct,
	})
}

func (c *channel) onDecrypt(ctx *router.Context, msg *router.Message) error {
	pt, err := c.rx.DecryptWithAd(nil, nil, msg.Payload)
	if err != nil {
		// The nonce did not advance, and can never resynchronize.
		c.log.Errorf("Failed to decrypt, closing channel: %v", err)
		ctx.Stop()
		return err
	}
	f := new(transportFrame)
	if err = cbor.Unmarshal(pt, f); err != nil {
		c.log.Errorf("Failed to decode transport frame, closing channel: %v", err)
		ctx.Stop()
		return err
	}
	if err = ctx.Forward(&router.Message{
		OnwardRoute: f.OnwardRoute,
		ReturnRoute: f.ReturnRoute.Prepend(c.local),
		Payload:     f.Payload,
	}); err != nil {
		c.log.Debugf("Failed to forward decrypted message: %v", err)
		return err
	}
	return nil
}

func shortAddr(a router.Address) string {
	if len(a) > 8 {
		return string(a[:8])
	}
	return string(a)
}
