// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"context"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/idchannel/core/worker"
)

// mailbox is an unbounded FIFO queue of messages, drained either by a
// worker go routine or by an Inbox.
type mailbox struct {
	worker.Worker
	sync.Mutex

	r       *Router
	addrs   []Address
	handler Handler
	log     *logging.Logger

	queue    []*Message
	signalCh chan struct{}
}

func newMailbox(r *Router, addrs []Address, h Handler) *mailbox {
	return &mailbox{
		r:        r,
		addrs:    NewRoute(addrs...),
		handler:  h,
		log:      r.logBackend.GetLogger("router/worker:" + shortAddr(addrs[0])),
		signalCh: make(chan struct{}, 1),
	}
}

func (m *mailbox) enqueue(msg *Message) error {
	m.Lock()
	if m.IsHalted() {
		m.Unlock()
		return ErrNoSuchAddress
	}
	m.queue = append(m.queue, msg)
	m.Unlock()

	select {
	case m.signalCh <- struct{}{}:
	default:
	}
	return nil
}

func (m *mailbox) dequeue() *Message {
	m.Lock()
	defer m.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	msg := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return msg
}

func (m *mailbox) worker() {
	haltCtx, cancel := m.HaltContext(context.Background())
	defer cancel()
	ctx := &Context{m: m, ctx: haltCtx}

	defer func() {
		m.r.unregister(m)
		if f, ok := m.handler.(Finalizer); ok {
			f.Finalize(ctx)
		}
		m.log.Debug("Worker stopped")
	}()

	if init, ok := m.handler.(Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			m.log.Debugf("Initialize failed, stopping: %v", err)
			return
		}
	}

	for {
		if m.IsHalted() {
			return
		}
		msg := m.dequeue()
		if msg == nil {
			select {
			case <-m.HaltCh():
				return
			case <-m.signalCh:
			}
			continue
		}
		if err := m.handler.HandleMessage(ctx, msg); err != nil {
			m.log.Debugf("HandleMessage: %v", err)
		}
	}
}

func shortAddr(a Address) string {
	if len(a) > 8 {
		return string(a[:8])
	}
	return string(a)
}
