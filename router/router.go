// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package router implements the in-process message routing substrate that
// secure channel workers are built on.  Every worker is an actor: it owns a
// mailbox, and handles at most one message at a time in arrival order.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/idchannel/core/log"
	"github.com/katzenpost/idchannel/core/worker"
)

var (
	// ErrNoSuchAddress is the error returned when a message is sent to an
	// address with no registered worker.
	ErrNoSuchAddress = errors.New("router: no such address")

	// ErrAddressInUse is the error returned when a worker is started on an
	// address that is already registered.
	ErrAddressInUse = errors.New("router: address in use")

	// ErrHalted is the error returned by operations on a halted Router.
	ErrHalted = errors.New("router: halted")
)

// Handler processes the messages delivered to a worker.
type Handler interface {
	HandleMessage(ctx *Context, msg *Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx *Context, msg *Message) error

// HandleMessage calls f(ctx, msg).
func (f HandlerFunc) HandleMessage(ctx *Context, msg *Message) error {
	return f(ctx, msg)
}

// Initializer is implemented by handlers that must run code on the worker
// before the mailbox is drained.  Messages that arrive meanwhile are queued.
// A non-nil error stops the worker.
type Initializer interface {
	Initialize(ctx *Context) error
}

// Finalizer is implemented by handlers that want to be told when their
// worker stops.
type Finalizer interface {
	Finalize(ctx *Context)
}

// Router delivers messages to the workers registered on this node.
type Router struct {
	sync.RWMutex
	worker.Worker

	logBackend *log.Backend
	log        *logging.Logger

	mailboxes map[Address]*mailbox
}

// New creates a Router logging to logBackend.
func New(logBackend *log.Backend) *Router {
	return &Router{
		logBackend: logBackend,
		log:        logBackend.GetLogger("router"),
		mailboxes:  make(map[Address]*mailbox),
	}
}

// LogBackend returns the log backend shared by the workers of this Router.
func (r *Router) LogBackend() *log.Backend {
	return r.logBackend
}

// AllocateAddress returns a fresh address that is not yet registered.
func (r *Router) AllocateAddress() Address {
	r.RLock()
	defer r.RUnlock()
	for {
		addr := NewAddress()
		if _, ok := r.mailboxes[addr]; !ok {
			return addr
		}
	}
}

// StartWorker registers h under every address of addrs, the first of which
// is the worker's primary address, and starts processing messages.
func (r *Router) StartWorker(h Handler, addrs ...Address) error {
	if len(addrs) == 0 {
		return errors.New("router: StartWorker requires an address")
	}
	m := newMailbox(r, addrs, h)
	if err := r.register(m); err != nil {
		return err
	}
	m.Go(m.worker)
	return nil
}

// NewInbox registers a detached address that is drained by the caller with
// Inbox.Receive instead of a worker.
func (r *Router) NewInbox() (*Inbox, error) {
	addr := r.AllocateAddress()
	m := newMailbox(r, []Address{addr}, nil)
	if err := r.register(m); err != nil {
		return nil, err
	}
	return &Inbox{m: m}, nil
}

func (r *Router) register(m *mailbox) error {
	r.Lock()
	defer r.Unlock()
	if r.IsHalted() {
		return ErrHalted
	}
	for _, addr := range m.addrs {
		if addr == "" {
			return errors.New("router: empty address")
		}
		if _, ok := r.mailboxes[addr]; ok {
			return fmt.Errorf("%w: %v", ErrAddressInUse, addr)
		}
	}
	for _, addr := range m.addrs {
		r.mailboxes[addr] = m
	}
	return nil
}

func (r *Router) unregister(m *mailbox) {
	r.Lock()
	defer r.Unlock()
	for _, addr := range m.addrs {
		if r.mailboxes[addr] == m {
			delete(r.mailboxes, addr)
		}
	}
}

func (r *Router) lookup(addr Address) (*mailbox, bool) {
	r.RLock()
	defer r.RUnlock()
	m, ok := r.mailboxes[addr]
	return m, ok
}

// HasWorker returns true iff a worker or inbox is registered at addr.
func (r *Router) HasWorker(addr Address) bool {
	_, ok := r.lookup(addr)
	return ok
}

// Send delivers msg to the next hop of its onward route.  The Router takes
// ownership of msg.
func (r *Router) Send(msg *Message) error {
	next, err := msg.OnwardRoute.Next()
	if err != nil {
		return err
	}
	m, ok := r.lookup(next)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoSuchAddress, next)
	}
	return m.enqueue(msg)
}

// SendFrom sends payload along route with a return route of [from].
func (r *Router) SendFrom(from Address, route Route, payload []byte) error {
	return r.Send(&Message{
		OnwardRoute: NewRoute(route...),
		ReturnRoute: NewRoute(from),
		Payload:     payload,
	})
}

// StopWorker stops the worker registered at addr, and waits for it to
// return.  It MUST NOT be called by the worker itself, see Context.Stop.
func (r *Router) StopWorker(addr Address) error {
	m, ok := r.lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoSuchAddress, addr)
	}
	r.unregister(m)
	m.Halt()
	return nil
}

// Shutdown stops every registered worker.
func (r *Router) Shutdown() {
	r.Lock()
	r.Signal()
	all := make(map[*mailbox]struct{})
	for _, m := range r.mailboxes {
		all[m] = struct{}{}
	}
	r.mailboxes = make(map[Address]*mailbox)
	r.Unlock()

	for m := range all {
		m.Halt()
	}
	r.log.Debugf("Shutdown: stopped %d workers", len(all))
}

// Context is handed to a Handler, and is bound to the worker it runs on.
type Context struct {
	m   *mailbox
	ctx context.Context
}

// Address returns the primary address of the worker.
func (c *Context) Address() Address {
	return c.m.addrs[0]
}

// Addresses returns all the addresses of the worker.
func (c *Context) Addresses() []Address {
	return NewRoute(c.m.addrs...)
}

// Router returns the Router the worker is registered with.
func (c *Context) Router() *Router {
	return c.m.r
}

// Context returns a context.Context that is cancelled when the worker stops.
func (c *Context) Context() context.Context {
	return c.ctx
}

// HaltCh returns a channel that is closed when the worker stops.
func (c *Context) HaltCh() <-chan interface{} {
	return c.m.HaltCh()
}

// Send sends payload along route, from the worker's primary address.
func (c *Context) Send(route Route, payload []byte) error {
	return c.m.r.SendFrom(c.Address(), route, payload)
}

// SendFrom sends payload along route, with a return route of [from].
func (c *Context) SendFrom(from Address, route Route, payload []byte) error {
	return c.m.r.SendFrom(from, route, payload)
}

// Forward sends an already rewritten message to its next hop.
func (c *Context) Forward(msg *Message) error {
	return c.m.r.Send(msg)
}

// Stop unregisters the worker and makes it return once the current handler
// is done.  It is safe to call from the worker's own handler.
func (c *Context) Stop() {
	c.m.r.unregister(c.m)
	c.m.Signal()
}

// Inbox is a detached address whose messages are read by the caller.
type Inbox struct {
	m *mailbox
}

// Address returns the address of the inbox.
func (i *Inbox) Address() Address {
	return i.m.addrs[0]
}

// Receive blocks until a message arrives, ctx is done, or the inbox is
// closed.
func (i *Inbox) Receive(ctx context.Context) (*Message, error) {
	for {
		if msg := i.m.dequeue(); msg != nil {
			return msg, nil
		}
		select {
		case <-i.m.signalCh:
		case <-i.m.HaltCh():
			return nil, ErrHalted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close unregisters the inbox.  Pending messages are discarded.
func (i *Inbox) Close() {
	i.m.r.unregister(i.m)
	i.m.Signal()
}
