// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/idchannel/core/log"
)

func newTestRouter(t *testing.T) *Router {
	logBackend, err := log.NewWriterBackend(io.Discard, "DEBUG")
	require.NoError(t, err)
	r := New(logBackend)
	t.Cleanup(r.Shutdown)
	return r
}

func receive(t *testing.T, inbox *Inbox) *Message {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := inbox.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestRouteOperations(t *testing.T) {
	require := require.New(t)

	a, b, c := Address("a"), Address("b"), Address("c")
	r := NewRoute(a, b)

	next, err := r.Next()
	require.NoError(err)
	require.Equal(a, next)

	hop, rest, err := r.Step()
	require.NoError(err)
	require.Equal(a, hop)
	require.Equal(NewRoute(b), rest)
	require.Equal(NewRoute(a, b), r, "Step must not modify the receiver")

	require.Equal(NewRoute(c, a, b), r.Prepend(c))
	require.Equal(NewRoute(a, b, c), r.Append(c))

	last, err := r.Recipient()
	require.NoError(err)
	require.Equal(b, last)

	popped, err := r.PopFront()
	require.NoError(err)
	require.True(popped.Equal(NewRoute(b)))

	_, err = Route(nil).Next()
	require.ErrorIs(err, ErrEmptyRoute)
	_, _, err = Route(nil).Step()
	require.ErrorIs(err, ErrEmptyRoute)
	_, err = Route(nil).Recipient()
	require.ErrorIs(err, ErrEmptyRoute)

	require.Equal("[a => b]", r.String())
}

func TestAllocateAddress(t *testing.T) {
	r := newTestRouter(t)
	a, b := r.AllocateAddress(), r.AllocateAddress()
	require.Len(t, a, 2*AddressLength)
	require.NotEqual(t, a, b)
}

func TestWorkerOrdering(t *testing.T) {
	require := require.New(t)
	r := newTestRouter(t)

	inbox, err := r.NewInbox()
	require.NoError(err)
	defer inbox.Close()

	echo := r.AllocateAddress()
	err = r.StartWorker(HandlerFunc(func(ctx *Context, msg *Message) error {
		return ctx.Send(msg.ReturnRoute, msg.Payload)
	}), echo)
	require.NoError(err)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(r.SendFrom(inbox.Address(), NewRoute(echo), []byte(fmt.Sprintf("%d", i))))
	}
	for i := 0; i < n; i++ {
		msg := receive(t, inbox)
		require.Equal(fmt.Sprintf("%d", i), string(msg.Payload))
		require.Equal(NewRoute(echo), msg.ReturnRoute)
	}
}

func TestSendNoSuchAddress(t *testing.T) {
	r := newTestRouter(t)
	err := r.SendFrom("me", NewRoute("nowhere"), nil)
	require.ErrorIs(t, err, ErrNoSuchAddress)

	err = r.Send(&Message{})
	require.ErrorIs(t, err, ErrEmptyRoute)
}

func TestAddressInUse(t *testing.T) {
	r := newTestRouter(t)
	h := HandlerFunc(func(*Context, *Message) error { return nil })
	require.NoError(t, r.StartWorker(h, "busy"))
	require.ErrorIs(t, r.StartWorker(h, "other", "busy"), ErrAddressInUse)
	require.False(t, r.HasWorker("other"))
}

type initHandler struct {
	ready chan struct{}
	seen  chan string
}

func (h *initHandler) Initialize(ctx *Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Context().Done():
		return ctx.Context().Err()
	}
}

func (h *initHandler) HandleMessage(ctx *Context, msg *Message) error {
	h.seen <- string(msg.Payload)
	return nil
}

func TestInitializerQueuesMessages(t *testing.T) {
	require := require.New(t)
	r := newTestRouter(t)

	h := &initHandler{ready: make(chan struct{}), seen: make(chan string, 2)}
	require.NoError(r.StartWorker(h, "init"))

	require.NoError(r.SendFrom("x", NewRoute("init"), []byte("early")))
	select {
	case <-h.seen:
		require.FailNow("message handled before Initialize returned")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.ready)
	select {
	case s := <-h.seen:
		require.Equal("early", s)
	case <-time.After(5 * time.Second):
		require.FailNow("queued message was never handled")
	}
}

func TestStopWorker(t *testing.T) {
	require := require.New(t)
	r := newTestRouter(t)

	h := &initHandler{ready: make(chan struct{}), seen: make(chan string, 1)}
	require.NoError(r.StartWorker(h, "blocked"))

	// Stopping a worker blocked in Initialize must cancel its context.
	require.NoError(r.StopWorker("blocked"))
	require.False(r.HasWorker("blocked"))
	require.ErrorIs(r.StopWorker("blocked"), ErrNoSuchAddress)
}

func TestContextStopFromHandler(t *testing.T) {
	require := require.New(t)
	r := newTestRouter(t)

	inbox, err := r.NewInbox()
	require.NoError(err)

	err = r.StartWorker(HandlerFunc(func(ctx *Context, msg *Message) error {
		ctx.Stop()
		return ctx.Send(msg.ReturnRoute, []byte("bye"))
	}), "once")
	require.NoError(err)

	require.NoError(r.SendFrom(inbox.Address(), NewRoute("once"), nil))
	require.Equal("bye", string(receive(t, inbox).Payload))

	err = r.SendFrom(inbox.Address(), NewRoute("once"), nil)
	require.True(errors.Is(err, ErrNoSuchAddress))
}

func TestInboxClose(t *testing.T) {
	r := newTestRouter(t)
	inbox, err := r.NewInbox()
	require.NoError(t, err)
	inbox.Close()

	_, err = inbox.Receive(context.Background())
	require.ErrorIs(t, err, ErrHalted)
	require.False(t, r.HasWorker(inbox.Address()))
}

func TestMessageLocalInfo(t *testing.T) {
	require := require.New(t)

	msg := &Message{OnwardRoute: NewRoute("a")}
	msg.LocalInfo = append(msg.LocalInfo, LocalInfo{Type: "t", Data: []byte("1")})
	msg.LocalInfo = append(msg.LocalInfo, LocalInfo{Type: "t", Data: []byte("2")})

	li, ok := msg.FindLocalInfo("t")
	require.True(ok)
	require.Equal([]byte("2"), li.Data)

	_, ok = msg.FindLocalInfo("missing")
	require.False(ok)

	c := msg.Clone()
	c.LocalInfo[0].Data[0] = 'x'
	require.Equal([]byte("1"), msg.LocalInfo[0].Data)
}
