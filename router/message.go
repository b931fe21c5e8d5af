// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package router

// LocalInfo is side-channel metadata attached to a Message by a worker on
// this node.  It is never serialized onto a transport.
type LocalInfo struct {
	Type string
	Data []byte
}

// Message is a routed message.
type Message struct {
	// OnwardRoute is the list of hops left to traverse, the first of which
	// is the worker the message is being delivered to.
	OnwardRoute Route

	// ReturnRoute is the route replies should follow.
	ReturnRoute Route

	// Payload is the opaque message body.
	Payload []byte

	// LocalInfo is the forward-only metadata appended by local workers.
	LocalInfo []LocalInfo
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := &Message{
		OnwardRoute: NewRoute(m.OnwardRoute...),
		ReturnRoute: NewRoute(m.ReturnRoute...),
		Payload:     append([]byte(nil), m.Payload...),
	}
	for _, li := range m.LocalInfo {
		c.LocalInfo = append(c.LocalInfo, LocalInfo{
			Type: li.Type,
			Data: append([]byte(nil), li.Data...),
		})
	}
	return c
}

// FindLocalInfo returns the last LocalInfo record of the given type.
func (m *Message) FindLocalInfo(typ string) (*LocalInfo, bool) {
	for i := len(m.LocalInfo) - 1; i >= 0; i-- {
		if m.LocalInfo[i].Type == typ {
			return &m.LocalInfo[i], true
		}
	}
	return nil, false
}
