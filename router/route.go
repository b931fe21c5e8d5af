// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/hpqc/rand"
)

// AddressLength is the number of random bytes in an allocated Address.
const AddressLength = 16

// ErrEmptyRoute is the error returned when a hop is requested from a Route
// that has none left.
var ErrEmptyRoute = errors.New("router: empty route")

// Address is a logical message endpoint.  It is not a network address.
type Address string

// NewAddress returns a fresh random Address.
func NewAddress() Address {
	var b [AddressLength]byte
	if _, err := rand.Reader.Read(b[:]); err != nil {
		panic("router: failed to read entropy: " + err.Error())
	}
	return Address(hex.EncodeToString(b[:]))
}

func (a Address) String() string {
	return string(a)
}

// Route is an ordered list of hops.  Routes are treated as values: every
// modifying operation returns a new Route and leaves the receiver untouched.
type Route []Address

// NewRoute returns a Route made of addrs.
func NewRoute(addrs ...Address) Route {
	r := make(Route, len(addrs))
	copy(r, addrs)
	return r
}

// Next returns the next hop without consuming it.
func (r Route) Next() (Address, error) {
	if len(r) == 0 {
		return "", ErrEmptyRoute
	}
	return r[0], nil
}

// Step consumes the next hop, returning it and the remainder of the route.
func (r Route) Step() (Address, Route, error) {
	if len(r) == 0 {
		return "", nil, ErrEmptyRoute
	}
	return r[0], NewRoute(r[1:]...), nil
}

// Recipient returns the final hop.
func (r Route) Recipient() (Address, error) {
	if len(r) == 0 {
		return "", ErrEmptyRoute
	}
	return r[len(r)-1], nil
}

// Prepend returns a new Route with addrs in front of r, in order.
func (r Route) Prepend(addrs ...Address) Route {
	out := make(Route, 0, len(addrs)+len(r))
	out = append(out, addrs...)
	return append(out, r...)
}

// Append returns a new Route with addrs after the hops of r.
func (r Route) Append(addrs ...Address) Route {
	out := make(Route, 0, len(addrs)+len(r))
	out = append(out, r...)
	return append(out, addrs...)
}

// PopFront returns r without its first hop.
func (r Route) PopFront() (Route, error) {
	_, rest, err := r.Step()
	return rest, err
}

// Equal returns true iff both routes have the same hops.
func (r Route) Equal(other Route) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

func (r Route) String() string {
	s := make([]string, 0, len(r))
	for _, a := range r {
		s = append(s, string(a))
	}
	return fmt.Sprintf("[%s]", strings.Join(s, " => "))
}
