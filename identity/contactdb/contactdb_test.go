// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package contactdb

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/idchannel/core/log"
	"github.com/katzenpost/idchannel/identity"
)

func newTestContact(t *testing.T) *identity.Contact {
	logBackend, err := log.NewWriterBackend(io.Discard, "DEBUG")
	require.NoError(t, err)
	id, err := identity.New(ed25519.Scheme(), NewMemory(), logBackend)
	require.NoError(t, err)
	c, err := id.AsContact()
	require.NoError(t, err)
	return c
}

func TestMemoryAddIfAbsent(t *testing.T) {
	require := require.New(t)

	d := NewMemory()
	defer d.Close()

	c := newTestContact(t)
	_, err := d.Get(c.ID)
	require.ErrorIs(err, identity.ErrNoSuchContact)

	added, err := d.AddIfAbsent(c)
	require.NoError(err)
	require.True(added)

	added, err = d.AddIfAbsent(c)
	require.NoError(err)
	require.False(added)

	got, err := d.Get(c.ID)
	require.NoError(err)
	require.True(c.Equal(got))

	ids, err := d.List()
	require.NoError(err)
	require.Equal([]identity.IdentityID{c.ID}, ids)

	require.NoError(d.Remove(c.ID))
	require.ErrorIs(d.Remove(c.ID), identity.ErrNoSuchContact)
}

func TestMemoryConcurrentAdd(t *testing.T) {
	require := require.New(t)

	d := NewMemory()
	c := newTestContact(t)

	const n = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := d.AddIfAbsent(c)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(1, added)

	ids, err := d.List()
	require.NoError(err)
	require.Len(ids, 1)
}
