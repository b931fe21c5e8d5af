// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/idchannel/core/log"
	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/identity/contactdb"
	"github.com/katzenpost/idchannel/keyexchange/noise"
	"github.com/katzenpost/idchannel/router"
)

const testTimeout = 5 * time.Second

type syncBuffer struct {
	sync.Mutex
	b bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.Lock()
	defer b.Unlock()
	return b.b.String()
}

type testNode struct {
	id       *identity.LocalIdentity
	contacts identity.ContactStore
	provider *noise.Provider
	channels *SecureChannels
}

type testEnv struct {
	t      *testing.T
	r      *router.Router
	logBuf *syncBuffer

	alice *testNode
	bob   *testNode
}

func newTestEnv(t *testing.T) *testEnv {
	logBuf := new(syncBuffer)
	logBackend, err := log.NewWriterBackend(logBuf, "DEBUG")
	require.NoError(t, err)

	r := router.New(logBackend)
	t.Cleanup(r.Shutdown)

	env := &testEnv{
		t:      t,
		r:      r,
		logBuf: logBuf,
	}
	env.alice = env.newNode()
	env.bob = env.newNode()
	return env
}

func (env *testEnv) newNode() *testNode {
	contacts := contactdb.NewMemory()
	id, err := identity.New(ed25519.Scheme(), contacts, env.r.LogBackend())
	require.NoError(env.t, err)
	provider, err := noise.New(env.r)
	require.NoError(env.t, err)
	return &testNode{
		id:       id,
		contacts: contacts,
		provider: provider,
		channels: New(env.r, id, provider, testTimeout),
	}
}

func (env *testEnv) inbox() *router.Inbox {
	inbox, err := env.r.NewInbox()
	require.NoError(env.t, err)
	env.t.Cleanup(inbox.Close)
	return inbox
}

func (env *testEnv) receive(inbox *router.Inbox) *router.Message {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, err := inbox.Receive(ctx)
	require.NoError(env.t, err)
	return msg
}

func (env *testEnv) requireLog(s string) {
	require.Eventually(env.t, func() bool {
		return bytes.Contains([]byte(env.logBuf.String()), []byte(s))
	}, testTimeout, 10*time.Millisecond, "log does not contain %q", s)
}

// establish creates a channel from alice to a listener of bob's.
func (env *testEnv) establish() (*ChannelInfo, *ChannelInfo) {
	require := require.New(env.t)

	l, err := env.bob.channels.CreateSecureChannelListener("", TrustEveryonePolicy{})
	require.NoError(err)
	env.t.Cleanup(func() { l.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	aliceInfo, err := env.alice.channels.CreateSecureChannel(ctx, router.NewRoute(l.Address()), TrustEveryonePolicy{})
	require.NoError(err)

	var bobInfo ChannelInfo
	require.Eventually(func() bool {
		for _, info := range env.bob.channels.Channels() {
			if info.Peer == env.alice.id.ID() {
				bobInfo = info
				return true
			}
		}
		return false
	}, testTimeout, 10*time.Millisecond)
	return aliceInfo, &bobInfo
}

// tamperingIdentity produces proofs with a flipped bit.
type tamperingIdentity struct {
	identity.Identity
}

func (i *tamperingIdentity) CreateAuthProof(transcript []byte) (identity.Proof, error) {
	proof, err := i.Identity.CreateAuthProof(transcript)
	if err != nil {
		return nil, err
	}
	proof[0] ^= 0x01
	return proof, nil
}

// fixedProofIdentity always produces the same proof.
type fixedProofIdentity struct {
	identity.Identity
	proof identity.Proof
}

func (i *fixedProofIdentity) CreateAuthProof([]byte) (identity.Proof, error) {
	return i.proof, nil
}
