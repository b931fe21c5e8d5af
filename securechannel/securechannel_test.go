// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/sign/hybrid"

	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/identity/contactdb"
	"github.com/katzenpost/idchannel/keyexchange"
	"github.com/katzenpost/idchannel/router"
)

func TestHandshakeSuccess(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	env := newTestEnv(t)
	aliceInfo, bobInfo := env.establish()

	assert.Equal(Initiator, aliceInfo.Role)
	assert.Equal(env.bob.id.ID(), aliceInfo.Peer)
	assert.Equal(Responder, bobInfo.Role)
	assert.Equal(env.alice.id.ID(), bobInfo.Peer)

	// Each side knows the other's decryptor.
	assert.Equal(bobInfo.DecryptorAddress, aliceInfo.PeerChannelAddress)
	assert.Equal(aliceInfo.DecryptorAddress, bobInfo.PeerChannelAddress)

	for _, info := range []*ChannelInfo{aliceInfo, bobInfo} {
		require.True(env.r.HasWorker(info.EncryptorAddress))
		require.True(env.r.HasWorker(info.DecryptorAddress))
		require.True(env.r.HasWorker(info.ChannelAddress))
	}

	// Both contacts were learned.
	c, err := env.alice.id.GetContact(env.bob.id.ID())
	require.NoError(err)
	require.NoError(c.Verify())
	c, err = env.bob.id.GetContact(env.alice.id.ID())
	require.NoError(err)
	require.NoError(c.Verify())
}

func TestEndToEndTagging(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	aliceInfo, bobInfo := env.establish()

	aliceWorker := env.inbox()
	bobWorker := env.inbox()

	payload := []byte("attack at dawn")
	require.NoError(env.r.Send(&router.Message{
		OnwardRoute: router.NewRoute(aliceInfo.EncryptorAddress, bobWorker.Address()),
		ReturnRoute: router.NewRoute(aliceWorker.Address()),
		Payload:     payload,
	}))

	msg := env.receive(bobWorker)
	require.Equal(payload, msg.Payload)
	peer, ok := PeerIdentity(msg)
	require.True(ok)
	require.Equal(env.alice.id.ID(), peer)
	require.Equal(router.NewRoute(bobInfo.EncryptorAddress, aliceWorker.Address()), msg.ReturnRoute)

	// Replies go back through the channel.
	require.NoError(env.r.Send(&router.Message{
		OnwardRoute: msg.ReturnRoute,
		ReturnRoute: router.NewRoute(bobWorker.Address()),
		Payload:     []byte("ack"),
	}))

	msg = env.receive(aliceWorker)
	require.Equal([]byte("ack"), msg.Payload)
	peer, ok = PeerIdentity(msg)
	require.True(ok)
	require.Equal(env.bob.id.ID(), peer)
	require.Equal(router.NewRoute(aliceInfo.EncryptorAddress, bobWorker.Address()), msg.ReturnRoute)
}

func TestForwardFailureIsNotFatal(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	aliceInfo, bobInfo := env.establish()
	bobWorker := env.inbox()

	require.NoError(env.r.SendFrom("app", router.NewRoute(aliceInfo.EncryptorAddress, "gone"), []byte("lost")))
	require.NoError(env.r.SendFrom("app", router.NewRoute(aliceInfo.EncryptorAddress, bobWorker.Address()), []byte("found")))

	msg := env.receive(bobWorker)
	require.Equal([]byte("found"), msg.Payload)
	require.True(env.r.HasWorker(bobInfo.DecryptorAddress))
}

// The initiator is established once it has sent its own identity, so only
// a failure on the initiator side keeps CreateInitiator from returning.
// When the responder rejects the initiator, the initiator's side stays
// established and its messages are dropped at the dead responder.  Only
// the responder can be required to never establish in that case.

func TestTamperDetection(t *testing.T) {
	for _, tc := range []struct {
		name            string
		tamperInitiator bool
	}{
		{"responder proof", false},
		{"initiator proof", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)

			env := newTestEnv(t)
			if tc.tamperInitiator {
				env.alice.channels = New(env.r, &tamperingIdentity{env.alice.id}, env.alice.provider, 500*time.Millisecond)
			} else {
				env.bob.channels = New(env.r, &tamperingIdentity{env.bob.id}, env.bob.provider, testTimeout)
				env.alice.channels.timeout = 500 * time.Millisecond
			}

			l, err := env.bob.channels.CreateSecureChannelListener("", TrustEveryonePolicy{})
			require.NoError(err)

			_, err = env.alice.channels.CreateSecureChannel(context.Background(), router.NewRoute(l.Address()), TrustEveryonePolicy{})
			if tc.tamperInitiator {
				// Alice has no way of learning that Bob rejected her.
				require.NoError(err)
			} else {
				require.ErrorIs(err, ErrTimeout)
				require.Empty(env.alice.channels.Channels())
			}

			env.requireLog("AUTHENTICATION FAILURE")
			env.requireLog(ErrSecureChannelVerificationFailed.Error())
			require.Empty(env.bob.channels.Channels())
		})
	}
}

func TestWrongSizeProof(t *testing.T) {
	require := require.New(t)

	if hybrid.Ed25519Sphincs == nil {
		t.Skip("Sphincs+ is not supported on this platform")
	}

	env := newTestEnv(t)
	bobID, err := identity.New(hybrid.Ed25519Sphincs, contactdb.NewMemory(), env.r.LogBackend())
	require.NoError(err)
	env.bob.id = bobID
	env.bob.channels = New(env.r, &fixedProofIdentity{bobID, identity.Proof{1, 2, 3}}, env.bob.provider, testTimeout)
	env.alice.channels.timeout = 500 * time.Millisecond

	l, err := env.bob.channels.CreateSecureChannelListener("", TrustEveryonePolicy{})
	require.NoError(err)

	_, err = env.alice.channels.CreateSecureChannel(context.Background(), router.NewRoute(l.Address()), TrustEveryonePolicy{})
	require.ErrorIs(err, ErrTimeout)
	env.requireLog("AUTHENTICATION FAILURE")
	env.requireLog(ErrSecureChannelVerificationFailed.Error())
	require.Empty(env.alice.channels.Channels())

	// The router survived, and channels still work.
	env.bob = env.newNode()
	env.establish()
}

func TestTrustEnforcement(t *testing.T) {
	rejectAll := TrustPolicyFunc(func(context.Context, *TrustInfo) (bool, error) {
		return false, nil
	})
	failing := TrustPolicyFunc(func(context.Context, *TrustInfo) (bool, error) {
		return true, errors.New("authority unreachable")
	})

	for _, tc := range []struct {
		name       string
		aliceTrust TrustPolicy
		bobTrust   TrustPolicy
		logged     string
	}{
		{"initiator rejects", rejectAll, TrustEveryonePolicy{}, "Peer not trusted"},
		{"responder rejects", TrustEveryonePolicy{}, rejectAll, "Peer not trusted"},
		{"initiator policy error", failing, TrustEveryonePolicy{}, "authority unreachable"},
		{"responder policy error", TrustEveryonePolicy{}, failing, "authority unreachable"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)

			env := newTestEnv(t)
			env.alice.channels.timeout = 500 * time.Millisecond

			l, err := env.bob.channels.CreateSecureChannelListener("", tc.bobTrust)
			require.NoError(err)

			_, err = env.alice.channels.CreateSecureChannel(context.Background(), router.NewRoute(l.Address()), tc.aliceTrust)
			if _, ok := tc.bobTrust.(TrustEveryonePolicy); ok {
				require.ErrorIs(err, ErrTimeout)
				require.Empty(env.alice.channels.Channels())
			} else {
				require.NoError(err)
			}

			env.requireLog(tc.logged)
			env.requireLog(ErrSecureChannelTrustCheckFailed.Error())
			require.Empty(env.bob.channels.Channels())
		})
	}
}

func TestInitiatorAddressBinding(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	listener := env.inbox()
	bobWorker := env.inbox()
	kxCallback := env.inbox()

	type result struct {
		addr router.Address
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		addr, err := CreateInitiator(context.Background(), env.r, &InitiatorConfig{
			Route:       router.NewRoute(listener.Address()),
			Identity:    env.alice.id,
			TrustPolicy: TrustEveryonePolicy{},
			Provider:    env.alice.provider,
			Timeout:     testTimeout,
		})
		resultCh <- result{addr, err}
	}()

	// Play bob's part by hand.
	first := env.receive(listener)
	req, err := env.bob.provider.ParseRequest(first)
	require.NoError(err)
	_, err = env.bob.provider.CreateResponder(first, kxCallback.Address())
	require.NoError(err)
	completed, err := keyexchange.CompletedFromBytes(env.receive(kxCallback).Payload)
	require.NoError(err)

	contact, err := env.bob.id.AsContact()
	require.NoError(err)
	proof, err := env.bob.id.CreateAuthProof(completed.AuthHash)
	require.NoError(err)
	request, err := (&IdentityChannelMessage{
		Request: &IdentityRecord{Contact: *contact, Proof: proof},
	}).Bytes()
	require.NoError(err)

	// A valid request that bypasses the channel is rejected.
	require.NoError(env.r.SendFrom("mallory", router.NewRoute(req.FirstPeerAddress), request))

	// The genuine one still completes the handshake.
	require.NoError(env.r.Send(&router.Message{
		OnwardRoute: router.NewRoute(completed.Address, req.FirstPeerAddress),
		ReturnRoute: router.NewRoute(bobWorker.Address()),
		Payload:     request,
	}))

	res := <-resultCh
	require.NoError(res.err)
	require.True(env.r.HasWorker(res.addr))
	env.requireLog(ErrUnknownChannelDestination.Error())

	response := env.receive(bobWorker)
	m, err := IdentityChannelMessageFromBytes(response.Payload)
	require.NoError(err)
	require.NotNil(m.Response)
	require.Equal(env.alice.id.ID(), m.Response.Contact.ID)
	require.Equal(router.NewRoute(completed.Address, req.FirstPeerAddress), response.ReturnRoute)
}

func TestResponderAddressBinding(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	l, err := env.bob.channels.CreateSecureChannelListener("", TrustEveryonePolicy{})
	require.NoError(err)

	// Play alice's part by hand.
	aliceHandshake := env.inbox()
	f, err := env.alice.provider.CreateInitiator(context.Background(), router.NewRoute(l.Address()), &keyexchange.Request{
		FirstPeerAddress: aliceHandshake.Address(),
	})
	require.NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	completed, err := f.Wait(ctx)
	require.NoError(err)

	msg := env.receive(aliceHandshake)
	m, err := IdentityChannelMessageFromBytes(msg.Payload)
	require.NoError(err)
	require.NotNil(m.Request)
	require.Equal(env.bob.id.ID(), m.Request.Contact.ID)
	require.Equal(completed.Address, msg.ReturnRoute[0])
	bobDecryptor, err := msg.ReturnRoute.Recipient()
	require.NoError(err)

	ok, err := env.alice.id.VerifyAndAddContact(&m.Request.Contact)
	require.NoError(err)
	require.True(ok)
	ok, err = env.alice.id.VerifyAuthProof(completed.AuthHash, env.bob.id.ID(), m.Request.Proof)
	require.NoError(err)
	require.True(ok)

	contact, err := env.alice.id.AsContact()
	require.NoError(err)
	proof, err := env.alice.id.CreateAuthProof(completed.AuthHash)
	require.NoError(err)
	response, err := (&IdentityChannelMessage{
		Response: &IdentityRecord{Contact: *contact, Proof: proof},
	}).Bytes()
	require.NoError(err)

	require.NoError(env.r.SendFrom("mallory", router.NewRoute(bobDecryptor), response))
	require.NoError(env.r.SendFrom(aliceHandshake.Address(), router.NewRoute(completed.Address, bobDecryptor), response))

	require.Eventually(func() bool {
		info, ok := env.bob.channels.Registry().GetByDecryptor(bobDecryptor)
		return ok && info.Peer == env.alice.id.ID()
	}, testTimeout, 10*time.Millisecond)
	env.requireLog(ErrUnknownChannelDestination.Error())
}

func TestTimeout(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	sink := env.inbox()

	start := time.Now()
	_, err := CreateInitiator(context.Background(), env.r, &InitiatorConfig{
		Route:       router.NewRoute(sink.Address()),
		Identity:    env.alice.id,
		TrustPolicy: TrustEveryonePolicy{},
		Provider:    env.alice.provider,
		Timeout:     200 * time.Millisecond,
	})
	require.ErrorIs(err, ErrTimeout)
	require.GreaterOrEqual(time.Since(start), 200*time.Millisecond)

	first := env.receive(sink)
	req, err := env.alice.provider.ParseRequest(first)
	require.NoError(err)

	// Neither the decryptor nor the key exchange survive.
	require.False(env.r.HasWorker(req.FirstPeerAddress))
	require.Eventually(func() bool {
		return !env.r.HasWorker(first.ReturnRoute[0])
	}, testTimeout, 10*time.Millisecond)
}

// recordingProvider reports the responder channels it creates.
type recordingProvider struct {
	keyexchange.Provider
	channels chan router.Address
}

func (p *recordingProvider) CreateResponder(incoming *router.Message, callback router.Address) (router.Address, error) {
	addr, err := p.Provider.CreateResponder(incoming, callback)
	if err == nil {
		p.channels <- addr
	}
	return addr, err
}

func TestResponderDeadline(t *testing.T) {
	for _, tc := range []struct {
		name          string
		completeKX    bool
		stalledBefore string
	}{
		{"silent after key exchange", true, "identity"},
		{"silent during key exchange", false, "key exchange"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)

			env := newTestEnv(t)
			listener := env.inbox()
			silent := env.inbox()
			provider := &recordingProvider{env.bob.provider, make(chan router.Address, 1)}

			_, err := env.alice.provider.CreateInitiator(context.Background(), router.NewRoute(listener.Address()), &keyexchange.Request{
				FirstPeerAddress: silent.Address(),
			})
			require.NoError(err)
			first := env.receive(listener)
			if !tc.completeKX {
				first.ReturnRoute = router.NewRoute(silent.Address())
			}

			decryptor, err := CreateResponder(env.r, &ResponderConfig{
				Identity:    env.bob.id,
				TrustPolicy: TrustEveryonePolicy{},
				Provider:    provider,
				Timeout:     200 * time.Millisecond,
			}, first)
			require.NoError(err)
			channel := <-provider.channels
			require.True(env.r.HasWorker(channel))

			// The initiator never answers what reaches it.
			env.receive(silent)

			require.Eventually(func() bool {
				return !env.r.HasWorker(decryptor) && !env.r.HasWorker(channel)
			}, testTimeout, 10*time.Millisecond, "responder stalled before %s survived", tc.stalledBefore)
			env.requireLog("Handshake not established within")
		})
	}
}

func TestResponderDeadlineSparesEstablished(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.bob.channels.timeout = 200 * time.Millisecond
	aliceInfo, bobInfo := env.establish()

	time.Sleep(400 * time.Millisecond)
	require.True(env.r.HasWorker(bobInfo.DecryptorAddress))
	require.True(env.r.HasWorker(bobInfo.EncryptorAddress))

	bobWorker := env.inbox()
	require.NoError(env.r.SendFrom("app", router.NewRoute(aliceInfo.EncryptorAddress, bobWorker.Address()), []byte("still here")))
	require.Equal([]byte("still here"), env.receive(bobWorker).Payload)
}

func TestContactIdempotence(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	l, err := env.bob.channels.CreateSecureChannelListener("", TrustEveryonePolicy{})
	require.NoError(err)

	const n = 3
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		_, err := env.alice.channels.CreateSecureChannel(ctx, router.NewRoute(l.Address()), TrustEveryonePolicy{})
		cancel()
		require.NoError(err)
	}
	require.Eventually(func() bool {
		return env.bob.channels.Registry().Len() == n
	}, testTimeout, 10*time.Millisecond)

	for _, node := range []*testNode{env.alice, env.bob} {
		ids, err := node.contacts.List()
		require.NoError(err)
		require.Len(ids, 1)
	}
	want, err := env.alice.id.AsContact()
	require.NoError(err)
	got, err := env.bob.contacts.Get(env.alice.id.ID())
	require.NoError(err)
	require.True(want.Equal(got))
}

func TestRotatedPeerIsVerifiedAgainstStoredContact(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	l, err := env.bob.channels.CreateSecureChannelListener("", TrustEveryonePolicy{})
	require.NoError(err)

	// Bob learns alice's first key.
	stored, err := env.alice.id.AsContact()
	require.NoError(err)
	ok, err := env.bob.id.VerifyAndAddContact(stored)
	require.NoError(err)
	require.True(ok)

	// Alice's proofs are now made with a key bob does not know about.
	require.NoError(env.alice.id.RotateKey())
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = env.alice.channels.CreateSecureChannel(ctx, router.NewRoute(l.Address()), TrustEveryonePolicy{})
	require.NoError(err)

	env.requireLog("AUTHENTICATION FAILURE")
	require.Empty(env.bob.channels.Channels())
	got, err := env.bob.contacts.Get(env.alice.id.ID())
	require.NoError(err)
	require.True(stored.Equal(got))
}

func TestStopSecureChannel(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	aliceInfo, _ := env.establish()

	require.NoError(env.alice.channels.StopSecureChannel(aliceInfo.EncryptorAddress))
	require.Empty(env.alice.channels.Channels())
	require.False(env.r.HasWorker(aliceInfo.EncryptorAddress))
	require.False(env.r.HasWorker(aliceInfo.DecryptorAddress))
	require.False(env.r.HasWorker(aliceInfo.ChannelAddress))

	err := env.alice.channels.StopSecureChannel(aliceInfo.EncryptorAddress)
	require.ErrorIs(err, ErrNoSuchChannel)
}

type noAddressProvider struct {
	keyexchange.Provider
}

func (noAddressProvider) ParseRequest(*router.Message) (*keyexchange.Request, error) {
	return nil, keyexchange.ErrNoFirstPeerAddress
}

func TestCannotBeAuthenticated(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	_, err := CreateResponder(env.r, &ResponderConfig{
		Identity:    env.bob.id,
		TrustPolicy: TrustEveryonePolicy{},
		Provider:    noAddressProvider{env.bob.provider},
	}, &router.Message{Payload: []byte("hi")})
	require.ErrorIs(err, ErrSecureChannelCannotBeAuthenticated)
}

func TestListenerSurvivesBadRequests(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	l, err := env.bob.channels.CreateSecureChannelListener("", TrustEveryonePolicy{})
	require.NoError(err)

	require.NoError(env.r.SendFrom("mallory", router.NewRoute(l.Address()), []byte("garbage")))
	env.requireLog("Failed to create responder")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	info, err := env.alice.channels.CreateSecureChannel(ctx, router.NewRoute(l.Address()), TrustEveryonePolicy{})
	require.NoError(err)
	require.Equal(env.bob.id.ID(), info.Peer)
}
