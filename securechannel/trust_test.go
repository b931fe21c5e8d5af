// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/idchannel/identity"
)

func TestTrustPolicies(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	alice := &TrustInfo{ID: identity.IdentityID{1}}
	bob := &TrustInfo{ID: identity.IdentityID{2}}
	carol := &TrustInfo{ID: identity.IdentityID{3}}

	check := func(p TrustPolicy, info *TrustInfo) bool {
		ok, err := p.Check(ctx, info)
		require.NoError(err)
		return ok
	}

	require.True(check(TrustEveryonePolicy{}, alice))

	onlyAlice := &TrustIdentifierPolicy{ID: alice.ID}
	require.True(check(onlyAlice, alice))
	require.False(check(onlyAlice, bob))

	aliceAndBob := NewTrustMultiIdentifiersPolicy(alice.ID, bob.ID)
	require.True(check(aliceAndBob, alice))
	require.True(check(aliceAndBob, bob))
	require.False(check(aliceAndBob, carol))

	require.True(check(AllPolicies(aliceAndBob, onlyAlice), alice))
	require.False(check(AllPolicies(aliceAndBob, onlyAlice), bob))
	require.False(check(AllPolicies(), carol))

	require.True(check(AnyPolicy(onlyAlice, &TrustIdentifierPolicy{ID: bob.ID}), bob))
	require.False(check(AnyPolicy(onlyAlice, aliceAndBob), carol))
	require.False(check(AnyPolicy(), alice))
}

func TestTrustPolicyErrors(t *testing.T) {
	require := require.New(t)

	ctx := context.Background()
	info := &TrustInfo{ID: identity.IdentityID{1}}
	errAuthority := errors.New("authority unreachable")
	failing := TrustPolicyFunc(func(context.Context, *TrustInfo) (bool, error) {
		return false, errAuthority
	})

	ok, err := AllPolicies(TrustEveryonePolicy{}, failing).Check(ctx, info)
	require.ErrorIs(err, errAuthority)
	require.False(ok)

	ok, err = AnyPolicy(failing, TrustEveryonePolicy{}).Check(ctx, info)
	require.NoError(err)
	require.True(ok)

	ok, err = AnyPolicy(failing, &TrustIdentifierPolicy{}).Check(ctx, info)
	require.ErrorIs(err, errAuthority)
	require.False(ok)
}
