// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"context"

	"github.com/katzenpost/idchannel/identity"
)

// TrustInfo is what a TrustPolicy decides on.
type TrustInfo struct {
	// ID is the verified identity of the peer.
	ID identity.IdentityID
}

// TrustPolicy decides if a verified peer may use a channel.  Check may
// block, for instance to consult a remote authority, and SHOULD return
// when ctx is done.
type TrustPolicy interface {
	Check(ctx context.Context, info *TrustInfo) (bool, error)
}

// TrustPolicyFunc is a function that implements TrustPolicy.
type TrustPolicyFunc func(ctx context.Context, info *TrustInfo) (bool, error)

// Check implements TrustPolicy.
func (f TrustPolicyFunc) Check(ctx context.Context, info *TrustInfo) (bool, error) {
	return f(ctx, info)
}

// TrustEveryonePolicy trusts every verified peer.
type TrustEveryonePolicy struct{}

// Check implements TrustPolicy.
func (TrustEveryonePolicy) Check(context.Context, *TrustInfo) (bool, error) {
	return true, nil
}

// TrustIdentifierPolicy trusts a single identity.
type TrustIdentifierPolicy struct {
	ID identity.IdentityID
}

// Check implements TrustPolicy.
func (p *TrustIdentifierPolicy) Check(_ context.Context, info *TrustInfo) (bool, error) {
	return info.ID == p.ID, nil
}

// TrustMultiIdentifiersPolicy trusts a fixed set of identities.
type TrustMultiIdentifiersPolicy struct {
	ids map[identity.IdentityID]struct{}
}

// NewTrustMultiIdentifiersPolicy returns a policy that trusts ids.
func NewTrustMultiIdentifiersPolicy(ids ...identity.IdentityID) *TrustMultiIdentifiersPolicy {
	p := &TrustMultiIdentifiersPolicy{
		ids: make(map[identity.IdentityID]struct{}, len(ids)),
	}
	for _, id := range ids {
		p.ids[id] = struct{}{}
	}
	return p
}

// Check implements TrustPolicy.
func (p *TrustMultiIdentifiersPolicy) Check(_ context.Context, info *TrustInfo) (bool, error) {
	_, ok := p.ids[info.ID]
	return ok, nil
}

type allPolicies []TrustPolicy

// AllPolicies returns a policy that trusts a peer iff every one of policies
// does.  Evaluation stops at the first rejection.  With no policies it
// trusts nobody.
func AllPolicies(policies ...TrustPolicy) TrustPolicy {
	return allPolicies(policies)
}

func (a allPolicies) Check(ctx context.Context, info *TrustInfo) (bool, error) {
	if len(a) == 0 {
		return false, nil
	}
	for _, p := range a {
		ok, err := p.Check(ctx, info)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type anyPolicy []TrustPolicy

// AnyPolicy returns a policy that trusts a peer iff at least one of
// policies does.  Errors are only reported if no policy trusts the peer.
func AnyPolicy(policies ...TrustPolicy) TrustPolicy {
	return anyPolicy(policies)
}

func (a anyPolicy) Check(ctx context.Context, info *TrustInfo) (bool, error) {
	var firstErr error
	for _, p := range a {
		ok, err := p.Check(ctx, info)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}
