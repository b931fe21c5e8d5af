// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package securechannel

import (
	"sort"
	"sync"
	"time"

	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/router"
)

// ChannelInfo describes an established channel.
type ChannelInfo struct {
	Role ChannelRole
	Peer identity.IdentityID

	DecryptorAddress   router.Address
	EncryptorAddress   router.Address
	ChannelAddress     router.Address
	PeerChannelAddress router.Address

	Established time.Time
}

// Registry tracks established channels.  Channels add themselves once
// established, and remove themselves when their decryptor stops.
type Registry struct {
	sync.RWMutex

	byDecryptor map[router.Address]*ChannelInfo
	byEncryptor map[router.Address]*ChannelInfo
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byDecryptor: make(map[router.Address]*ChannelInfo),
		byEncryptor: make(map[router.Address]*ChannelInfo),
	}
}

func (r *Registry) add(info *ChannelInfo) {
	r.Lock()
	defer r.Unlock()

	r.byDecryptor[info.DecryptorAddress] = info
	r.byEncryptor[info.EncryptorAddress] = info
}

func (r *Registry) remove(decryptorAddress router.Address) {
	r.Lock()
	defer r.Unlock()

	info, ok := r.byDecryptor[decryptorAddress]
	if !ok {
		return
	}
	delete(r.byDecryptor, decryptorAddress)
	delete(r.byEncryptor, info.EncryptorAddress)
}

// Get returns the channel whose encryptor is at encryptorAddress.
func (r *Registry) Get(encryptorAddress router.Address) (ChannelInfo, bool) {
	r.RLock()
	defer r.RUnlock()

	info, ok := r.byEncryptor[encryptorAddress]
	if !ok {
		return ChannelInfo{}, false
	}
	return *info, true
}

// GetByDecryptor returns the channel whose decryptor is at
// decryptorAddress.
func (r *Registry) GetByDecryptor(decryptorAddress router.Address) (ChannelInfo, bool) {
	r.RLock()
	defer r.RUnlock()

	info, ok := r.byDecryptor[decryptorAddress]
	if !ok {
		return ChannelInfo{}, false
	}
	return *info, true
}

// List returns every established channel, oldest first.
func (r *Registry) List() []ChannelInfo {
	r.RLock()
	defer r.RUnlock()

	l := make([]ChannelInfo, 0, len(r.byDecryptor))
	for _, info := range r.byDecryptor {
		l = append(l, *info)
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].Established.Before(l[j].Established)
	})
	return l
}

// Len returns the number of established channels.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.byDecryptor)
}
