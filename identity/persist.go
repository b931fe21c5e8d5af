// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"

	"github.com/katzenpost/idchannel/core/log"
)

// Save writes the current private key as PEM to keyFile and the change
// history as CBOR to historyFile.
func (i *LocalIdentity) Save(keyFile, historyFile string) error {
	i.RLock()
	defer i.RUnlock()

	b, err := ccbor.Marshal(i.history)
	if err != nil {
		return err
	}
	// PrivateKeyToFile does not truncate.
	if err = os.Remove(keyFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err = signpem.PrivateKeyToFile(keyFile, i.key); err != nil {
		return err
	}
	return os.WriteFile(historyFile, b, 0600)
}

// Load restores an identity saved with Save.
func Load(keyFile, historyFile string, scheme sign.Scheme, contacts ContactStore, logBackend *log.Backend) (*LocalIdentity, error) {
	key, err := signpem.FromPrivatePEMFile(keyFile, scheme)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(historyFile)
	if err != nil {
		return nil, err
	}
	var history ChangeHistory
	if err = cbor.Unmarshal(b, &history); err != nil {
		return nil, fmt.Errorf("identity: failed to decode change history: %w", err)
	}
	return FromPrivateKey(history, key, contacts, logBackend)
}
