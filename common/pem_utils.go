// SPDX-FileCopyrightText: Copyright (c) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"strings"

	"github.com/katzenpost/hpqc/sign"
	"github.com/katzenpost/hpqc/sign/pem"
)

// TruncatePEM shortens a PEM block to its header and first data line.
func TruncatePEM(pemStr string) string {
	lines := strings.Split(strings.TrimSpace(pemStr), "\n")
	if len(lines) <= 2 {
		return pemStr
	}
	return strings.Join(lines[:2], "\n") + "\n..."
}

// ShortPublicKey returns the truncated PEM encoding of a signing key.
func ShortPublicKey(key sign.PublicKey) string {
	return TruncatePEM(pem.ToPublicPEMString(key))
}
