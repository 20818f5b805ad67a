// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// keyIDLength is the number of hex characters in a key ID.
const keyIDLength = 16

// KeyIDFor derives the ID for a key first seen with refreshToken. The
// ID is fixed at creation: later refreshes change the token but never
// the ID.
func KeyIDFor(refreshToken string) string {
	sum := blake3.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])[:keyIDLength]
}

// Fingerprint returns a short, non-reversible tag for a token so log
// lines can tell tokens apart without containing them.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(token))
	return "b3:" + hex.EncodeToString(sum[:4])
}
