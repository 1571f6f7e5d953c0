// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// VerifyIntegrity reports whether data hashes to the expected digest,
// in constant time.
func VerifyIntegrity(data, digest []byte) bool {
	sum := sha256.Sum256(data)
	if len(digest) != len(sum) {
		return false
	}
	return subtle.ConstantTimeCompare(sum[:], digest) == 1
}
