// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-opgpcard.
//
// go-opgpcard is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package custody

import "crypto/sha1"

const (
	// KeystringSize is the length of a credential-derived keystring:
	// a SHA-1 digest of the passphrase. Only the first 16 bytes feed
	// the AES key schedule; the size is part of the stored format.
	KeystringSize = sha1.Size

	// FactoryDefaultPW1 is the well-known user passphrase of an
	// unprovisioned card. Until a PW1 is set, the user wrapping of a
	// freshly imported key is derived from it.
	FactoryDefaultPW1 = "123456"
)

// Keystring derives the symmetric wrapping keystring from a passphrase or
// resetting code.
func Keystring(secret []byte) []byte {
	sum := sha1.Sum(secret)
	return sum[:]
}

// KeystringWithLength derives a keystring prefixed with the plaintext
// passphrase length, the form persisted in the keystring data objects so
// the card can report expected lengths without retaining the passphrase.
func KeystringWithLength(secret []byte) []byte {
	out := make([]byte, 1+KeystringSize)
	out[0] = byte(len(secret))
	copy(out[1:], Keystring(secret))
	return out
}
