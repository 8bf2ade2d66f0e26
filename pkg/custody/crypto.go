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

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// dekSize is the size of the data encryption key wrapping a private key.
const dekSize = 16

// cryptCFB runs AES-128-CFB over data in place with a zero IV. The key
// may be longer than 16 bytes (keystrings are SHA-1 digests); only the
// first 16 bytes are used. This cipher construction is fixed by the
// on-card key record format.
func cryptCFB(key, data []byte, encrypt bool) error {
	if len(key) < 16 {
		return fmt.Errorf("custody: cipher key too short: %d bytes", len(key))
	}
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return fmt.Errorf("custody: cipher init: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	var stream cipher.Stream
	if encrypt {
		stream = cipher.NewCFBEncrypter(block, iv)
	} else {
		stream = cipher.NewCFBDecrypter(block, iv)
	}
	stream.XORKeyStream(data, data)
	return nil
}

// encryptInPlace encrypts data under key.
func encryptInPlace(key, data []byte) error { return cryptCFB(key, data, true) }

// decryptInPlace decrypts data under key.
func decryptInPlace(key, data []byte) error { return cryptCFB(key, data, false) }

// check32 folds a buffer into the 32-bit checksum stored alongside a key:
// the sum of its little-endian words.
func check32(p []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(p); i += 4 {
		sum += binary.LittleEndian.Uint32(p[i:])
	}
	return sum
}

// zeroize wipes a buffer that held key plaintext.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
