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
	"encoding/binary"
	"fmt"
)

const (
	// additionalSize is the encrypted key-data trailer kept in the key
	// record: checksum, random word, and magic.
	additionalSize = 16

	// keyRecordSize is the serialized size of a private key record:
	// key-area offset, encrypted trailer, and the three wrapped DEKs.
	keyRecordSize = 4 + additionalSize + 3*dekSize
)

// keyRecord is the persistent record of one private key: where its bulk
// content lives in the key area, the encrypted integrity trailer, and one
// wrapped copy of the data encryption key per credential.
//
// The wire layout is fixed little-endian:
//
//	offset  0: key area offset (uint32)
//	offset  4: encrypted trailer (16 bytes)
//	offset 20: DEK wrapped under PW1 (16 bytes)
//	offset 36: DEK wrapped under the resetting code (16 bytes)
//	offset 52: DEK wrapped under PW3/admin (16 bytes)
type keyRecord struct {
	KeyOffset  uint32
	Additional [additionalSize]byte
	DEK        [3][dekSize]byte
}

// serialize encodes the record into its fixed 68-byte layout.
func (r *keyRecord) serialize() []byte {
	out := make([]byte, keyRecordSize)
	binary.LittleEndian.PutUint32(out, r.KeyOffset)
	copy(out[4:], r.Additional[:])
	for i := range r.DEK {
		copy(out[4+additionalSize+i*dekSize:], r.DEK[i][:])
	}
	return out
}

// parseKeyRecord decodes a stored private key record.
func parseKeyRecord(data []byte) (*keyRecord, error) {
	if len(data) != keyRecordSize {
		return nil, fmt.Errorf("custody: key record is %d bytes, expected %d", len(data), keyRecordSize)
	}
	r := &keyRecord{KeyOffset: binary.LittleEndian.Uint32(data)}
	copy(r.Additional[:], data[4:])
	for i := range r.DEK {
		copy(r.DEK[i][:], data[4+additionalSize+i*dekSize:])
	}
	return r, nil
}
