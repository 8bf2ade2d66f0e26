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

package do

import (
	"fmt"

	"github.com/jeremyhahn/go-opgpcard/pkg/flash"
	"github.com/jeremyhahn/go-opgpcard/pkg/logging"
)

// Scan walks the flash data pool once and rebuilds the store: the per-slot
// record index, the signature counter from its split high/low fields, the
// password-error counters, the PW1 lifetime flag, and the append tail.
//
// Scan is the only Store constructor. It runs at boot before any command
// is served; a record number outside every known range fails the scan with
// ErrMalformedLog, and the caller must halt instead of serving commands
// from an unverified index.
func Scan(pool *flash.Pool, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	log := logger.WithComponent("scanner")

	s := &Store{
		pool:           pool,
		log:            logger,
		index:          make(map[Slot]int),
		dscHighOff:     -1,
		dscLowOff:      -1,
		pw1LifetimeOff: -1,
		pwErrOff:       [3]int{-1, -1, -1},
	}

	size := pool.Size()
	off := 0
	for {
		if off+2 > size {
			return nil, fmt.Errorf("%w: log runs past pool end at offset %#x", ErrMalformedLog, off)
		}
		hw, err := pool.Read(off, 2)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		nr, second := hw[0], hw[1]
		if nr == nrEmpty {
			break
		}

		switch {
		case nr == nrReleased && second == 0x00:
			// Tombstone halfword.
			off += 2

		case nr == nrReleased:
			return nil, fmt.Errorf("%w: half-released record at offset %#x", ErrMalformedLog, off)

		case nr < nrDSHighFirst:
			if nr < byte(slotFirst) || nr > byte(slotLast) {
				return nil, fmt.Errorf("%w: unknown data object slot %#02x at offset %#x", ErrMalformedLog, nr, off)
			}
			recLen := 2 + int(second)
			if recLen%2 != 0 {
				recLen++
			}
			if off+recLen > size {
				return nil, fmt.Errorf("%w: record at offset %#x overruns pool", ErrMalformedLog, off)
			}
			s.index[Slot(nr)] = off
			off += recLen

		case nr <= nrDSHighLast:
			s.dscHighOff = off
			off += 2

		case nr <= nrDSLowLast:
			s.dscLowOff = off
			off += 2

		case nr == nrBoolPW1Lifetime:
			s.pw1LifetimeOff = off
			off += 2

		case nr == nrCounter123:
			if off+4 > size {
				return nil, fmt.Errorf("%w: counter record at offset %#x overruns pool", ErrMalformedLog, off)
			}
			if int(second) < len(s.pwErrOff) {
				s.pwErrOff[second] = off + 2
			}
			off += 4

		default:
			return nil, fmt.Errorf("%w: unknown record number %#02x at offset %#x", ErrMalformedLog, nr, off)
		}
	}
	pool.SetTail(off)

	for slot := range s.index {
		length, err := pool.ReadByte(s.index[slot] + 1)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		s.liveBytes += int(length)
	}

	if err := s.restoreSignatureCounter(log); err != nil {
		return nil, err
	}

	log.Debug("flash log scan complete",
		"tail", off,
		"live_objects", len(s.index),
		"live_bytes", s.liveBytes,
		"private_keys", s.PrivateKeyCount(),
		"signature_counter", s.dsc)
	s.updateGauges()
	return s, nil
}

// restoreSignatureCounter reconstructs the 24-bit counter from the high
// (14-bit) and low (10-bit) fields found by the scan.
//
// When the low field's record precedes the high field's in log order, a
// power loss interrupted a rollover after the high field was written but
// before the low field was reset; the low field is stale and counts as
// zero. A high field with no low field at all is inconsistent but not
// fatal: it is logged and the low half treated as zero.
func (s *Store) restoreSignatureCounter(log *logging.Logger) error {
	var h14, l10 int

	if s.dscLowOff >= 0 {
		hw, err := s.pool.Read(s.dscLowOff, 2)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		l10 = int(hw[0]-nrDSLowFirst)<<8 | int(hw[1])
	}

	if s.dscHighOff >= 0 {
		hw, err := s.pool.Read(s.dscHighOff, 2)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		h14 = int(hw[0]-nrDSHighFirst)<<8 | int(hw[1])

		if s.dscLowOff < 0 {
			log.Warn("signature counter high field present without low field; treating low half as zero")
		} else if s.dscLowOff < s.dscHighOff {
			// Rollover interrupted by power loss before the low
			// field was reset.
			l10 = 0
		}
	}

	s.dsc = uint32(h14)<<10 | uint32(l10)
	return nil
}
