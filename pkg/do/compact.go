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
	"github.com/jeremyhahn/go-opgpcard/pkg/metrics"
)

// CompactTo rewrites the live record set into dst, dropping every
// tombstone and superseded counter field, then retargets the store to
// dst. The destination pool is erased first. Record order matches the
// scanner's expectations: signature counter, boolean flag, password-error
// counters, then the live data objects.
func (s *Store) CompactTo(dst *flash.Pool) error {
	// Snapshot live state before touching dst; reads go through the
	// current pool.
	type liveDO struct {
		slot    Slot
		payload []byte
	}
	var live []liveDO
	for slot := slotFirst; slot <= slotLast; slot++ {
		payload, err := s.ReadSimple(slot)
		if err != nil {
			return err
		}
		if payload != nil {
			live = append(live, liveDO{slot, payload})
		}
	}
	var pwErr [3]int
	for i := range pwErr {
		v, err := s.PasswordErrors(i)
		if err != nil {
			return err
		}
		pwErr[i] = v
	}
	pw1Lifetime := s.PW1Lifetime()

	if err := dst.Erase(); err != nil {
		return fmt.Errorf("%w: erasing compaction target: %v", ErrMemory, err)
	}

	highOff, lowOff, err := writeSignatureCounter(dst, s.dsc)
	if err != nil {
		return err
	}

	pw1Off := -1
	if pw1Lifetime {
		pw1Off, err = dst.AppendHalfword(nrBoolPW1Lifetime, 0x00)
		if err != nil {
			return fmt.Errorf("%w: pw1 lifetime flag: %v", ErrMemory, err)
		}
	}

	pwErrOff := [3]int{-1, -1, -1}
	for i, v := range pwErr {
		if v == 0 {
			continue
		}
		if _, err := dst.AppendHalfword(nrCounter123, byte(i)); err != nil {
			return fmt.Errorf("%w: password error counter: %v", ErrMemory, err)
		}
		b0, b1 := runBytes(v)
		off, err := dst.AppendHalfword(b0, b1)
		if err != nil {
			return fmt.Errorf("%w: password error counter: %v", ErrMemory, err)
		}
		pwErrOff[i] = off
	}

	index := make(map[Slot]int, len(live))
	liveBytes := 0
	for _, d := range live {
		off, err := dst.AppendRecord(byte(d.slot), d.payload)
		if err != nil {
			return fmt.Errorf("%w: rewriting slot %#02x: %v", ErrMemory, uint8(d.slot), err)
		}
		index[d.slot] = off
		liveBytes += len(d.payload)
	}

	s.pool = dst
	s.index = index
	s.dscHighOff = highOff
	s.dscLowOff = lowOff
	s.pw1LifetimeOff = pw1Off
	s.pwErrOff = pwErrOff
	s.liveBytes = liveBytes
	s.updateGauges()
	metrics.CompactionsTotal.Inc()
	return nil
}

// Compact condenses the log in place using a spare pool: live records are
// copied to the spare, the primary page is erased, the records are copied
// back, and the spare is erased again. The store ends up back on its
// primary pool with a minimal log.
//
// A power loss between the primary erase and the copy-back loses the pool
// contents; compaction is a deliberate maintenance operation, not part of
// the command path, and the command-path crash guarantees do not extend
// to it.
func (s *Store) Compact(spare *flash.Pool) error {
	primary := s.pool
	if err := s.CompactTo(spare); err != nil {
		return err
	}
	if err := s.CompactTo(primary); err != nil {
		return err
	}
	if err := spare.Erase(); err != nil {
		return fmt.Errorf("%w: erasing spare pool: %v", ErrMemory, err)
	}
	return nil
}

// writeSignatureCounter persists a counter value into an empty pool: the
// low field always, the high field first when the value has upper bits.
func writeSignatureCounter(dst *flash.Pool, dsc uint32) (highOff, lowOff int, err error) {
	highOff = -1
	h14 := dsc >> 10
	if h14 != 0 {
		highOff, err = dst.AppendHalfword(nrDSHighFirst|byte(h14>>8), byte(h14))
		if err != nil {
			return -1, -1, fmt.Errorf("%w: signature counter high field: %v", ErrMemory, err)
		}
	}
	l10 := dsc & 0x03FF
	lowOff, err = dst.AppendHalfword(nrDSLowFirst|byte(l10>>8), byte(l10))
	if err != nil {
		return -1, -1, fmt.Errorf("%w: signature counter low field: %v", ErrMemory, err)
	}
	return highOff, lowOff, nil
}

// runBytes encodes a ternary counter value (1-3) as its run halfword.
func runBytes(v int) (byte, byte) {
	switch v {
	case 1:
		return 0xFF, 0xFF
	case 2:
		return 0x00, 0xFF
	default:
		return 0x00, 0x00
	}
}
