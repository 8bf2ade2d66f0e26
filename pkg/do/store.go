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
	"github.com/jeremyhahn/go-opgpcard/pkg/metrics"
)

// Store owns the in-memory view of the flash data pool: the index mapping
// each data object slot to its live record, the restored signature
// counter, the password-error counters, and the PW1 lifetime flag. It is
// constructed exclusively by Scan.
//
// Store is not safe for concurrent use. The card layer serializes every
// operation behind a single lock, matching the card's single-threaded
// execution model.
type Store struct {
	pool *flash.Pool
	log  *logging.Logger

	// index maps each slot to the pool offset of its live record's
	// record-number byte.
	index map[Slot]int

	dsc        uint32
	dscHighOff int
	dscLowOff  int

	pw1LifetimeOff int
	pwErrOff       [3]int

	liveBytes int
}

// Pool returns the pool currently backing the store.
func (s *Store) Pool() *flash.Pool { return s.pool }

// LiveBytes returns the total byte footprint of all live data object
// payloads.
func (s *Store) LiveBytes() int { return s.liveBytes }

// Present reports whether a slot currently holds a value.
func (s *Store) Present(slot Slot) bool {
	_, ok := s.index[slot]
	return ok
}

// PrivateKeyCount returns the number of private key slots holding a key.
func (s *Store) PrivateKeyCount() int {
	n := 0
	for _, slot := range []Slot{SlotPrvkeySig, SlotPrvkeyDec, SlotPrvkeyAut} {
		if s.Present(slot) {
			n++
		}
	}
	return n
}

// ReadSimple returns a copy of the payload stored in a slot, or nil when
// the slot is absent.
func (s *Store) ReadSimple(slot Slot) ([]byte, error) {
	off, ok := s.index[slot]
	if !ok {
		return nil, nil
	}
	length, err := s.pool.ReadByte(off + 1)
	if err != nil {
		return nil, fmt.Errorf("%w: reading slot %#02x: %v", ErrMemory, uint8(slot), err)
	}
	payload, err := s.pool.Read(off+2, int(length))
	if err != nil {
		return nil, fmt.Errorf("%w: reading slot %#02x: %v", ErrMemory, uint8(slot), err)
	}
	return payload, nil
}

// WriteSimple replaces the value of a slot. The old record is released
// before the new one is written, so a power loss in between leaves the
// slot transiently absent rather than corrupt. An empty value clears the
// slot.
func (s *Store) WriteSimple(slot Slot, data []byte) error {
	if err := s.release(slot); err != nil {
		return err
	}
	if len(data) == 0 {
		s.updateGauges()
		return nil
	}
	return s.write(slot, data)
}

// WriteRetained replaces the value of a slot with write-then-release
// ordering: the new record is durably written before the old one is
// tombstoned. Key custody uses this so that key records are never
// transiently absent.
func (s *Store) WriteRetained(slot Slot, data []byte) error {
	oldOff, hadOld := s.index[slot]
	var oldLen int
	if hadOld {
		length, err := s.pool.ReadByte(oldOff + 1)
		if err != nil {
			return fmt.Errorf("%w: reading slot %#02x: %v", ErrMemory, uint8(slot), err)
		}
		oldLen = int(length)
	}

	if len(data) == 0 {
		return s.WriteSimple(slot, nil)
	}
	if err := s.write(slot, data); err != nil {
		return err
	}
	if hadOld {
		if err := s.pool.ReleaseRecord(oldOff); err != nil {
			return fmt.Errorf("%w: releasing slot %#02x: %v", ErrMemory, uint8(slot), err)
		}
		s.liveBytes -= oldLen
		s.updateGauges()
	}
	return nil
}

// release tombstones the live record of a slot, if any.
func (s *Store) release(slot Slot) error {
	off, ok := s.index[slot]
	if !ok {
		return nil
	}
	length, err := s.pool.ReadByte(off + 1)
	if err != nil {
		return fmt.Errorf("%w: reading slot %#02x: %v", ErrMemory, uint8(slot), err)
	}
	if err := s.pool.ReleaseRecord(off); err != nil {
		return fmt.Errorf("%w: releasing slot %#02x: %v", ErrMemory, uint8(slot), err)
	}
	delete(s.index, slot)
	s.liveBytes -= int(length)
	return nil
}

// write appends a new record for a slot and indexes it.
func (s *Store) write(slot Slot, data []byte) error {
	if len(data) > 0xFF {
		return fmt.Errorf("%w: value of %d bytes exceeds record limit", ErrProtocol, len(data))
	}
	off, err := s.pool.AppendRecord(byte(slot), data)
	if err != nil {
		return fmt.Errorf("%w: writing slot %#02x: %v", ErrMemory, uint8(slot), err)
	}
	s.index[slot] = off
	s.liveBytes += len(data)
	s.updateGauges()
	return nil
}

// updateGauges refreshes the store gauges after a mutation.
func (s *Store) updateGauges() {
	metrics.LiveDataBytes.Set(float64(s.liveBytes))
	metrics.PrivateKeys.Set(float64(s.PrivateKeyCount()))
}
