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

// Package flash models the rewritable flash region that backs the card's
// data-object log and private-key area. Flash semantics are preserved
// exactly: programming can only clear bits (1 -> 0), erasing restores a
// whole page to 0xFF, and all addressing is done with explicit byte
// offsets rather than pointers.
package flash

import "errors"

// Flash device errors
var (
	// ErrOutOfRange indicates an access outside the device's address space.
	ErrOutOfRange = errors.New("flash: access out of range")

	// ErrProgramConflict indicates a program operation that would need to
	// set a bit from 0 to 1, which flash cannot do without an erase.
	ErrProgramConflict = errors.New("flash: program would set erased bit")

	// ErrPoolFull indicates the data pool has no room for another record.
	ErrPoolFull = errors.New("flash: data pool full")

	// ErrNoFreeSlot indicates the key area has no unreferenced slot left.
	ErrNoFreeSlot = errors.New("flash: no free key slot")
)

// ErasedByte is the value of every byte on an erased flash page.
const ErasedByte byte = 0xFF

// Device is the raw flash driver consumed by the data pool and key area.
// Implementations must enforce NOR-style program semantics: a program
// operation may only clear bits, never set them.
//
// Device implementations are safe for use from a single goroutine; callers
// that share a device across goroutines must serialize access externally,
// which the card layer does with a single lock.
type Device interface {
	// PageSize returns the erase-unit size in bytes.
	PageSize() int

	// PageCount returns the number of pages on the device.
	PageCount() int

	// ReadAt fills p with device content starting at byte offset off.
	ReadAt(p []byte, off int) error

	// Program writes data at byte offset off, clearing bits only.
	// Programming a byte pattern that would set any erased bit fails
	// with ErrProgramConflict.
	Program(off int, data []byte) error

	// ErasePage restores the given page to the erased state (all 0xFF).
	ErasePage(page int) error
}

// checkRange validates an [off, off+n) window against a device.
func checkRange(dev Device, off, n int) error {
	size := dev.PageSize() * dev.PageCount()
	if off < 0 || n < 0 || off+n > size {
		return ErrOutOfRange
	}
	return nil
}
