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

package flash

import "sync"

// MemDevice is an in-memory flash device. It is the default device for
// tests and for card images that do not need to survive the process.
//
// MemDevice enforces program-clears-bits semantics so that any code path
// that would misbehave on real flash fails immediately in tests.
type MemDevice struct {
	mu       sync.RWMutex
	pageSize int
	buf      []byte
}

var _ Device = (*MemDevice)(nil)

// NewMemDevice creates an erased in-memory device with the given geometry.
func NewMemDevice(pageSize, pageCount int) *MemDevice {
	buf := make([]byte, pageSize*pageCount)
	for i := range buf {
		buf[i] = ErasedByte
	}
	return &MemDevice{pageSize: pageSize, buf: buf}
}

// NewMemDeviceFromImage creates a device over an existing image. The image
// length must be a whole number of pages.
func NewMemDeviceFromImage(pageSize int, image []byte) (*MemDevice, error) {
	if pageSize <= 0 || len(image) == 0 || len(image)%pageSize != 0 {
		return nil, ErrOutOfRange
	}
	buf := make([]byte, len(image))
	copy(buf, image)
	return &MemDevice{pageSize: pageSize, buf: buf}, nil
}

// PageSize returns the erase-unit size in bytes.
func (d *MemDevice) PageSize() int { return d.pageSize }

// PageCount returns the number of pages on the device.
func (d *MemDevice) PageCount() int { return len(d.buf) / d.pageSize }

// ReadAt fills p with device content starting at byte offset off.
func (d *MemDevice) ReadAt(p []byte, off int) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := checkRange(d, off, len(p)); err != nil {
		return err
	}
	copy(p, d.buf[off:])
	return nil
}

// Program writes data at off, clearing bits only.
func (d *MemDevice) Program(off int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := checkRange(d, off, len(data)); err != nil {
		return err
	}
	for i, b := range data {
		if d.buf[off+i]&b != b {
			return ErrProgramConflict
		}
	}
	for i, b := range data {
		d.buf[off+i] &= b
	}
	return nil
}

// ErasePage restores the given page to all 0xFF.
func (d *MemDevice) ErasePage(page int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if page < 0 || page >= d.PageCount() {
		return ErrOutOfRange
	}
	start := page * d.pageSize
	for i := start; i < start+d.pageSize; i++ {
		d.buf[i] = ErasedByte
	}
	return nil
}

// Image returns a copy of the whole device content.
func (d *MemDevice) Image() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	return out
}
