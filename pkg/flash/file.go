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

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// Card image files hold key material; owner read/write only.
	imageFilePerms = 0600
)

// FileDevice is a flash device persisted to a card image file on disk.
// The whole image is kept in memory; every program and erase is written
// through to the backing file before the operation reports success, which
// is what gives flash records their durable-before-live property.
type FileDevice struct {
	mu       sync.RWMutex
	pageSize int
	buf      []byte
	file     *os.File
}

var _ Device = (*FileDevice)(nil)

// OpenFileDevice opens (or creates) a card image file with the given
// geometry. A new file is created fully erased. An existing file must
// match the expected size exactly.
func OpenFileDevice(path string, pageSize, pageCount int) (*FileDevice, error) {
	if pageSize <= 0 || pageCount <= 0 {
		return nil, ErrOutOfRange
	}
	cleanPath := filepath.Clean(path)
	size := pageSize * pageCount

	f, err := os.OpenFile(cleanPath, os.O_RDWR|os.O_CREATE, imageFilePerms)
	if err != nil {
		return nil, fmt.Errorf("flash: failed to open card image %q: %w", cleanPath, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flash: failed to stat card image %q: %w", cleanPath, err)
	}

	buf := make([]byte, size)
	switch fi.Size() {
	case 0:
		for i := range buf {
			buf[i] = ErasedByte
		}
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("flash: failed to initialize card image %q: %w", cleanPath, err)
		}
	case int64(size):
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("flash: failed to read card image %q: %w", cleanPath, err)
		}
	default:
		f.Close()
		return nil, fmt.Errorf("flash: card image %q is %d bytes, expected %d", cleanPath, fi.Size(), size)
	}

	return &FileDevice{pageSize: pageSize, buf: buf, file: f}, nil
}

// PageSize returns the erase-unit size in bytes.
func (d *FileDevice) PageSize() int { return d.pageSize }

// PageCount returns the number of pages on the device.
func (d *FileDevice) PageCount() int { return len(d.buf) / d.pageSize }

// ReadAt fills p with device content starting at byte offset off.
func (d *FileDevice) ReadAt(p []byte, off int) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := checkRange(d, off, len(p)); err != nil {
		return err
	}
	copy(p, d.buf[off:])
	return nil
}

// Program writes data at off, clearing bits only, and syncs the change to
// the backing file.
func (d *FileDevice) Program(off int, data []byte) error {
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
	if _, err := d.file.WriteAt(d.buf[off:off+len(data)], int64(off)); err != nil {
		return fmt.Errorf("flash: failed to persist program at %#x: %w", off, err)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("flash: failed to sync card image: %w", err)
	}
	return nil
}

// ErasePage restores the given page to all 0xFF and syncs it to disk.
func (d *FileDevice) ErasePage(page int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if page < 0 || page >= d.PageCount() {
		return ErrOutOfRange
	}
	start := page * d.pageSize
	for i := start; i < start+d.pageSize; i++ {
		d.buf[i] = ErasedByte
	}
	if _, err := d.file.WriteAt(d.buf[start:start+d.pageSize], int64(start)); err != nil {
		return fmt.Errorf("flash: failed to persist erase of page %d: %w", page, err)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("flash: failed to sync card image: %w", err)
	}
	return nil
}

// Image returns a copy of the whole device content.
func (d *FileDevice) Image() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	return out
}

// Close releases the backing file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}
