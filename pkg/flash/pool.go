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

import "github.com/jeremyhahn/go-opgpcard/pkg/metrics"

// Pool is one flash page used as an append-only record log. Records are
// 16-bit aligned; a record whose first halfword reads 00 00 is a released
// (tombstoned) slot, and an 0xFF record number marks the logical end of
// the log.
//
// All offsets are pool-relative. The pool tracks the append tail; the
// recovery scanner sets it after its boot pass with SetTail.
type Pool struct {
	dev  Device
	page int
	tail int
}

// NewPool maps a pool onto one page of a device. The tail starts at zero;
// callers are expected to run the recovery scan (or an erase) before the
// first append.
func NewPool(dev Device, page int) (*Pool, error) {
	if page < 0 || page >= dev.PageCount() {
		return nil, ErrOutOfRange
	}
	return &Pool{dev: dev, page: page}, nil
}

// Size returns the pool capacity in bytes.
func (p *Pool) Size() int { return p.dev.PageSize() }

// Page returns the device page backing this pool.
func (p *Pool) Page() int { return p.page }

// Tail returns the offset just past the last record.
func (p *Pool) Tail() int { return p.tail }

// SetTail records the append position discovered by the recovery scan.
func (p *Pool) SetTail(off int) { p.tail = off }

// base converts a pool-relative offset to a device offset.
func (p *Pool) base() int { return p.page * p.dev.PageSize() }

// Read returns n bytes starting at pool offset off.
func (p *Pool) Read(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > p.Size() {
		return nil, ErrOutOfRange
	}
	buf := make([]byte, n)
	if err := p.dev.ReadAt(buf, p.base()+off); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadByte returns the byte at pool offset off.
func (p *Pool) ReadByte(off int) (byte, error) {
	b, err := p.Read(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Program writes data at pool offset off, clearing bits only.
func (p *Pool) Program(off int, data []byte) error {
	if off < 0 || off+len(data) > p.Size() {
		return ErrOutOfRange
	}
	if err := p.dev.Program(p.base()+off, data); err != nil {
		return err
	}
	metrics.FlashProgramsTotal.Add(float64(len(data)))
	return nil
}

// AppendRecord appends a [nr][len][payload][pad] record and returns the
// offset of its record-number byte. The payload length must fit one byte.
func (p *Pool) AppendRecord(nr byte, payload []byte) (int, error) {
	if len(payload) > 0xFF {
		return 0, ErrOutOfRange
	}
	need := 2 + len(payload)
	if need%2 != 0 {
		need++
	}
	// The end sentinel is the erased flash itself; one spare halfword
	// must always remain so the scanner can find it.
	if p.tail+need+2 > p.Size() {
		return 0, ErrPoolFull
	}

	rec := make([]byte, need)
	for i := range rec {
		rec[i] = ErasedByte
	}
	rec[0] = nr
	rec[1] = byte(len(payload))
	copy(rec[2:], payload)

	off := p.tail
	if err := p.Program(off, rec); err != nil {
		return 0, err
	}
	p.tail += need
	return off, nil
}

// AppendHalfword appends a bare two-byte record (counters, flags) and
// returns the offset of its first byte.
func (p *Pool) AppendHalfword(b0, b1 byte) (int, error) {
	if p.tail+4 > p.Size() {
		return 0, ErrPoolFull
	}
	off := p.tail
	if err := p.Program(off, []byte{b0, b1}); err != nil {
		return 0, err
	}
	p.tail += 2
	return off, nil
}

// Release tombstones n bytes starting at off by programming them to zero.
// n is rounded up to halfword alignment so the scanner sees whole 00 00
// tombstone words.
func (p *Pool) Release(off, n int) error {
	if n%2 != 0 {
		n++
	}
	zeros := make([]byte, n)
	if err := p.Program(off, zeros); err != nil {
		return err
	}
	metrics.FlashReleasesTotal.Inc()
	return nil
}

// ReleaseRecord tombstones a [nr][len][payload][pad] record whose
// record-number byte sits at off.
func (p *Pool) ReleaseRecord(off int) error {
	length, err := p.ReadByte(off + 1)
	if err != nil {
		return err
	}
	return p.Release(off, 2+int(length))
}

// Erase wipes the whole pool page and resets the tail.
func (p *Pool) Erase() error {
	if err := p.dev.ErasePage(p.page); err != nil {
		return err
	}
	p.tail = 0
	return nil
}
