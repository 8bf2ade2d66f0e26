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

// TLVWriter accumulates the TLV-encoded response of a GET DATA request.
// Tag encoding follows the card rules: tags below 0x0100 take one byte,
// all others two bytes big-endian. Lengths of 128 and above carry a 0x81
// length-of-length prefix; no object in the table exceeds 255 bytes.
type TLVWriter struct {
	buf []byte
}

// WriteTag appends the encoded tag.
func (w *TLVWriter) WriteTag(tag Tag) {
	if tag < 0x0100 {
		w.buf = append(w.buf, byte(tag))
	} else {
		w.buf = append(w.buf, byte(tag>>8), byte(tag))
	}
}

// WriteLength appends the encoded length. n must be at most 255.
func (w *TLVWriter) WriteLength(n int) {
	if n >= 128 {
		w.buf = append(w.buf, 0x81)
	}
	w.buf = append(w.buf, byte(n))
}

// WriteRaw appends raw bytes.
func (w *TLVWriter) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteZeros appends n zero bytes, the fill for absent fixed-size
// sub-values such as unset fingerprints.
func (w *TLVWriter) WriteZeros(n int) {
	w.buf = append(w.buf, make([]byte, n)...)
}

// Len returns the number of bytes written so far.
func (w *TLVWriter) Len() int { return len(w.buf) }

// Bytes returns the accumulated encoding.
func (w *TLVWriter) Bytes() []byte { return w.buf }

// Reset discards the accumulated encoding.
func (w *TLVWriter) Reset() { w.buf = w.buf[:0] }

// reserveLength appends a one-byte length placeholder and returns its
// position for later patching. Composite objects always use the 0x81
// long form for the outer length, matching the provisioned card format.
func (w *TLVWriter) reserveLength() int {
	w.buf = append(w.buf, 0x81, 0)
	return len(w.buf) - 1
}

// patchLength rewrites the placeholder at pos with the number of bytes
// written since it.
func (w *TLVWriter) patchLength(pos int) {
	w.buf[pos] = byte(len(w.buf) - pos - 1)
}

// writeTLV emits a stored value, with or without its tag/length header.
func (w *TLVWriter) writeTLV(tag Tag, value []byte, withTag bool) {
	if withTag {
		w.WriteTag(tag)
		w.WriteLength(len(value))
	}
	w.WriteRaw(value)
}
