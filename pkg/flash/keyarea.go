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

const (
	// KeyContentSize is the size of the encrypted private key content
	// stored at the start of a key slot (RSA-2048 p and q).
	KeyContentSize = 256

	// KeyModulusSize is the size of the plaintext modulus stored right
	// after the encrypted content.
	KeyModulusSize = 256
)

// KeyArea manages the flash pages that hold private key material. Each
// slot occupies its own page and stores the encrypted private content
// followed by the plaintext modulus.
//
// Slots are not self-describing: whether a slot is live is known only from
// the key records in the data pool. The custody layer marks referenced
// slots after the boot scan; anything unmarked is reclaimable, which also
// sweeps up slots orphaned by a power loss between a key write and its
// record write.
type KeyArea struct {
	dev       Device
	firstPage int
	inUse     []bool
}

// NewKeyArea maps a key area onto a run of device pages, one slot each.
// Every page must be large enough for content plus modulus.
func NewKeyArea(dev Device, firstPage, slots int) (*KeyArea, error) {
	if slots <= 0 || firstPage < 0 || firstPage+slots > dev.PageCount() {
		return nil, ErrOutOfRange
	}
	if dev.PageSize() < KeyContentSize+KeyModulusSize {
		return nil, ErrOutOfRange
	}
	return &KeyArea{dev: dev, firstPage: firstPage, inUse: make([]bool, slots)}, nil
}

// Slots returns the number of key slots.
func (k *KeyArea) Slots() int { return len(k.inUse) }

// Offset returns the device byte offset of a slot.
func (k *KeyArea) Offset(slot int) (uint32, error) {
	if slot < 0 || slot >= len(k.inUse) {
		return 0, ErrOutOfRange
	}
	return uint32((k.firstPage + slot) * k.dev.PageSize()), nil
}

// slotFor resolves a stored key offset back to its slot index.
func (k *KeyArea) slotFor(off uint32) (int, error) {
	ps := k.dev.PageSize()
	if int(off)%ps != 0 {
		return 0, ErrOutOfRange
	}
	slot := int(off)/ps - k.firstPage
	if slot < 0 || slot >= len(k.inUse) {
		return 0, ErrOutOfRange
	}
	return slot, nil
}

// MarkUsed records that a slot offset is referenced by a live key record.
// Called by the custody layer while rebuilding state after the boot scan.
func (k *KeyArea) MarkUsed(off uint32) error {
	slot, err := k.slotFor(off)
	if err != nil {
		return err
	}
	k.inUse[slot] = true
	return nil
}

// Alloc erases and reserves an unreferenced slot and returns its offset.
func (k *KeyArea) Alloc() (uint32, error) {
	for slot, used := range k.inUse {
		if used {
			continue
		}
		if err := k.dev.ErasePage(k.firstPage + slot); err != nil {
			return 0, err
		}
		k.inUse[slot] = true
		off, _ := k.Offset(slot)
		return off, nil
	}
	return 0, ErrNoFreeSlot
}

// Release erases a slot and returns it to the free set.
func (k *KeyArea) Release(off uint32) error {
	slot, err := k.slotFor(off)
	if err != nil {
		return err
	}
	if err := k.dev.ErasePage(k.firstPage + slot); err != nil {
		return err
	}
	k.inUse[slot] = false
	return nil
}

// Write programs the encrypted private content and the plaintext modulus
// into a freshly allocated slot.
func (k *KeyArea) Write(off uint32, encContent, modulus []byte) error {
	if len(encContent) != KeyContentSize || len(modulus) != KeyModulusSize {
		return ErrOutOfRange
	}
	if _, err := k.slotFor(off); err != nil {
		return err
	}
	if err := k.dev.Program(int(off), encContent); err != nil {
		return err
	}
	if err := k.dev.Program(int(off)+KeyContentSize, modulus); err != nil {
		return err
	}
	metrics.FlashProgramsTotal.Add(float64(KeyContentSize + KeyModulusSize))
	return nil
}

// ReadContent returns the encrypted private content of a slot.
func (k *KeyArea) ReadContent(off uint32) ([]byte, error) {
	if _, err := k.slotFor(off); err != nil {
		return nil, err
	}
	buf := make([]byte, KeyContentSize)
	if err := k.dev.ReadAt(buf, int(off)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadModulus returns the plaintext modulus of a slot.
func (k *KeyArea) ReadModulus(off uint32) ([]byte, error) {
	if _, err := k.slotFor(off); err != nil {
		return nil, err
	}
	buf := make([]byte, KeyModulusSize)
	if err := k.dev.ReadAt(buf, int(off)+KeyContentSize); err != nil {
		return nil, err
	}
	return buf, nil
}
