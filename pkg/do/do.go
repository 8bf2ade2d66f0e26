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

// Package do implements the OpenPGP card data object store: the on-flash
// record log, the boot-time recovery scan, the compactor, the
// wear-minimizing counter encodings, and the table-driven GET DATA /
// PUT DATA dispatcher.
package do

import "fmt"

// Tag identifies a data object in the card's 16-bit tag space.
type Tag uint16

// OpenPGP card data object tags.
const (
	TagAID                     Tag = 0x004F
	TagName                    Tag = 0x005B
	TagLoginData               Tag = 0x005E
	TagCardholderData          Tag = 0x0065
	TagApplicationData         Tag = 0x006E
	TagSecuritySupportTemplate Tag = 0x007A
	TagSignatureCounter        Tag = 0x0093
	TagExtendedCapabilities    Tag = 0x00C0
	TagAlgorithmAttributesSig  Tag = 0x00C1
	TagAlgorithmAttributesDec  Tag = 0x00C2
	TagAlgorithmAttributesAut  Tag = 0x00C3
	TagPWStatus                Tag = 0x00C4
	TagFingerprintsAll         Tag = 0x00C5
	TagCAFingerprintsAll       Tag = 0x00C6
	TagFingerprintSig          Tag = 0x00C7
	TagFingerprintDec          Tag = 0x00C8
	TagFingerprintAut          Tag = 0x00C9
	TagCAFingerprint1          Tag = 0x00CA
	TagCAFingerprint2          Tag = 0x00CB
	TagCAFingerprint3          Tag = 0x00CC
	TagKeygenTimeAll           Tag = 0x00CD
	TagKeygenTimeSig           Tag = 0x00CE
	TagKeygenTimeDec           Tag = 0x00CF
	TagKeygenTimeAut           Tag = 0x00D0
	TagResettingCode           Tag = 0x00D3
	TagKeyImport               Tag = 0x3FFF
	TagLanguage                Tag = 0x5F2D
	TagSex                     Tag = 0x5F35
	TagURL                     Tag = 0x5F50
	TagHistoricalBytes         Tag = 0x5F52
	TagCardholderCertificate   Tag = 0x7F21
)

// Slot is the one-byte record number of a stored data object in the flash
// log. Slot numbers live below the counter ranges; the assignment is part
// of the on-flash format and must never be renumbered on provisioned
// cards.
type Slot uint8

// Data object slot numbers.
const (
	SlotPrvkeySig      Slot = 0x01
	SlotPrvkeyDec      Slot = 0x02
	SlotPrvkeyAut      Slot = 0x03
	SlotKeystringPW1   Slot = 0x04
	SlotKeystringRC    Slot = 0x05
	SlotSex            Slot = 0x06
	SlotFingerprintSig Slot = 0x07
	SlotFingerprintDec Slot = 0x08
	SlotFingerprintAut Slot = 0x09
	SlotCAFingerprint1 Slot = 0x0A
	SlotCAFingerprint2 Slot = 0x0B
	SlotCAFingerprint3 Slot = 0x0C
	SlotKeygenTimeSig  Slot = 0x0D
	SlotKeygenTimeDec  Slot = 0x0E
	SlotKeygenTimeAut  Slot = 0x0F
	SlotLoginData      Slot = 0x10
	SlotURL            Slot = 0x11
	SlotName           Slot = 0x12
	SlotLanguage       Slot = 0x13

	slotFirst = SlotPrvkeySig
	slotLast  = SlotLanguage
)

// Record number ranges above the data object slots. The scanner treats
// anything before the end sentinel that matches none of these as a fatal
// malformed log.
const (
	nrReleased byte = 0x00 // tombstone halfword 00 00

	nrDSHighFirst byte = 0x80 // signature counter, upper 14 bits
	nrDSHighLast  byte = 0xBF
	nrDSLowFirst  byte = 0xC0 // signature counter, lower 10 bits
	nrDSLowLast   byte = 0xC3

	nrBoolPW1Lifetime byte = 0xF0 // PW1 stays valid across signatures
	nrCounter123      byte = 0xF1 // ternary password-error counter

	nrEmpty byte = 0xFF // erased flash, end of log
)

// Kind is the representation of a data object: how its value is produced
// on read and consumed on write. The set is closed; dispatch matches on
// the kind rather than calling through untyped function pointers.
type Kind int

const (
	// KindFixed is an immutable compiled-in byte string.
	KindFixed Kind = iota

	// KindVariable is a byte string stored in the flash log; absent is a
	// valid state meaning "not set".
	KindVariable

	// KindCompositeRead is a virtual object whose value is the TLV
	// concatenation of other objects' encoded values.
	KindCompositeRead

	// KindComputedRead produces its value through a handler.
	KindComputedRead

	// KindComputedWrite consumes its value through a handler and cannot
	// be read back.
	KindComputedWrite

	// KindComputedReadWrite routes both directions through handlers.
	KindComputedReadWrite
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindVariable:
		return "variable"
	case KindCompositeRead:
		return "composite-read"
	case KindComputedRead:
		return "computed-read"
	case KindComputedWrite:
		return "computed-write"
	case KindComputedReadWrite:
		return "computed-readwrite"
	default:
		return "unknown"
	}
}

// AccessCondition is a read or write gate on a table entry, evaluated
// against the session's verification state by the access oracle.
type AccessCondition uint8

const (
	// AccessAlways grants unconditionally.
	AccessAlways AccessCondition = iota

	// AccessAdmin grants only when the admin credential (PW3) has been
	// verified this session.
	AccessAdmin

	// AccessNever denies unconditionally.
	AccessNever
)

// String returns the condition name.
func (a AccessCondition) String() string {
	switch a {
	case AccessAlways:
		return "always"
	case AccessAdmin:
		return "admin"
	case AccessNever:
		return "never"
	default:
		return "unknown"
	}
}

// AccessChecker is the access-control oracle consumed by the dispatcher.
// It reflects which credentials have been verified in the current card
// session; the session state machine itself is outside this module.
type AccessChecker interface {
	Check(cond AccessCondition) bool
}

// ReadHandler produces the encoded value of a computed data object.
// When withTag is true the handler emits its own tag and length header.
type ReadHandler func(w *TLVWriter, withTag bool) error

// WriteHandler consumes the value written to a computed data object.
type WriteHandler func(data []byte) error

// Entry declares one data object: its tag, representation kind,
// independent read/write access gates, and the kind-specific data or
// handlers.
type Entry struct {
	Tag   Tag
	Kind  Kind
	Read  AccessCondition
	Write AccessCondition

	// Fixed holds the value of a KindFixed entry.
	Fixed []byte

	// Slot addresses the flash record of a KindVariable entry.
	Slot Slot

	// Components lists the child tags of a KindCompositeRead entry.
	Components []Tag

	// ReadFunc serves KindComputedRead and KindComputedReadWrite reads.
	ReadFunc ReadHandler

	// WriteFunc serves KindComputedWrite and KindComputedReadWrite writes.
	WriteFunc WriteHandler
}

// Table is the static declarative data object table.
type Table []Entry

// Lookup returns the entry for tag, or nil.
func (t Table) Lookup(tag Tag) *Entry {
	for i := range t {
		if t[i].Tag == tag {
			return &t[i]
		}
	}
	return nil
}

// Validate enforces the structural invariants of the table: kinds that
// forbid writing must gate writes with AccessNever, the write-only kind
// must gate reads with AccessNever, and every entry must carry the data
// or handler its kind requires (unless the matching gate is AccessNever,
// in which case the handler is unreachable and may be absent).
func (t Table) Validate() error {
	seen := make(map[Tag]bool, len(t))
	for i := range t {
		e := &t[i]
		if seen[e.Tag] {
			return fmt.Errorf("do: duplicate table entry for tag %#04x", uint16(e.Tag))
		}
		seen[e.Tag] = true

		switch e.Kind {
		case KindFixed:
			if e.Write != AccessNever {
				return fmt.Errorf("do: fixed tag %#04x must never be writable", uint16(e.Tag))
			}
			if len(e.Fixed) == 0 {
				return fmt.Errorf("do: fixed tag %#04x has no value", uint16(e.Tag))
			}
		case KindVariable:
			if e.Slot < slotFirst || e.Slot > slotLast {
				return fmt.Errorf("do: variable tag %#04x has invalid slot %#02x", uint16(e.Tag), uint8(e.Slot))
			}
		case KindCompositeRead:
			if e.Write != AccessNever {
				return fmt.Errorf("do: composite tag %#04x must never be writable", uint16(e.Tag))
			}
			if len(e.Components) == 0 {
				return fmt.Errorf("do: composite tag %#04x has no components", uint16(e.Tag))
			}
		case KindComputedRead:
			if e.Write != AccessNever {
				return fmt.Errorf("do: computed-read tag %#04x must never be writable", uint16(e.Tag))
			}
			if e.ReadFunc == nil && e.Read != AccessNever {
				return fmt.Errorf("do: computed-read tag %#04x has no read handler", uint16(e.Tag))
			}
		case KindComputedWrite:
			if e.Read != AccessNever {
				return fmt.Errorf("do: computed-write tag %#04x must never be readable", uint16(e.Tag))
			}
			if e.WriteFunc == nil && e.Write != AccessNever {
				return fmt.Errorf("do: computed-write tag %#04x has no write handler", uint16(e.Tag))
			}
		case KindComputedReadWrite:
			if e.ReadFunc == nil && e.Read != AccessNever {
				return fmt.Errorf("do: computed tag %#04x has no read handler", uint16(e.Tag))
			}
			if e.WriteFunc == nil && e.Write != AccessNever {
				return fmt.Errorf("do: computed tag %#04x has no write handler", uint16(e.Tag))
			}
		default:
			return fmt.Errorf("do: tag %#04x has unknown kind %d", uint16(e.Tag), e.Kind)
		}
	}
	return nil
}
