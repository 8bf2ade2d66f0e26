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

package card

import (
	"fmt"

	"github.com/jeremyhahn/go-opgpcard/pkg/custody"
	"github.com/jeremyhahn/go-opgpcard/pkg/do"
)

const (
	fingerprintSize = 20
	keygenTimeSize  = 4

	// Maximum command and response data lengths advertised in the
	// extended capabilities.
	maxCmdDataSize = 2048
	maxResDataSize = 2048

	pwLenMax = 127
)

// historicalBytes is the ISO 7816 historical bytes template: category
// indicator, card capabilities (full DF name, extended Lc/Le, no command
// chaining), and status info with no life cycle management.
var historicalBytes = []byte{
	0x00,
	0x31, 0x80,
	0x73,
	0x80, 0x01, 0x40,
	0x00, 0x90, 0x00,
}

// extendedCapabilities: key import and PW status write supported; no
// secure messaging, no get challenge, no private use objects, no
// algorithm change, no cardholder certificate storage.
var extendedCapabilities = []byte{
	0x30,
	0x00,
	0x00, 0x00,
	0x00, 0x00,
	maxCmdDataSize >> 8, maxCmdDataSize & 0xff,
	maxResDataSize >> 8, maxResDataSize & 0xff,
}

// algorithmAttr: RSA, 2048-bit modulus, 32-bit public exponent, private
// key format p and q.
var algorithmAttr = []byte{0x01, 0x08, 0x00, 0x00, 0x20, 0x00}

// aid builds the application identifier with the profile's manufacturer
// and serial bytes.
func aid(p Profile) []byte {
	return []byte{
		0xD2, 0x76, 0x00, 0x01, 0x24, 0x01,
		0x02, 0x00, // version 2.0
		p.Manufacturer[0], p.Manufacturer[1],
		p.Serial[0], p.Serial[1], p.Serial[2], p.Serial[3],
		0x00, 0x00,
	}
}

// buildTable declares the card's full data object table over the store,
// the custody layer, and the session.
func (c *Card) buildTable(p Profile) do.Table {
	return do.Table{
		// Stored objects, fixed size
		{Tag: do.TagSex, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotSex},
		{Tag: do.TagFingerprintSig, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotFingerprintSig},
		{Tag: do.TagFingerprintDec, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotFingerprintDec},
		{Tag: do.TagFingerprintAut, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotFingerprintAut},
		{Tag: do.TagCAFingerprint1, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotCAFingerprint1},
		{Tag: do.TagCAFingerprint2, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotCAFingerprint2},
		{Tag: do.TagCAFingerprint3, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotCAFingerprint3},
		{Tag: do.TagKeygenTimeSig, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotKeygenTimeSig},
		{Tag: do.TagKeygenTimeDec, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotKeygenTimeDec},
		{Tag: do.TagKeygenTimeAut, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotKeygenTimeAut},

		// Stored objects, variable size
		{Tag: do.TagLoginData, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotLoginData},
		{Tag: do.TagURL, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotURL},
		{Tag: do.TagName, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotName},
		{Tag: do.TagLanguage, Kind: do.KindVariable, Read: do.AccessAlways, Write: do.AccessAdmin, Slot: do.SlotLanguage},

		// Computed reads
		{Tag: do.TagHistoricalBytes, Kind: do.KindComputedRead, Read: do.AccessAlways, Write: do.AccessNever,
			ReadFunc: fixedRead(do.TagHistoricalBytes, historicalBytes)},
		{Tag: do.TagFingerprintsAll, Kind: do.KindComputedRead, Read: do.AccessAlways, Write: do.AccessNever,
			ReadFunc: c.slotConcat(do.TagFingerprintsAll, fingerprintSize,
				do.SlotFingerprintSig, do.SlotFingerprintDec, do.SlotFingerprintAut)},
		{Tag: do.TagCAFingerprintsAll, Kind: do.KindComputedRead, Read: do.AccessAlways, Write: do.AccessNever,
			ReadFunc: c.slotConcat(do.TagCAFingerprintsAll, fingerprintSize,
				do.SlotCAFingerprint1, do.SlotCAFingerprint2, do.SlotCAFingerprint3)},
		{Tag: do.TagKeygenTimeAll, Kind: do.KindComputedRead, Read: do.AccessAlways, Write: do.AccessNever,
			ReadFunc: c.slotConcat(do.TagKeygenTimeAll, keygenTimeSize,
				do.SlotKeygenTimeSig, do.SlotKeygenTimeDec, do.SlotKeygenTimeAut)},
		{Tag: do.TagSignatureCounter, Kind: do.KindComputedRead, Read: do.AccessAlways, Write: do.AccessNever,
			ReadFunc: c.dsCount},

		// Computed read/write
		{Tag: do.TagPWStatus, Kind: do.KindComputedReadWrite, Read: do.AccessAlways, Write: do.AccessAdmin,
			ReadFunc: c.pwStatusRead, WriteFunc: c.pwStatusWrite},

		// Fixed objects
		{Tag: do.TagAID, Kind: do.KindFixed, Read: do.AccessAlways, Write: do.AccessNever, Fixed: aid(p)},
		{Tag: do.TagExtendedCapabilities, Kind: do.KindFixed, Read: do.AccessAlways, Write: do.AccessNever, Fixed: extendedCapabilities},
		{Tag: do.TagAlgorithmAttributesSig, Kind: do.KindFixed, Read: do.AccessAlways, Write: do.AccessNever, Fixed: algorithmAttr},
		{Tag: do.TagAlgorithmAttributesDec, Kind: do.KindFixed, Read: do.AccessAlways, Write: do.AccessNever, Fixed: algorithmAttr},
		{Tag: do.TagAlgorithmAttributesAut, Kind: do.KindFixed, Read: do.AccessAlways, Write: do.AccessNever, Fixed: algorithmAttr},

		// Composites
		{Tag: do.TagCardholderData, Kind: do.KindCompositeRead, Read: do.AccessAlways, Write: do.AccessNever,
			Components: []do.Tag{do.TagName, do.TagLanguage, do.TagSex}},
		{Tag: do.TagApplicationData, Kind: do.KindCompositeRead, Read: do.AccessAlways, Write: do.AccessNever,
			Components: []do.Tag{
				do.TagAID, do.TagHistoricalBytes, do.TagExtendedCapabilities,
				do.TagAlgorithmAttributesSig, do.TagAlgorithmAttributesDec, do.TagAlgorithmAttributesAut,
				do.TagPWStatus, do.TagFingerprintsAll, do.TagCAFingerprintsAll, do.TagKeygenTimeAll,
			}},
		{Tag: do.TagSecuritySupportTemplate, Kind: do.KindCompositeRead, Read: do.AccessAlways, Write: do.AccessNever,
			Components: []do.Tag{do.TagSignatureCounter}},

		// Computed writes
		{Tag: do.TagResettingCode, Kind: do.KindComputedWrite, Read: do.AccessNever, Write: do.AccessAdmin,
			WriteFunc: c.resettingCode},
		{Tag: do.TagKeyImport, Kind: do.KindComputedWrite, Read: do.AccessNever, Write: do.AccessAdmin,
			WriteFunc: c.keyImport},

		// Not supported
		{Tag: do.TagCardholderCertificate, Kind: do.KindComputedReadWrite, Read: do.AccessNever, Write: do.AccessNever},
	}
}

// fixedRead serves a computed read from a compiled-in byte string.
func fixedRead(tag do.Tag, value []byte) do.ReadHandler {
	return func(w *do.TLVWriter, withTag bool) error {
		if withTag {
			w.WriteTag(tag)
			w.WriteLength(len(value))
		}
		w.WriteRaw(value)
		return nil
	}
}

// slotConcat serves a computed read concatenating fixed-size stored
// objects, substituting zeros for absent or short values.
func (c *Card) slotConcat(tag do.Tag, size int, slots ...do.Slot) do.ReadHandler {
	return func(w *do.TLVWriter, withTag bool) error {
		if withTag {
			w.WriteTag(tag)
			w.WriteLength(size * len(slots))
		}
		for _, slot := range slots {
			data, err := c.store.ReadSimple(slot)
			if err != nil {
				return err
			}
			if len(data) == size {
				w.WriteRaw(data)
			} else {
				w.WriteZeros(size)
			}
		}
		return nil
	}
}

// dsCount serves the digital signature counter, three bytes big-endian.
func (c *Card) dsCount(w *do.TLVWriter, withTag bool) error {
	if withTag {
		w.WriteTag(do.TagSignatureCounter)
		w.WriteLength(3)
	}
	v := c.store.SignatureCounter()
	w.WriteRaw([]byte{byte(v >> 16), byte(v >> 8), byte(v)})
	return nil
}

// pwStatusRead serves the PW status bytes: PW1 lifetime flag, three
// maximum lengths, three remaining-attempt counters.
func (c *Card) pwStatusRead(w *do.TLVWriter, withTag bool) error {
	if withTag {
		w.WriteTag(do.TagPWStatus)
		w.WriteLength(7)
	}
	var lifetime byte
	if c.store.PW1Lifetime() {
		lifetime = 1
	}
	buf := []byte{lifetime, pwLenMax, pwLenMax, pwLenMax, 0, 0, 0}
	for i, which := range []int{do.PWErrPW1, do.PWErrRC, do.PWErrPW3} {
		errs, err := c.store.PasswordErrors(which)
		if err != nil {
			return err
		}
		buf[4+i] = byte(do.PasswordErrorsMax - errs)
	}
	w.WriteRaw(buf)
	return nil
}

// pwStatusWrite toggles the PW1 lifetime flag. Only the first byte of
// the written value is examined.
func (c *Card) pwStatusWrite(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty PW status", do.ErrProtocol)
	}
	return c.store.SetPW1Lifetime(data[0] != 0)
}

// resettingCode installs a new resetting code: the presented value is
// hashed into a keystring, every present key's DEK gains a resetting
// code wrapping derived from the verified admin keystring, and the new
// keystring object is stored (in full while no key is present, length
// byte only once keys hold the wrapped copy). The resetting code error
// counter restarts.
func (c *Card) resettingCode(data []byte) error {
	adminKS, ok := c.session.AdminKeystring()
	if !ok {
		return do.ErrAccessDenied
	}
	newKS := custody.Keystring(data)

	changed, err := c.custody.ChangeKeystring(custody.CredentialAdmin, adminKS, custody.CredentialResetCode, newKS)
	if err != nil {
		return err
	}

	ksDO := custody.KeystringWithLength(data)
	if changed > 0 {
		ksDO = ksDO[:1]
	}
	if err := c.store.WriteSimple(do.SlotKeystringRC, ksDO); err != nil {
		return err
	}
	return c.store.ResetPasswordErrors(do.PWErrRC)
}

// keyImport handles the extended-header key import template. The control
// reference byte at offset 4 selects the key; a template of 22 bytes or
// fewer deletes that key. Otherwise the private key content follows the
// 26-byte header: the four public exponent bytes are skipped, then p and
// q, then the modulus.
func (c *Card) keyImport(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: short key import template", do.ErrProtocol)
	}

	var kind custody.KeyKind
	switch data[4] {
	case 0xB6:
		kind = custody.KeySign
	case 0xB8:
		kind = custody.KeyDecrypt
	default: // 0xA4
		kind = custody.KeyAuth
	}

	if len(data) <= 22 {
		return c.custody.Delete(kind)
	}

	const header = 26
	need := header + 256 + 256
	if len(data) < need {
		return fmt.Errorf("%w: key import template %d bytes, need %d", do.ErrProtocol, len(data), need)
	}

	adminKS, ok := c.session.AdminKeystring()
	if !ok {
		return do.ErrAccessDenied
	}
	content := data[header : header+256]
	modulus := data[header+256 : need]
	return c.custody.Import(kind, content, modulus, adminKS)
}
