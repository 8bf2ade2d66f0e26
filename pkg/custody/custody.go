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

// Package custody implements encrypted-at-rest private key storage for
// the card. Each key's bulk content is encrypted under a per-key data
// encryption key (DEK); the DEK is wrapped three independent ways, under
// keystrings derived from PW1, the resetting code, and PW3 (admin), so
// any one credential can unlock the key. Key records persist through the
// same flash log as every other data object.
package custody

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-opgpcard/pkg/do"
	"github.com/jeremyhahn/go-opgpcard/pkg/flash"
	"github.com/jeremyhahn/go-opgpcard/pkg/logging"
)

// Key custody errors
var (
	// ErrKeyAbsent indicates the addressed key slot holds no key.
	ErrKeyAbsent = errors.New("custody: no private key present")

	// ErrIntegrity indicates the decrypted key failed its magic check:
	// wrong credential keystring or corrupted record.
	ErrIntegrity = fmt.Errorf("%w: key integrity check failed", do.ErrSecurity)
)

// KeyKind selects one of the card's three private key slots.
type KeyKind int

const (
	// KeySign is the signing key.
	KeySign KeyKind = iota

	// KeyDecrypt is the decryption key.
	KeyDecrypt

	// KeyAuth is the authentication key.
	KeyAuth
)

// String returns the key kind name.
func (k KeyKind) String() string {
	switch k {
	case KeySign:
		return "sign"
	case KeyDecrypt:
		return "decrypt"
	case KeyAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// slot returns the data object slot holding the key record.
func (k KeyKind) slot() do.Slot {
	switch k {
	case KeyDecrypt:
		return do.SlotPrvkeyDec
	case KeyAuth:
		return do.SlotPrvkeyAut
	default:
		return do.SlotPrvkeySig
	}
}

// Credential identifies which wrapped DEK copy to use. The numeric values
// are the record layout positions and must not change.
type Credential int

const (
	// CredentialPW1 is the user credential.
	CredentialPW1 Credential = 1

	// CredentialResetCode is the resetting code credential.
	CredentialResetCode Credential = 2

	// CredentialAdmin is the admin (PW3) credential.
	CredentialAdmin Credential = 3
)

// String returns the credential name.
func (c Credential) String() string {
	switch c {
	case CredentialPW1:
		return "pw1"
	case CredentialResetCode:
		return "reset-code"
	case CredentialAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

const (
	// keyDataSize is the plaintext key data block: bulk content plus
	// the integrity trailer (check32, random word, magic).
	keyDataSize = flash.KeyContentSize + additionalSize
)

// keyMagic authenticates a successful unwrap. Eight bytes, part of the
// encrypted trailer.
var keyMagic = []byte("OPGPCARD")

// KeyMaterial is a decrypted private key. Callers must Zeroize it as soon
// as the key has been used.
type KeyMaterial struct {
	// Content is the raw private key content (p followed by q).
	Content []byte
}

// Zeroize wipes the key plaintext.
func (m *KeyMaterial) Zeroize() {
	if m != nil {
		zeroize(m.Content)
	}
}

// Custody manages the three private key slots over a data object store
// and the flash key area. It is not safe for concurrent use; the card
// layer serializes access.
type Custody struct {
	store *do.Store
	keys  *flash.KeyArea
	log   *logging.Logger
	rand  io.Reader
}

// New builds the custody subsystem and re-marks the key area slots
// referenced by the key records the boot scan recovered. A key record
// pointing outside the key area is corrupt and fails construction.
func New(store *do.Store, keys *flash.KeyArea, logger *logging.Logger) (*Custody, error) {
	if store == nil || keys == nil {
		return nil, fmt.Errorf("custody: store and key area are required")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	c := &Custody{
		store: store,
		keys:  keys,
		log:   logger.WithComponent("custody"),
		rand:  rand.Reader,
	}

	for _, kind := range []KeyKind{KeySign, KeyDecrypt, KeyAuth} {
		rec, err := c.readRecord(kind)
		if err != nil {
			if errors.Is(err, ErrKeyAbsent) {
				continue
			}
			return nil, err
		}
		if err := keys.MarkUsed(rec.KeyOffset); err != nil {
			return nil, fmt.Errorf("%w: %s key record references offset %#x", do.ErrMalformedLog, kind, rec.KeyOffset)
		}
	}
	return c, nil
}

// readRecord loads and parses the key record of a slot.
func (c *Custody) readRecord(kind KeyKind) (*keyRecord, error) {
	data, err := c.store.ReadSimple(kind.slot())
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrKeyAbsent
	}
	return parseKeyRecord(data)
}

// Import stores a private key: bulk content and modulus go to the key
// area encrypted under a DEK, and the key record with its three wrapped
// DEK copies goes to the data pool. The previous key's storage, if any,
// is released only after the new record is durably written.
//
// On first import the DEK is random and wrapped under the current PW1
// keystring (or the factory default when none is set), the resetting code
// keystring when present (an all-zero placeholder otherwise), and the
// admin keystring. When replacing an existing key the old DEK is
// recovered through the admin wrapping and reused; the PW1 wrapping
// reverts to the factory default and the resetting code wrapping is
// cleared, along with the retained keystring objects.
//
// When the import fills the last empty key slot for the first time, the
// PW1 and resetting code keystrings are scrubbed from their data objects
// down to their length byte, so no passphrase-equivalent remains readable.
func (c *Custody) Import(kind KeyKind, content, modulus, adminKeystring []byte) error {
	if len(content) != flash.KeyContentSize || len(modulus) != flash.KeyModulusSize {
		return fmt.Errorf("%w: key content %d bytes, modulus %d bytes", do.ErrProtocol, len(content), len(modulus))
	}

	oldRec, err := c.readRecord(kind)
	replacing := true
	if err != nil {
		if !errors.Is(err, ErrKeyAbsent) {
			return err
		}
		replacing = false
	}

	dek := make([]byte, dekSize)
	defer zeroize(dek)
	var ksPW1, ksRC []byte

	if replacing {
		copy(dek, oldRec.DEK[CredentialAdmin-1][:])
		if err := decryptInPlace(adminKeystring, dek); err != nil {
			return err
		}
		// Replacing a key invalidates the retained user and resetting
		// code keystrings; their wrappings are recreated from scratch.
		if err := c.store.WriteSimple(do.SlotKeystringPW1, nil); err != nil {
			return err
		}
		if err := c.store.WriteSimple(do.SlotKeystringRC, nil); err != nil {
			return err
		}
	} else {
		if _, err := io.ReadFull(c.rand, dek); err != nil {
			return fmt.Errorf("custody: generating data encryption key: %w", err)
		}
		if ksPW1, err = c.store.ReadSimple(do.SlotKeystringPW1); err != nil {
			return err
		}
		if ksRC, err = c.store.ReadSimple(do.SlotKeystringRC); err != nil {
			return err
		}
	}

	// Assemble and encrypt the key data block under the DEK.
	kd := make([]byte, keyDataSize)
	defer zeroize(kd)
	copy(kd, content)
	putCheck32(kd[flash.KeyContentSize:], check32(content))
	if _, err := io.ReadFull(c.rand, kd[flash.KeyContentSize+4:flash.KeyContentSize+8]); err != nil {
		return fmt.Errorf("custody: generating key nonce: %w", err)
	}
	copy(kd[flash.KeyContentSize+8:], keyMagic)
	if err := encryptInPlace(dek, kd); err != nil {
		return err
	}

	keyOff, err := c.keys.Alloc()
	if err != nil {
		return fmt.Errorf("%w: allocating key slot: %v", do.ErrMemory, err)
	}
	if err := c.keys.Write(keyOff, kd[:flash.KeyContentSize], modulus); err != nil {
		c.keys.Release(keyOff)
		return fmt.Errorf("%w: writing key content: %v", do.ErrMemory, err)
	}

	rec := &keyRecord{KeyOffset: keyOff}
	copy(rec.Additional[:], kd[flash.KeyContentSize:])

	// Wrap the DEK under each credential keystring.
	copy(rec.DEK[CredentialPW1-1][:], dek)
	if len(ksPW1) > 1 {
		err = encryptInPlace(ksPW1[1:], rec.DEK[CredentialPW1-1][:])
	} else {
		err = encryptInPlace(Keystring([]byte(FactoryDefaultPW1)), rec.DEK[CredentialPW1-1][:])
	}
	if err != nil {
		return err
	}
	if len(ksRC) > 1 {
		copy(rec.DEK[CredentialResetCode-1][:], dek)
		if err := encryptInPlace(ksRC[1:], rec.DEK[CredentialResetCode-1][:]); err != nil {
			return err
		}
	}
	copy(rec.DEK[CredentialAdmin-1][:], dek)
	if err := encryptInPlace(adminKeystring, rec.DEK[CredentialAdmin-1][:]); err != nil {
		return err
	}

	if err := c.store.WriteRetained(kind.slot(), rec.serialize()); err != nil {
		c.keys.Release(keyOff)
		return err
	}
	if replacing {
		if err := c.keys.Release(oldRec.KeyOffset); err != nil {
			return fmt.Errorf("%w: releasing old key slot: %v", do.ErrMemory, err)
		}
	}

	c.log.Info("private key imported", "key", kind.String(), "replaced", replacing)

	if !replacing && c.store.PrivateKeyCount() == 3 {
		// All key slots populated: retain only the keystring lengths.
		if len(ksPW1) > 0 {
			if err := c.store.WriteSimple(do.SlotKeystringPW1, ksPW1[:1]); err != nil {
				return err
			}
		}
		if len(ksRC) > 0 {
			if err := c.store.WriteSimple(do.SlotKeystringRC, ksRC[:1]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load decrypts a private key using one credential's keystring and
// verifies the integrity magic. Every failure path wipes any buffer that
// held key plaintext before returning.
func (c *Custody) Load(kind KeyKind, who Credential, keystring []byte) (*KeyMaterial, error) {
	rec, err := c.readRecord(kind)
	if err != nil {
		return nil, err
	}
	if who < CredentialPW1 || who > CredentialAdmin {
		return nil, fmt.Errorf("%w: invalid credential %d", do.ErrProtocol, int(who))
	}

	enc, err := c.keys.ReadContent(rec.KeyOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key content: %v", do.ErrMemory, err)
	}
	kd := make([]byte, 0, keyDataSize)
	kd = append(kd, enc...)
	kd = append(kd, rec.Additional[:]...)

	dek := make([]byte, dekSize)
	copy(dek, rec.DEK[who-1][:])
	defer zeroize(dek)

	if err := decryptInPlace(keystring, dek); err != nil {
		zeroize(kd)
		return nil, err
	}
	if err := decryptInPlace(dek, kd); err != nil {
		zeroize(kd)
		return nil, err
	}
	if subtle.ConstantTimeCompare(kd[flash.KeyContentSize+8:], keyMagic) != 1 {
		zeroize(kd)
		c.log.Debug("private key load failed integrity check", "key", kind.String(), "credential", who.String())
		return nil, ErrIntegrity
	}

	content := make([]byte, flash.KeyContentSize)
	copy(content, kd[:flash.KeyContentSize])
	zeroize(kd)
	return &KeyMaterial{Content: content}, nil
}

// Rekey re-wraps one credential's DEK copy after a credential change: the
// copy addressed by whoOld is unwrapped with the old keystring and stored
// re-wrapped under the new keystring at whoNew's position. The other two
// wrapped copies and the key content are untouched. The old keystring is
// verified against the key's integrity magic before anything is written.
func (c *Custody) Rekey(kind KeyKind, whoOld Credential, oldKeystring []byte, whoNew Credential, newKeystring []byte) error {
	rec, err := c.readRecord(kind)
	if err != nil {
		return err
	}
	if whoOld < CredentialPW1 || whoOld > CredentialAdmin || whoNew < CredentialPW1 || whoNew > CredentialAdmin {
		return fmt.Errorf("%w: invalid credential", do.ErrProtocol)
	}

	km, err := c.Load(kind, whoOld, oldKeystring)
	if err != nil {
		return err
	}
	km.Zeroize()

	dek := make([]byte, dekSize)
	defer zeroize(dek)
	copy(dek, rec.DEK[whoOld-1][:])
	if err := decryptInPlace(oldKeystring, dek); err != nil {
		return err
	}
	copy(rec.DEK[whoNew-1][:], dek)
	if err := encryptInPlace(newKeystring, rec.DEK[whoNew-1][:]); err != nil {
		return err
	}

	return c.store.WriteRetained(kind.slot(), rec.serialize())
}

// ChangeKeystring applies Rekey to every present key, moving the DEK
// wrapping from one credential position to another. It returns the number
// of keys re-wrapped; zero with a nil error means no key is present,
// which callers treat differently from a failed unwrap.
func (c *Custody) ChangeKeystring(whoOld Credential, oldKeystring []byte, whoNew Credential, newKeystring []byte) (int, error) {
	changed := 0
	for _, kind := range []KeyKind{KeySign, KeyDecrypt, KeyAuth} {
		err := c.Rekey(kind, whoOld, oldKeystring, whoNew, newKeystring)
		if err != nil {
			if errors.Is(err, ErrKeyAbsent) {
				continue
			}
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Delete removes a private key, releasing both its key area slot and its
// record. Deleting the last key also clears any retained PW1 and
// resetting code keystring remnants.
func (c *Custody) Delete(kind KeyKind) error {
	rec, err := c.readRecord(kind)
	if err != nil {
		if errors.Is(err, ErrKeyAbsent) {
			return nil
		}
		return err
	}

	if err := c.keys.Release(rec.KeyOffset); err != nil {
		return fmt.Errorf("%w: releasing key slot: %v", do.ErrMemory, err)
	}
	if err := c.store.WriteSimple(kind.slot(), nil); err != nil {
		return err
	}
	c.log.Info("private key deleted", "key", kind.String())

	if c.store.PrivateKeyCount() == 0 {
		if err := c.store.WriteSimple(do.SlotKeystringPW1, nil); err != nil {
			return err
		}
		if err := c.store.WriteSimple(do.SlotKeystringRC, nil); err != nil {
			return err
		}
	}
	return nil
}

// PublicKey returns the TLV-encoded public key of a slot: tag 7F49
// containing the modulus (81) and the fixed public exponent 0x010001
// (82). The modulus is stored in plaintext alongside the encrypted
// private content, so no credential is needed.
func (c *Custody) PublicKey(kind KeyKind) ([]byte, error) {
	rec, err := c.readRecord(kind)
	if err != nil {
		if errors.Is(err, ErrKeyAbsent) {
			return nil, do.ErrNotFound
		}
		return nil, err
	}
	modulus, err := c.keys.ReadModulus(rec.KeyOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: reading modulus: %v", do.ErrMemory, err)
	}

	out := make([]byte, 0, 5+4+len(modulus)+5)
	out = append(out, 0x7F, 0x49, 0x82, 0x01, 0x09)
	out = append(out, 0x81, 0x82, 0x01, 0x00)
	out = append(out, modulus...)
	out = append(out, 0x82, 0x03, 0x01, 0x00, 0x01)
	return out, nil
}

// putCheck32 stores the checksum little-endian, matching the key data
// block layout.
func putCheck32(dst []byte, sum uint32) {
	dst[0] = byte(sum)
	dst[1] = byte(sum >> 8)
	dst[2] = byte(sum >> 16)
	dst[3] = byte(sum >> 24)
}
