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

package custody

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-opgpcard/pkg/do"
	"github.com/jeremyhahn/go-opgpcard/pkg/flash"
)

type custodyFixture struct {
	dev     *flash.MemDevice
	pool    *flash.Pool
	store   *do.Store
	keys    *flash.KeyArea
	custody *Custody
}

func newFixture(t *testing.T) *custodyFixture {
	t.Helper()
	dev := flash.NewMemDevice(1024, 6)
	pool, err := flash.NewPool(dev, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Erase())
	store, err := do.Scan(pool, nil)
	require.NoError(t, err)
	keys, err := flash.NewKeyArea(dev, 2, 4)
	require.NoError(t, err)
	c, err := New(store, keys, nil)
	require.NoError(t, err)
	return &custodyFixture{dev: dev, pool: pool, store: store, keys: keys, custody: c}
}

// reboot rescans the pool and rebuilds the custody layer, simulating a
// power cycle.
func (f *custodyFixture) reboot(t *testing.T) {
	t.Helper()
	store, err := do.Scan(f.pool, nil)
	require.NoError(t, err)
	keys, err := flash.NewKeyArea(f.dev, 2, 4)
	require.NoError(t, err)
	c, err := New(store, keys, nil)
	require.NoError(t, err)
	f.store, f.keys, f.custody = store, keys, c
}

func testKey(fill byte) (content, modulus []byte) {
	content = bytes.Repeat([]byte{fill}, flash.KeyContentSize)
	modulus = bytes.Repeat([]byte{fill ^ 0xFF}, flash.KeyModulusSize)
	return
}

var adminKS = Keystring([]byte("admin-passphrase"))

func TestImportAndLoadAdmin(t *testing.T) {
	f := newFixture(t)
	content, modulus := testKey(0x11)

	require.NoError(t, f.custody.Import(KeySign, content, modulus, adminKS))
	assert.Equal(t, 1, f.store.PrivateKeyCount())

	km, err := f.custody.Load(KeySign, CredentialAdmin, adminKS)
	require.NoError(t, err)
	defer km.Zeroize()
	assert.Equal(t, content, km.Content)
}

func TestLoadWithFactoryDefaultPW1(t *testing.T) {
	f := newFixture(t)
	content, modulus := testKey(0x22)

	// No PW1 keystring is stored, so the DEK is wrapped under the
	// factory default user password.
	require.NoError(t, f.custody.Import(KeyDecrypt, content, modulus, adminKS))

	km, err := f.custody.Load(KeyDecrypt, CredentialPW1, Keystring([]byte(FactoryDefaultPW1)))
	require.NoError(t, err)
	defer km.Zeroize()
	assert.Equal(t, content, km.Content)
}

func TestLoadWithStoredPW1Keystring(t *testing.T) {
	f := newFixture(t)
	content, modulus := testKey(0x33)

	// A user password was set before the first key import.
	require.NoError(t, f.store.WriteSimple(do.SlotKeystringPW1,
		KeystringWithLength([]byte("user-secret"))))
	require.NoError(t, f.custody.Import(KeyAuth, content, modulus, adminKS))

	km, err := f.custody.Load(KeyAuth, CredentialPW1, Keystring([]byte("user-secret")))
	require.NoError(t, err)
	defer km.Zeroize()
	assert.Equal(t, content, km.Content)

	// The factory default no longer works.
	_, err = f.custody.Load(KeyAuth, CredentialPW1, Keystring([]byte(FactoryDefaultPW1)))
	assert.ErrorIs(t, err, do.ErrSecurity)
}

func TestLoadWrongKeystring(t *testing.T) {
	f := newFixture(t)
	content, modulus := testKey(0x44)
	require.NoError(t, f.custody.Import(KeySign, content, modulus, adminKS))

	_, err := f.custody.Load(KeySign, CredentialAdmin, Keystring([]byte("wrong")))
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.ErrorIs(t, err, do.ErrSecurity)
}

func TestLoadAbsentKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.custody.Load(KeySign, CredentialAdmin, adminKS)
	assert.ErrorIs(t, err, ErrKeyAbsent)
}

func TestResetCodeWrappingAbsentByDefault(t *testing.T) {
	f := newFixture(t)
	content, modulus := testKey(0x55)
	require.NoError(t, f.custody.Import(KeySign, content, modulus, adminKS))

	// No resetting code was configured; its DEK copy is a zero
	// placeholder that cannot unwrap the key.
	_, err := f.custody.Load(KeySign, CredentialResetCode, Keystring([]byte("anything")))
	assert.ErrorIs(t, err, do.ErrSecurity)
}

func TestImportSurvivesReboot(t *testing.T) {
	f := newFixture(t)
	content, modulus := testKey(0x66)
	require.NoError(t, f.custody.Import(KeySign, content, modulus, adminKS))

	f.reboot(t)

	km, err := f.custody.Load(KeySign, CredentialAdmin, adminKS)
	require.NoError(t, err)
	defer km.Zeroize()
	assert.Equal(t, content, km.Content)

	// The boot re-mark keeps Alloc away from the live slot: importing
	// two more keys must not corrupt the first.
	c2, m2 := testKey(0x77)
	require.NoError(t, f.custody.Import(KeyDecrypt, c2, m2, adminKS))
	c3, m3 := testKey(0x88)
	require.NoError(t, f.custody.Import(KeyAuth, c3, m3, adminKS))

	km, err = f.custody.Load(KeySign, CredentialAdmin, adminKS)
	require.NoError(t, err)
	defer km.Zeroize()
	assert.Equal(t, content, km.Content)
}

func TestReplaceKey(t *testing.T) {
	f := newFixture(t)
	c1, m1 := testKey(0x11)
	require.NoError(t, f.custody.Import(KeySign, c1, m1, adminKS))

	c2, m2 := testKey(0x22)
	require.NoError(t, f.custody.Import(KeySign, c2, m2, adminKS))
	assert.Equal(t, 1, f.store.PrivateKeyCount())

	km, err := f.custody.Load(KeySign, CredentialAdmin, adminKS)
	require.NoError(t, err)
	defer km.Zeroize()
	assert.Equal(t, c2, km.Content)

	// Replacing reverts the PW1 wrapping to the factory default.
	km2, err := f.custody.Load(KeySign, CredentialPW1, Keystring([]byte(FactoryDefaultPW1)))
	require.NoError(t, err)
	defer km2.Zeroize()
	assert.Equal(t, c2, km2.Content)
}

func TestRekey(t *testing.T) {
	f := newFixture(t)
	content, modulus := testKey(0x99)
	require.NoError(t, f.custody.Import(KeySign, content, modulus, adminKS))

	newPW1 := Keystring([]byte("new-user-secret"))
	require.NoError(t, f.custody.Rekey(KeySign,
		CredentialPW1, Keystring([]byte(FactoryDefaultPW1)),
		CredentialPW1, newPW1))

	km, err := f.custody.Load(KeySign, CredentialPW1, newPW1)
	require.NoError(t, err)
	defer km.Zeroize()
	assert.Equal(t, content, km.Content)

	// The old keystring is dead, the admin wrapping untouched.
	_, err = f.custody.Load(KeySign, CredentialPW1, Keystring([]byte(FactoryDefaultPW1)))
	assert.ErrorIs(t, err, do.ErrSecurity)
	km2, err := f.custody.Load(KeySign, CredentialAdmin, adminKS)
	require.NoError(t, err)
	km2.Zeroize()
}

func TestRekeyWrongOldKeystring(t *testing.T) {
	f := newFixture(t)
	content, modulus := testKey(0xAA)
	require.NoError(t, f.custody.Import(KeySign, content, modulus, adminKS))

	err := f.custody.Rekey(KeySign,
		CredentialAdmin, Keystring([]byte("not-admin")),
		CredentialAdmin, Keystring([]byte("new-admin")))
	assert.ErrorIs(t, err, do.ErrSecurity)

	// Nothing changed.
	km, err := f.custody.Load(KeySign, CredentialAdmin, adminKS)
	require.NoError(t, err)
	km.Zeroize()
}

func TestChangeKeystringAcrossKeys(t *testing.T) {
	f := newFixture(t)
	c1, m1 := testKey(0x11)
	require.NoError(t, f.custody.Import(KeySign, c1, m1, adminKS))
	c2, m2 := testKey(0x22)
	require.NoError(t, f.custody.Import(KeyAuth, c2, m2, adminKS))

	rcKS := Keystring([]byte("reset-code"))
	n, err := f.custody.ChangeKeystring(CredentialAdmin, adminKS, CredentialResetCode, rcKS)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The resetting code now unwraps both keys; decrypt has no key.
	km, err := f.custody.Load(KeySign, CredentialResetCode, rcKS)
	require.NoError(t, err)
	km.Zeroize()
	km, err = f.custody.Load(KeyAuth, CredentialResetCode, rcKS)
	require.NoError(t, err)
	km.Zeroize()
}

func TestChangeKeystringNoKeys(t *testing.T) {
	f := newFixture(t)

	n, err := f.custody.ChangeKeystring(CredentialAdmin, adminKS, CredentialResetCode,
		Keystring([]byte("rc")))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeleteKey(t *testing.T) {
	f := newFixture(t)
	content, modulus := testKey(0xBB)
	require.NoError(t, f.custody.Import(KeySign, content, modulus, adminKS))
	require.NoError(t, f.custody.Delete(KeySign))

	assert.Equal(t, 0, f.store.PrivateKeyCount())
	_, err := f.custody.Load(KeySign, CredentialAdmin, adminKS)
	assert.ErrorIs(t, err, ErrKeyAbsent)

	// Deleting an absent key is a no-op.
	assert.NoError(t, f.custody.Delete(KeySign))
}

func TestDeleteLastKeyClearsKeystrings(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.WriteSimple(do.SlotKeystringPW1,
		KeystringWithLength([]byte("user-secret"))))
	content, modulus := testKey(0xCC)
	require.NoError(t, f.custody.Import(KeySign, content, modulus, adminKS))

	require.NoError(t, f.custody.Delete(KeySign))

	ks, err := f.store.ReadSimple(do.SlotKeystringPW1)
	require.NoError(t, err)
	assert.Nil(t, ks)
	ks, err = f.store.ReadSimple(do.SlotKeystringRC)
	require.NoError(t, err)
	assert.Nil(t, ks)
}

func TestThirdImportScrubsKeystrings(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.WriteSimple(do.SlotKeystringPW1,
		KeystringWithLength([]byte("user-secret"))))

	for i, kind := range []KeyKind{KeySign, KeyDecrypt, KeyAuth} {
		content, modulus := testKey(byte(0x10 * (i + 1)))
		require.NoError(t, f.custody.Import(kind, content, modulus, adminKS))
	}

	// With all three keys wrapped, only the keystring length remains.
	ks, err := f.store.ReadSimple(do.SlotKeystringPW1)
	require.NoError(t, err)
	require.Len(t, ks, 1)
	assert.Equal(t, byte(len("user-secret")), ks[0])

	// The stored user keystring still unwraps every key.
	for _, kind := range []KeyKind{KeySign, KeyDecrypt, KeyAuth} {
		km, err := f.custody.Load(kind, CredentialPW1, Keystring([]byte("user-secret")))
		require.NoError(t, err)
		km.Zeroize()
	}
}

func TestPublicKeyEncoding(t *testing.T) {
	f := newFixture(t)
	content, modulus := testKey(0xDD)
	require.NoError(t, f.custody.Import(KeySign, content, modulus, adminKS))

	out, err := f.custody.PublicKey(KeySign)
	require.NoError(t, err)

	// 7F49 82 0109 { 81 82 0100 <modulus> 82 03 010001 }
	require.Len(t, out, 5+4+256+5)
	assert.Equal(t, []byte{0x7F, 0x49, 0x82, 0x01, 0x09}, out[:5])
	assert.Equal(t, []byte{0x81, 0x82, 0x01, 0x00}, out[5:9])
	assert.Equal(t, modulus, out[9:9+256])
	assert.Equal(t, []byte{0x82, 0x03, 0x01, 0x00, 0x01}, out[265:])
}

func TestPublicKeyAbsent(t *testing.T) {
	f := newFixture(t)

	_, err := f.custody.PublicKey(KeyDecrypt)
	assert.ErrorIs(t, err, do.ErrNotFound)
}

func TestImportRejectsBadSizes(t *testing.T) {
	f := newFixture(t)

	err := f.custody.Import(KeySign, make([]byte, 100), make([]byte, 256), adminKS)
	assert.ErrorIs(t, err, do.ErrProtocol)
	err = f.custody.Import(KeySign, make([]byte, 256), make([]byte, 100), adminKS)
	assert.ErrorIs(t, err, do.ErrProtocol)
}

func TestKeyRecordRoundTrip(t *testing.T) {
	rec := &keyRecord{KeyOffset: 0x1800}
	for i := range rec.Additional {
		rec.Additional[i] = byte(i)
	}
	for w := range rec.DEK {
		for i := range rec.DEK[w] {
			rec.DEK[w][i] = byte(w*16 + i)
		}
	}

	data := rec.serialize()
	require.Len(t, data, keyRecordSize)
	// Offset is little-endian at the front.
	assert.Equal(t, []byte{0x00, 0x18, 0x00, 0x00}, data[:4])

	got, err := parseKeyRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = parseKeyRecord(data[:keyRecordSize-1])
	assert.Error(t, err)
}

func TestKeystringDerivation(t *testing.T) {
	ks := Keystring([]byte("123456"))
	assert.Len(t, ks, KeystringSize)

	withLen := KeystringWithLength([]byte("123456"))
	require.Len(t, withLen, KeystringSize+1)
	assert.Equal(t, byte(6), withLen[0])
	assert.Equal(t, ks, withLen[1:])

	// Deterministic.
	assert.Equal(t, ks, Keystring([]byte("123456")))
	assert.NotEqual(t, ks, Keystring([]byte("654321")))
}
