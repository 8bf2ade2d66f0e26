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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-opgpcard/pkg/custody"
	"github.com/jeremyhahn/go-opgpcard/pkg/do"
	"github.com/jeremyhahn/go-opgpcard/pkg/flash"
)

// fakeSession is a session oracle with a switchable admin verification
// state.
type fakeSession struct {
	admin bool
	ks    []byte
}

func (s *fakeSession) Check(cond do.AccessCondition) bool {
	switch cond {
	case do.AccessAlways:
		return true
	case do.AccessAdmin:
		return s.admin
	default:
		return false
	}
}

func (s *fakeSession) AdminKeystring() ([]byte, bool) {
	if !s.admin {
		return nil, false
	}
	return s.ks, true
}

type cardFixture struct {
	card    *Card
	store   *do.Store
	session *fakeSession
	adminKS []byte
}

var testProfile = Profile{
	Manufacturer: [2]byte{0xF5, 0x17},
	Serial:       [4]byte{0x01, 0x02, 0x03, 0x04},
}

func newCardFixture(t *testing.T) *cardFixture {
	t.Helper()
	dev := flash.NewMemDevice(1024, 6)
	pool, err := flash.NewPool(dev, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Erase())
	spare, err := flash.NewPool(dev, 1)
	require.NoError(t, err)
	store, err := do.Scan(pool, nil)
	require.NoError(t, err)
	keys, err := flash.NewKeyArea(dev, 2, 4)
	require.NoError(t, err)
	cust, err := custody.New(store, keys, nil)
	require.NoError(t, err)

	session := &fakeSession{ks: custody.Keystring([]byte("admin-pass"))}
	c, err := New(&Config{
		Store:   store,
		Custody: cust,
		Session: session,
		Spare:   spare,
		Profile: testProfile,
	})
	require.NoError(t, err)
	return &cardFixture{card: c, store: store, session: session, adminKS: session.ks}
}

func keyImportTemplate(cr byte, content, modulus []byte) []byte {
	data := make([]byte, 26, 26+512)
	data[4] = cr
	data = append(data, content...)
	data = append(data, modulus...)
	return data
}

func testKeyPair(fill byte) (content, modulus []byte) {
	content = bytes.Repeat([]byte{fill}, 256)
	modulus = bytes.Repeat([]byte{fill ^ 0xFF}, 256)
	return
}

func TestConfigValidate(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
}

func TestGetDataAID(t *testing.T) {
	f := newCardFixture(t)

	out, err := f.card.GetData(do.TagAID)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x4F, 0x10,
		0xD2, 0x76, 0x00, 0x01, 0x24, 0x01,
		0x02, 0x00,
		0xF5, 0x17,
		0x01, 0x02, 0x03, 0x04,
		0x00, 0x00,
	}, out)
}

func TestGetDataHistoricalBytes(t *testing.T) {
	f := newCardFixture(t)

	out, err := f.card.GetData(do.TagHistoricalBytes)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x5F, 0x52, 0x0A,
		0x00, 0x31, 0x80, 0x73, 0x80, 0x01, 0x40, 0x00, 0x90, 0x00,
	}, out)
}

func TestPutDataRequiresAdmin(t *testing.T) {
	f := newCardFixture(t)

	err := f.card.PutData(do.TagName, []byte("Doe<<John"))
	assert.ErrorIs(t, err, do.ErrAccessDenied)

	f.session.admin = true
	require.NoError(t, f.card.PutData(do.TagName, []byte("Doe<<John")))

	out, err := f.card.GetData(do.TagName)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x5B, 0x09}, "Doe<<John"...), out)
}

func TestCardholderDataComposite(t *testing.T) {
	f := newCardFixture(t)
	f.session.admin = true
	require.NoError(t, f.card.PutData(do.TagName, []byte("Doe")))
	require.NoError(t, f.card.PutData(do.TagLanguage, []byte("de")))

	out, err := f.card.GetData(do.TagCardholderData)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x65, 0x81, 0x0A,
		0x5B, 0x03, 'D', 'o', 'e',
		0x5F, 0x2D, 0x02, 'd', 'e',
	}, out)
}

func TestApplicationDataComposite(t *testing.T) {
	f := newCardFixture(t)

	out, err := f.card.GetData(do.TagApplicationData)
	require.NoError(t, err)

	// AID 18, historical bytes 13, extended capabilities 12, three
	// algorithm attributes 24, PW status 9, fingerprints 62, CA
	// fingerprints 62, generation times 14.
	require.Len(t, out, 3+214)
	assert.Equal(t, []byte{0x6E, 0x81, 0xD6}, out[:3])
	assert.True(t, bytes.Contains(out, []byte{0x4F, 0x10, 0xD2, 0x76}))
	assert.True(t, bytes.Contains(out, []byte{0xC4, 0x07, 0x00, 0x7F, 0x7F, 0x7F, 0x03, 0x03, 0x03}))
}

func TestFingerprintsConcatenation(t *testing.T) {
	f := newCardFixture(t)

	out, err := f.card.GetData(do.TagFingerprintsAll)
	require.NoError(t, err)
	require.Len(t, out, 2+60)
	assert.Equal(t, []byte{0xC5, 0x3C}, out[:2])
	assert.Equal(t, bytes.Repeat([]byte{0x00}, 60), out[2:])

	f.session.admin = true
	fp := bytes.Repeat([]byte{0xAB}, 20)
	require.NoError(t, f.card.PutData(do.TagFingerprintDec, fp))

	out, err = f.card.GetData(do.TagFingerprintsAll)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x00}, 20), out[2:22])
	assert.Equal(t, fp, out[22:42])
	assert.Equal(t, bytes.Repeat([]byte{0x00}, 20), out[42:])
}

func TestPWStatus(t *testing.T) {
	f := newCardFixture(t)

	out, err := f.card.GetData(do.TagPWStatus)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC4, 0x07, 0x00, 0x7F, 0x7F, 0x7F, 0x03, 0x03, 0x03}, out)

	// A failed PW1 attempt shrinks its remaining counter.
	require.NoError(t, f.card.IncrementPasswordErrors(do.PWErrPW1))
	out, err = f.card.GetData(do.TagPWStatus)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), out[6])

	require.NoError(t, f.card.ResetPasswordErrors(do.PWErrPW1))
	out, err = f.card.GetData(do.TagPWStatus)
	require.NoError(t, err)
	assert.Equal(t, byte(0x03), out[6])
}

func TestPWStatusWriteTogglesLifetime(t *testing.T) {
	f := newCardFixture(t)

	err := f.card.PutData(do.TagPWStatus, []byte{0x01})
	assert.ErrorIs(t, err, do.ErrAccessDenied)

	f.session.admin = true
	require.NoError(t, f.card.PutData(do.TagPWStatus, []byte{0x01}))
	out, err := f.card.GetData(do.TagPWStatus)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), out[2])

	require.NoError(t, f.card.PutData(do.TagPWStatus, []byte{0x00}))
	out, err = f.card.GetData(do.TagPWStatus)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), out[2])
}

func TestSignatureCounter(t *testing.T) {
	f := newCardFixture(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.card.IncrementSignatureCounter())
	}
	assert.Equal(t, uint32(3), f.card.SignatureCounter())

	out, err := f.card.GetData(do.TagSignatureCounter)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x93, 0x03, 0x00, 0x00, 0x03}, out)

	out, err = f.card.GetData(do.TagSecuritySupportTemplate)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7A, 0x81, 0x05, 0x93, 0x03, 0x00, 0x00, 0x03}, out)
}

func TestWriteOnlyObjectsUnreadable(t *testing.T) {
	f := newCardFixture(t)
	f.session.admin = true

	_, err := f.card.GetData(do.TagResettingCode)
	assert.ErrorIs(t, err, do.ErrAccessDenied)
	_, err = f.card.GetData(do.TagKeyImport)
	assert.ErrorIs(t, err, do.ErrAccessDenied)
	_, err = f.card.GetData(do.TagCardholderCertificate)
	assert.ErrorIs(t, err, do.ErrAccessDenied)
}

func TestUnknownTag(t *testing.T) {
	f := newCardFixture(t)

	_, err := f.card.GetData(do.Tag(0x1234))
	assert.ErrorIs(t, err, do.ErrNotFound)
	err = f.card.PutData(do.Tag(0x1234), []byte{0x00})
	assert.ErrorIs(t, err, do.ErrNotFound)
}

func TestKeyImportTemplate(t *testing.T) {
	f := newCardFixture(t)
	f.session.admin = true
	content, modulus := testKeyPair(0x11)

	require.NoError(t, f.card.PutData(do.TagKeyImport,
		keyImportTemplate(0xB6, content, modulus)))

	out, err := f.card.PublicKey(custody.KeySign)
	require.NoError(t, err)
	assert.Equal(t, modulus, out[9:9+256])

	km, err := f.card.LoadPrivateKey(custody.KeySign, custody.CredentialAdmin, f.adminKS)
	require.NoError(t, err)
	defer km.Zeroize()
	assert.Equal(t, content, km.Content)
}

func TestKeyImportDeleteForm(t *testing.T) {
	f := newCardFixture(t)
	f.session.admin = true
	content, modulus := testKeyPair(0x22)
	require.NoError(t, f.card.PutData(do.TagKeyImport,
		keyImportTemplate(0xB8, content, modulus)))

	// A short template deletes the addressed key.
	del := make([]byte, 22)
	del[4] = 0xB8
	require.NoError(t, f.card.PutData(do.TagKeyImport, del))

	_, err := f.card.PublicKey(custody.KeyDecrypt)
	assert.ErrorIs(t, err, do.ErrNotFound)
}

func TestKeyImportRequiresAdmin(t *testing.T) {
	f := newCardFixture(t)
	content, modulus := testKeyPair(0x33)

	err := f.card.PutData(do.TagKeyImport, keyImportTemplate(0xB6, content, modulus))
	assert.ErrorIs(t, err, do.ErrAccessDenied)
}

func TestWritePrivateKeyRequiresAdmin(t *testing.T) {
	f := newCardFixture(t)
	content, modulus := testKeyPair(0x44)

	err := f.card.WritePrivateKey(custody.KeyAuth, content, modulus)
	assert.ErrorIs(t, err, do.ErrAccessDenied)

	f.session.admin = true
	require.NoError(t, f.card.WritePrivateKey(custody.KeyAuth, content, modulus))

	km, err := f.card.LoadPrivateKey(custody.KeyAuth, custody.CredentialAdmin, f.adminKS)
	require.NoError(t, err)
	km.Zeroize()
}

func TestResettingCodeWithoutKeys(t *testing.T) {
	f := newCardFixture(t)
	f.session.admin = true

	require.NoError(t, f.card.PutData(do.TagResettingCode, []byte("reset-me")))

	// No key is present, so the full keystring object is retained for
	// use at the next key import.
	ks, err := f.store.ReadSimple(do.SlotKeystringRC)
	require.NoError(t, err)
	require.Len(t, ks, 1+custody.KeystringSize)
	assert.Equal(t, byte(len("reset-me")), ks[0])
}

func TestResettingCodeWithKeys(t *testing.T) {
	f := newCardFixture(t)
	f.session.admin = true
	content, modulus := testKeyPair(0x55)
	require.NoError(t, f.card.WritePrivateKey(custody.KeySign, content, modulus))

	require.NoError(t, f.card.PutData(do.TagResettingCode, []byte("reset-me")))

	// The wrapped DEK copy carries the credential now; only the length
	// byte is kept.
	ks, err := f.store.ReadSimple(do.SlotKeystringRC)
	require.NoError(t, err)
	require.Len(t, ks, 1)
	assert.Equal(t, byte(len("reset-me")), ks[0])

	km, err := f.card.LoadPrivateKey(custody.KeySign, custody.CredentialResetCode,
		custody.Keystring([]byte("reset-me")))
	require.NoError(t, err)
	defer km.Zeroize()
	assert.Equal(t, content, km.Content)
}

func TestChangeKeystringThroughCard(t *testing.T) {
	f := newCardFixture(t)
	f.session.admin = true
	content, modulus := testKeyPair(0x66)
	require.NoError(t, f.card.WritePrivateKey(custody.KeySign, content, modulus))

	newPW1 := custody.Keystring([]byte("new-user-pass"))
	n, err := f.card.ChangeKeystring(
		custody.CredentialPW1, custody.Keystring([]byte(custody.FactoryDefaultPW1)),
		custody.CredentialPW1, newPW1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	km, err := f.card.LoadPrivateKey(custody.KeySign, custody.CredentialPW1, newPW1)
	require.NoError(t, err)
	km.Zeroize()
}

func TestLockout(t *testing.T) {
	f := newCardFixture(t)

	for i := 0; i < do.PasswordErrorsMax; i++ {
		locked, err := f.card.Locked(do.PWErrPW3)
		require.NoError(t, err)
		assert.False(t, locked)
		require.NoError(t, f.card.IncrementPasswordErrors(do.PWErrPW3))
	}
	locked, err := f.card.Locked(do.PWErrPW3)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestCompactThroughCard(t *testing.T) {
	f := newCardFixture(t)
	f.session.admin = true

	for i := 0; i < 8; i++ {
		require.NoError(t, f.card.PutData(do.TagURL, []byte("https://example.com/key")))
	}
	require.NoError(t, f.card.PutData(do.TagName, []byte("Doe")))

	require.NoError(t, f.card.Compact())

	out, err := f.card.GetData(do.TagName)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x5B, 0x03, 'D', 'o', 'e'}, out)
	out, err = f.card.GetData(do.TagURL)
	require.NoError(t, err)
	assert.Equal(t, []byte("https://example.com/key"), out[3:])
}

func TestCompactWithoutSpare(t *testing.T) {
	f := newCardFixture(t)
	f.card.spare = nil

	assert.Error(t, f.card.Compact())
}
