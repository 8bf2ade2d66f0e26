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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-opgpcard/pkg/flash"
)

// newScannedStore builds an empty store over a fresh in-memory pool.
func newScannedStore(t *testing.T) (*Store, *flash.Pool) {
	t.Helper()
	dev := flash.NewMemDevice(1024, 2)
	pool, err := flash.NewPool(dev, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Erase())
	store, err := Scan(pool, nil)
	require.NoError(t, err)
	return store, pool
}

// rescan runs a fresh boot scan over the same pool.
func rescan(t *testing.T, pool *flash.Pool) *Store {
	t.Helper()
	pool.SetTail(0)
	store, err := Scan(pool, nil)
	require.NoError(t, err)
	return store
}

func TestScanEmptyPool(t *testing.T) {
	store, pool := newScannedStore(t)

	assert.Equal(t, 0, pool.Tail())
	assert.Equal(t, uint32(0), store.SignatureCounter())
	assert.Equal(t, 0, store.LiveBytes())
	assert.Equal(t, 0, store.PrivateKeyCount())
	assert.False(t, store.PW1Lifetime())
	for _, which := range []int{PWErrPW1, PWErrRC, PWErrPW3} {
		v, err := store.PasswordErrors(which)
		require.NoError(t, err)
		assert.Equal(t, 0, v)
	}
}

func TestScanRebuildsState(t *testing.T) {
	store, pool := newScannedStore(t)

	require.NoError(t, store.WriteSimple(SlotName, []byte("Doe<<John")))
	require.NoError(t, store.WriteSimple(SlotLanguage, []byte("en")))
	require.NoError(t, store.WriteSimple(SlotURL, []byte("https://example.com/key.asc")))
	require.NoError(t, store.IncrementSignatureCounter())
	require.NoError(t, store.IncrementSignatureCounter())
	require.NoError(t, store.IncrementPasswordErrors(PWErrPW1))
	require.NoError(t, store.SetPW1Lifetime(true))
	wantTail := pool.Tail()
	wantLive := store.LiveBytes()

	got := rescan(t, pool)

	name, err := got.ReadSimple(SlotName)
	require.NoError(t, err)
	assert.Equal(t, []byte("Doe<<John"), name)
	lang, err := got.ReadSimple(SlotLanguage)
	require.NoError(t, err)
	assert.Equal(t, []byte("en"), lang)
	assert.Equal(t, uint32(2), got.SignatureCounter())
	v, err := got.PasswordErrors(PWErrPW1)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, got.PW1Lifetime())
	assert.Equal(t, wantLive, got.LiveBytes())
	assert.Equal(t, wantTail, pool.Tail())
}

func TestScanSkipsSupersededRecords(t *testing.T) {
	store, pool := newScannedStore(t)

	require.NoError(t, store.WriteSimple(SlotName, []byte("first")))
	require.NoError(t, store.WriteSimple(SlotName, []byte("second")))

	got := rescan(t, pool)
	name, err := got.ReadSimple(SlotName)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), name)
	assert.Equal(t, 6, got.LiveBytes())
}

func TestScanClearedSlotAbsent(t *testing.T) {
	store, pool := newScannedStore(t)

	require.NoError(t, store.WriteSimple(SlotLoginData, []byte("john")))
	require.NoError(t, store.WriteSimple(SlotLoginData, nil))

	got := rescan(t, pool)
	data, err := got.ReadSimple(SlotLoginData)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.False(t, got.Present(SlotLoginData))
}

func TestScanStaleLowField(t *testing.T) {
	_, pool := newScannedStore(t)

	// Power loss during rollover: the low field in the log precedes the
	// freshly written high field and must count as zero.
	_, err := pool.AppendHalfword(0xC0|0x03, 0xFF) // low = 0x3FF, stale
	require.NoError(t, err)
	_, err = pool.AppendHalfword(0x80, 0x01) // high = 1
	require.NoError(t, err)

	got := rescan(t, pool)
	assert.Equal(t, uint32(1<<10), got.SignatureCounter())
}

func TestScanFreshLowFieldAfterRollover(t *testing.T) {
	_, pool := newScannedStore(t)

	_, err := pool.AppendHalfword(0x80, 0x01) // high = 1
	require.NoError(t, err)
	_, err = pool.AppendHalfword(0xC0, 0x05) // low = 5, fresh
	require.NoError(t, err)

	got := rescan(t, pool)
	assert.Equal(t, uint32(1<<10|5), got.SignatureCounter())
}

func TestScanHighWithoutLow(t *testing.T) {
	_, pool := newScannedStore(t)

	_, err := pool.AppendHalfword(0x80, 0x02)
	require.NoError(t, err)

	got := rescan(t, pool)
	assert.Equal(t, uint32(2<<10), got.SignatureCounter())
}

func TestScanMalformedRecordNumber(t *testing.T) {
	_, pool := newScannedStore(t)

	_, err := pool.AppendHalfword(0x42, 0x00) // outside every range
	require.NoError(t, err)

	pool.SetTail(0)
	_, err = Scan(pool, nil)
	assert.ErrorIs(t, err, ErrMalformedLog)
}

func TestScanHalfReleasedRecord(t *testing.T) {
	_, pool := newScannedStore(t)

	// 00 with a nonzero second byte is not a valid tombstone.
	require.NoError(t, pool.Program(0, []byte{0x00, 0x05}))

	pool.SetTail(0)
	_, err := Scan(pool, nil)
	assert.ErrorIs(t, err, ErrMalformedLog)
}

func TestScanRecordOverrunsPool(t *testing.T) {
	dev := flash.NewMemDevice(64, 1)
	pool, err := flash.NewPool(dev, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Erase())

	// A record claiming more payload than the pool holds.
	require.NoError(t, pool.Program(0, []byte{0x12, 0xF0}))

	_, err = Scan(pool, nil)
	assert.ErrorIs(t, err, ErrMalformedLog)
}

func TestScanWalksTombstones(t *testing.T) {
	store, pool := newScannedStore(t)

	require.NoError(t, store.WriteSimple(SlotName, []byte("gone")))
	require.NoError(t, store.WriteSimple(SlotName, nil))
	require.NoError(t, store.WriteSimple(SlotSex, []byte{0x31}))

	got := rescan(t, pool)
	assert.False(t, got.Present(SlotName))
	sex, err := got.ReadSimple(SlotSex)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x31}, sex)
}
