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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSimpleRoundTrip(t *testing.T) {
	store, _ := newScannedStore(t)

	require.NoError(t, store.WriteSimple(SlotName, []byte("Doe<<Jane")))
	got, err := store.ReadSimple(SlotName)
	require.NoError(t, err)
	assert.Equal(t, []byte("Doe<<Jane"), got)
	assert.True(t, store.Present(SlotName))
	assert.Equal(t, 9, store.LiveBytes())
}

func TestWriteSimpleReplace(t *testing.T) {
	store, pool := newScannedStore(t)

	require.NoError(t, store.WriteSimple(SlotURL, []byte("short")))
	firstOff := store.index[SlotURL]
	require.NoError(t, store.WriteSimple(SlotURL, []byte("https://example.org")))

	got, err := store.ReadSimple(SlotURL)
	require.NoError(t, err)
	assert.Equal(t, []byte("https://example.org"), got)
	assert.Equal(t, 19, store.LiveBytes())

	// The superseded record is tombstoned in place.
	hw, err := pool.Read(firstOff, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, hw)
}

func TestWriteSimpleClear(t *testing.T) {
	store, _ := newScannedStore(t)

	require.NoError(t, store.WriteSimple(SlotSex, []byte{0x32}))
	require.NoError(t, store.WriteSimple(SlotSex, nil))

	got, err := store.ReadSimple(SlotSex)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, store.LiveBytes())

	// Clearing an absent slot is a no-op.
	require.NoError(t, store.WriteSimple(SlotSex, nil))
}

func TestReadSimpleAbsent(t *testing.T) {
	store, _ := newScannedStore(t)

	got, err := store.ReadSimple(SlotLanguage)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriteRetainedOrdering(t *testing.T) {
	store, pool := newScannedStore(t)

	require.NoError(t, store.WriteRetained(SlotPrvkeySig, bytes.Repeat([]byte{0x55}, 68)))
	firstOff := store.index[SlotPrvkeySig]

	require.NoError(t, store.WriteRetained(SlotPrvkeySig, bytes.Repeat([]byte{0x66}, 68)))
	secondOff := store.index[SlotPrvkeySig]

	// New record lands after the old one in the log, and only then is the
	// old one tombstoned.
	assert.Greater(t, secondOff, firstOff)
	hw, err := pool.Read(firstOff, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, hw)

	got, err := store.ReadSimple(SlotPrvkeySig)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x66}, 68), got)
	assert.Equal(t, 68, store.LiveBytes())
}

func TestPrivateKeyCount(t *testing.T) {
	store, _ := newScannedStore(t)

	assert.Equal(t, 0, store.PrivateKeyCount())
	require.NoError(t, store.WriteRetained(SlotPrvkeySig, make([]byte, 68)))
	require.NoError(t, store.WriteRetained(SlotPrvkeyAut, make([]byte, 68)))
	assert.Equal(t, 2, store.PrivateKeyCount())
	require.NoError(t, store.WriteSimple(SlotPrvkeySig, nil))
	assert.Equal(t, 1, store.PrivateKeyCount())
}

func TestWriteOversizedValue(t *testing.T) {
	store, _ := newScannedStore(t)

	err := store.WriteSimple(SlotURL, make([]byte, 256))
	assert.ErrorIs(t, err, ErrProtocol)
}
