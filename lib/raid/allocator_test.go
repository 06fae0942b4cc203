// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorCreateMappingPicksUniformZoneIndex(t *testing.T) {
	t.Parallel()
	a := NewAllocator(3, 4)

	slot, err := a.CreateMapping(ModeMirror, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
	entries := a.Entries(slot)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].Zone, entries[1].Zone)
	assert.Equal(t, ModeMirror, a.Mode(slot))
}

func TestAllocatorCreateMappingExhaustsSpace(t *testing.T) {
	t.Parallel()
	a := NewAllocator(2, 1)

	_, err := a.CreateMapping(ModeMirror, 2)
	require.NoError(t, err)

	_, err = a.CreateMapping(ModeMirror, 2)
	assert.Error(t, err)
}

func TestAllocatorRebuildSequence(t *testing.T) {
	t.Parallel()
	a := NewAllocator(3, 2)
	slot, err := a.CreateMapping(ModeMirror, 2)
	require.NoError(t, err)
	entries := a.Entries(slot)
	failed := entries[0]

	a.SetOffline(failed.Device, failed.Zone)
	assert.True(t, a.IsOffline(failed.Device, failed.Zone))
	assert.Contains(t, a.OfflineSlots(), slot)

	a.RemoveFromSlot(slot, failed.Device)
	assert.Len(t, a.Entries(slot), 1)

	replacement, err := a.CreateOneMappingAt(slot, failed.Device)
	require.NoError(t, err)
	assert.Equal(t, failed.Device, replacement.Device)
	assert.Len(t, a.Entries(slot), 2)
}

func TestAllocatorSlotOf(t *testing.T) {
	t.Parallel()
	a := NewAllocator(2, 2)
	slot, err := a.CreateMapping(ModeNone, 1)
	require.NoError(t, err)
	entries := a.Entries(slot)
	got, ok := a.SlotOf(entries[0].Device, entries[0].Zone)
	require.True(t, ok)
	assert.Equal(t, slot, got)

	_, ok = a.SlotOf(1, 99)
	assert.False(t, ok)
}
