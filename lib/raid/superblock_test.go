// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquafs-dev/aquafs/lib/raid"
	"github.com/aquafs-dev/aquafs/lib/zbd"
)

func TestRestoreRejectsMismatchedGeometry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backends := memBackends(t, 3, 512, 2048, 2)

	dev, err := raid.OpenMirror(ctx, backends, 2)
	require.NoError(t, err)
	_, err = dev.WriteAt(ctx, []byte{0x1}, 0)
	require.NoError(t, err)

	basicBytes, err := dev.EncodeBasicInfo()
	require.NoError(t, err)
	basic, err := raid.DecodeBasicInfo(basicBytes)
	require.NoError(t, err)
	appendBytes, err := dev.Allocator().EncodeAppendInfo()
	require.NoError(t, err)

	// Attach backends with a different block size than what the
	// superblock was written against.
	mismatched := memBackends(t, 3, 4096, 2048, 2)
	_, err = raid.Restore(mismatched, basic, appendBytes)
	require.Error(t, err)
	var zerr *zbd.Error
	require.ErrorAs(t, err, &zerr)
	assert.Equal(t, zbd.Corruption, zerr.Kind)
}

func TestAppendInfoRoundTrip(t *testing.T) {
	t.Parallel()
	a := raid.NewAllocator(3, 4)
	_, err := a.CreateMapping(raid.ModeMirror, 2)
	require.NoError(t, err)
	_, err = a.CreateMapping(raid.ModeNone, 1)
	require.NoError(t, err)

	dat, err := a.EncodeAppendInfo()
	require.NoError(t, err)

	decoded, err := raid.DecodeAppendInfo(dat, a.DeviceCount(), a.ZonesPerDevice())
	require.NoError(t, err)

	assert.Equal(t, a.NumSlots(), decoded.NumSlots())
	for slot := 0; slot < a.NumSlots(); slot++ {
		assert.ElementsMatch(t, a.Entries(slot), decoded.Entries(slot))
		assert.Equal(t, a.Mode(slot), decoded.Mode(slot))
	}
}
