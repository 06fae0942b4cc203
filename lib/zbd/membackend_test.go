// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package zbd_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquafs-dev/aquafs/lib/zbd"
)

func TestMemBackendSequentialWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := zbd.NewMemBackend(512, 4096, 4)

	zones, err := b.ListZones(ctx)
	require.NoError(t, err)
	require.Len(t, zones, 4)
	assert.Equal(t, zbd.Empty, zones[0].Condition)

	n, err := b.WriteAt(ctx, make([]byte, 512), 0)
	require.NoError(t, err)
	assert.Equal(t, 512, n)

	zones, err = b.ListZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, zbd.Open, zones[0].Condition)
	assert.Equal(t, uint64(512), zones[0].WritePointer)

	// a write that doesn't land at the write pointer is rejected
	_, err = b.WriteAt(ctx, make([]byte, 512), 0)
	assert.Error(t, err)
	var zerr *zbd.Error
	require.True(t, errors.As(err, &zerr))
	assert.Equal(t, zbd.InvalidArgument, zerr.Kind)
}

func TestMemBackendFillsZoneToFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := zbd.NewMemBackend(512, 2048, 2)

	_, err := b.WriteAt(ctx, make([]byte, 2048), 0)
	require.NoError(t, err)

	zones, err := b.ListZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, zbd.Full, zones[0].Condition)
	assert.Equal(t, uint64(0), zones[0].Remaining())

	// Zone 0's write pointer now sits at zone 1's start, so a write
	// there lands in zone 1; one larger than zone 1 overruns it.
	_, err = b.WriteAt(ctx, make([]byte, 2560), 2048)
	require.Error(t, err)
	assert.ErrorIs(t, err, zbd.NoSpace)
}

func TestMemBackendReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := zbd.NewMemBackend(512, 2048, 2)

	_, err := b.WriteAt(ctx, []byte("hello, world!!!!"), 0)
	require.NoError(t, err)

	offline, capacity, err := b.Reset(ctx, 0)
	require.NoError(t, err)
	assert.False(t, offline)
	assert.Equal(t, uint64(2048), capacity)

	zones, err := b.ListZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, zbd.Empty, zones[0].Condition)
	assert.Equal(t, uint64(0), zones[0].WritePointer)
}

func TestMemBackendSetOffline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := zbd.NewMemBackend(512, 2048, 2)
	b.SetOffline(1)

	zones, err := b.ListZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, zbd.Offline, zones[1].Condition)

	_, err = b.WriteAt(ctx, make([]byte, 512), 2048)
	require.Error(t, err)
	assert.ErrorIs(t, err, zbd.IOError)
}
