// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package zbd

import (
	"context"
	"sync"
)

// MemBackend is an in-memory Backend, used by tests and, through
// raid.MemOpener, by cmd/aquafs-raid. It keeps the full contents of every
// zone in a single byte slice and tracks zone state in parallel
// slices indexed by zone number.
type MemBackend struct {
	geom Geometry

	mu       sync.Mutex
	data     []byte
	wp       []uint64 // write pointer, relative to each zone's start
	capacity []uint64 // per-zone capacity, fixed at the zone size
	cond     []Condition
	offline  map[int]bool // zones forced offline by SetOffline, regardless of cond
}

var (
	_ Backend   = (*MemBackend)(nil)
	_ Simulator = (*MemBackend)(nil)
)

// NewMemBackend allocates a backend with nrZones zones of zoneSize
// bytes each, addressed in blockSize units.
func NewMemBackend(blockSize, zoneSize, nrZones uint64) *MemBackend {
	b := &MemBackend{
		geom: Geometry{
			BlockSize: blockSize,
			ZoneSize:  zoneSize,
			NrZones:   nrZones,
		},
		data:     make([]byte, zoneSize*nrZones),
		wp:       make([]uint64, nrZones),
		capacity: make([]uint64, nrZones),
		cond:     make([]Condition, nrZones),
		offline:  make(map[int]bool),
	}
	for i := range b.capacity {
		b.capacity[i] = zoneSize
	}
	return b
}

// Open implements Backend.
func (b *MemBackend) Open(ctx context.Context, readonly bool) (int, int, error) {
	return 0, 0, nil
}

// Geometry implements Backend.
func (b *MemBackend) Geometry() Geometry { return b.geom }

func (b *MemBackend) zoneIndex(offset uint64) (int, error) {
	if offset >= b.geom.Bytes() {
		return 0, errorf(InvalidArgument, "zoneIndex", "offset %d is past the end of the device (%d bytes)", offset, b.geom.Bytes())
	}
	return int(offset / b.geom.ZoneSize), nil
}

// ListZones implements Backend.
func (b *MemBackend) ListZones(ctx context.Context) ([]Zone, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	zones := make([]Zone, b.geom.NrZones)
	for i := range zones {
		start := uint64(i) * b.geom.ZoneSize
		cond := b.cond[i]
		if b.offline[i] {
			cond = Offline
		}
		zones[i] = Zone{
			Start:        start,
			Capacity:     b.capacity[i],
			WritePointer: start + b.wp[i],
			Condition:    cond,
		}
	}
	return zones, nil
}

// ReadAt implements Backend.
func (b *MemBackend) ReadAt(ctx context.Context, buf []byte, offset uint64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.zoneIndex(offset)
	if err != nil {
		return 0, err
	}
	if b.offline[idx] {
		return 0, errorf(IOError, "ReadAt", "zone %d is offline", idx)
	}
	if offset+uint64(len(buf)) > b.geom.Bytes() {
		return 0, errorf(InvalidArgument, "ReadAt", "read of %d bytes at offset %d runs past the end of the device", len(buf), offset)
	}
	n := copy(buf, b.data[offset:offset+uint64(len(buf))])
	return n, nil
}

// WriteAt implements Backend.
func (b *MemBackend) WriteAt(ctx context.Context, buf []byte, offset uint64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.zoneIndex(offset)
	if err != nil {
		return 0, err
	}
	if b.offline[idx] {
		return 0, errorf(IOError, "WriteAt", "zone %d is offline", idx)
	}
	zoneStart := uint64(idx) * b.geom.ZoneSize
	wantWP := zoneStart + b.wp[idx]
	if offset != wantWP {
		return 0, errorf(InvalidArgument, "WriteAt", "write at offset %d is not at zone %d's write pointer (%d)", offset, idx, wantWP)
	}
	if offset+uint64(len(buf)) > zoneStart+b.capacity[idx] {
		return 0, errorf(NoSpace, "WriteAt", "write of %d bytes at offset %d would overrun zone %d's capacity", len(buf), offset, idx)
	}
	n := copy(b.data[offset:offset+uint64(len(buf))], buf)
	b.wp[idx] += uint64(n)
	if b.wp[idx] >= b.capacity[idx] {
		b.cond[idx] = Full
	} else {
		b.cond[idx] = Open
	}
	return n, nil
}

// Reset implements Backend.
func (b *MemBackend) Reset(ctx context.Context, zoneStart uint64) (bool, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.zoneIndex(zoneStart)
	if err != nil {
		return false, 0, err
	}
	if b.offline[idx] {
		return true, b.capacity[idx], nil
	}
	b.wp[idx] = 0
	b.cond[idx] = Empty
	start := uint64(idx) * b.geom.ZoneSize
	for i := start; i < start+b.capacity[idx]; i++ {
		b.data[i] = 0
	}
	return false, b.capacity[idx], nil
}

// Finish implements Backend.
func (b *MemBackend) Finish(ctx context.Context, zoneStart uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.zoneIndex(zoneStart)
	if err != nil {
		return err
	}
	if b.offline[idx] {
		return errorf(IOError, "Finish", "zone %d is offline", idx)
	}
	b.wp[idx] = b.capacity[idx]
	b.cond[idx] = Full
	return nil
}

// Close implements Backend.
func (b *MemBackend) Close(ctx context.Context, zoneStart uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, err := b.zoneIndex(zoneStart)
	if err != nil {
		return err
	}
	if b.offline[idx] {
		return errorf(IOError, "Close", "zone %d is offline", idx)
	}
	if b.cond[idx] == Open {
		b.cond[idx] = Closed
	}
	return nil
}

// InvalidateCache implements Backend.
func (b *MemBackend) InvalidateCache(ctx context.Context, offset, length uint64) error {
	return nil
}

// SetOffline implements Simulator.
func (b *MemBackend) SetOffline(zoneIndex int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline[zoneIndex] = true
	b.cond[zoneIndex] = Offline
}
