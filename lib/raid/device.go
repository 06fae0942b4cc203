// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/aquafs-dev/aquafs/lib/zbd"
)

// Device is the virtual zoned block device that every redundancy
// mode presents to a caller. There is one Go type, not five: the
// None, Concat, Stripe, Mirror, and Auto constructors below all
// return a *Device that differs only in which fields are populated
// and which mode(s) its allocator's mode_map carries. Every
// operation dispatches on mode with a plain switch, never a vtable.
type Device struct {
	backends  []zbd.Backend
	geom      zbd.Geometry
	mainMode  Mode
	alloc     *Allocator
	replicas  int // mirror replica count; unused otherwise
	deviceCnt int

	// Concat does not use alloc at all: its logical address space is
	// the byte-for-byte concatenation of every backend, so it keeps
	// its own prefix-sum tables instead.
	concatZoneOff []uint64 // zone-index at which backend i's range starts
	concatByteOff []uint64 // byte offset at which backend i's range starts

	// autoDefault is the mode newly-touched zones are mapped as on
	// an Auto device, unless autoModeOverride names a different mode
	// for that particular zone. Read only by the Auto code paths in
	// ops.go and translate.go.
	autoDefault      Mode
	autoModeOverride map[int]Mode

	mu    sync.RWMutex
	cache *zoneCache
}

// MetaZoneCount is how many logical zones an Auto device reserves,
// starting at zone 0, for the filesystem superblock and manifest.
// They are always mode None and are never subject to autoDefault or
// SetZoneMode. Each is bound by CreateMapping like any other slot, so
// they take zone 0 of backends 0, 1, 2 in turn (moving on to zone 1
// once zone 0 is taken on every backend); they are not all placed on
// the first backend.
const MetaZoneCount = 3

// backingZoneSize returns the zone size every attached backend
// reports; Open requires these to match across backends.
func (d *Device) backingZoneSize() uint64 { return d.geom.ZoneSize }

// logicalZoneSize returns Z, the stride between consecutive logical
// zones in this device's address space. Only the standalone Stripe
// device widens Z to span all deviceCnt backends at once; every other
// mode, including a Stripe-assigned zone inside an Auto device, uses
// a single backing zone's worth of span. An Auto zone running Stripe
// stripes within that one backing zone's width instead of widening
// it, which is what lets every zone on an Auto device share the same
// fixed stride regardless of its individual mode (see
// autoStripeLocate in translate.go).
func (d *Device) logicalZoneSize() uint64 {
	if d.mainMode == ModeStripe {
		return uint64(d.deviceCnt) * d.backingZoneSize()
	}
	return d.backingZoneSize()
}

func checkGeometry(backends []zbd.Backend) (zbd.Geometry, error) {
	if len(backends) == 0 {
		return zbd.Geometry{}, &zbd.Error{Kind: zbd.InvalidArgument, Op: "checkGeometry",
			Err: fmt.Errorf("at least one backend is required")}
	}
	geom := backends[0].Geometry()
	for i, b := range backends[1:] {
		g := b.Geometry()
		if g.BlockSize != geom.BlockSize || g.ZoneSize != geom.ZoneSize {
			return zbd.Geometry{}, &zbd.Error{Kind: zbd.InvalidArgument, Op: "checkGeometry",
				Err: fmt.Errorf("backend %d has geometry %+v, want %+v", i+1, g, geom)}
		}
	}
	return geom, nil
}

// OpenNone opens a pass-through device: every logical zone is the
// identically-indexed zone on backends[0]. Any additional backends
// are ignored, matching the contract that None is what you get when
// a single-device filesystem is mounted through this layer anyway.
func OpenNone(ctx context.Context, backends []zbd.Backend) (*Device, error) {
	if len(backends) > 1 {
		backends = backends[:1]
	}
	return openUniform(ctx, backends, ModeNone, 1)
}

// OpenMirror opens a device that replicates every logical zone's
// writes across replicas distinct backends.
func OpenMirror(ctx context.Context, backends []zbd.Backend, replicas int) (*Device, error) {
	if replicas < 2 || replicas > len(backends) {
		return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "OpenMirror",
			Err: fmt.Errorf("replica count %d is invalid for %d backends", replicas, len(backends))}
	}
	return openUniform(ctx, backends, ModeMirror, replicas)
}

// OpenStripe opens a device that round-robins each logical zone's
// writes block-by-block across every attached backend.
func OpenStripe(ctx context.Context, backends []zbd.Backend) (*Device, error) {
	if len(backends) < 2 {
		return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "OpenStripe",
			Err: fmt.Errorf("stripe needs at least 2 backends, got %d", len(backends))}
	}
	return openUniform(ctx, backends, ModeStripe, len(backends))
}

// openUniform is shared by None, Mirror, and Stripe: every slot in
// the allocator carries the same mode and the same replica count.
// No slot is mapped at open time; ensureSlot maps each one the first
// time it is written.
func openUniform(ctx context.Context, backends []zbd.Backend, mode Mode, replicas int) (*Device, error) {
	geom, err := checkGeometry(backends)
	if err != nil {
		return nil, err
	}
	d := &Device{
		backends:  backends,
		geom:      geom,
		mainMode:  mode,
		replicas:  replicas,
		deviceCnt: len(backends),
		alloc:     NewAllocator(len(backends), geom.NrZones),
	}
	d.cache = newZoneCache(d.refreshZones)
	return d, nil
}

// OpenConcat opens a device whose logical zones are the disjoint
// union of every backend's zones, backend 0's zones first. It does
// not go through the allocator: there is nothing to choose, the
// mapping is the backend order the caller gave.
func OpenConcat(ctx context.Context, backends []zbd.Backend) (*Device, error) {
	if len(backends) == 0 {
		return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "OpenConcat", Err: fmt.Errorf("at least one backend is required")}
	}
	geom, err := checkGeometry(backends)
	if err != nil {
		return nil, err
	}
	d := &Device{
		backends:  backends,
		geom:      geom,
		mainMode:  ModeConcat,
		deviceCnt: len(backends),
	}
	d.concatZoneOff = make([]uint64, len(backends))
	d.concatByteOff = make([]uint64, len(backends))
	var zoneAcc, byteAcc uint64
	for i, b := range backends {
		d.concatZoneOff[i] = zoneAcc
		d.concatByteOff[i] = byteAcc
		zoneAcc += b.Geometry().NrZones
		byteAcc += b.Geometry().Bytes()
	}
	d.cache = newZoneCache(d.refreshZones)
	return d, nil
}

// OpenAuto opens a device whose logical zones each carry their own
// mode, chosen at first use (persisted in mode_map) or pinned ahead
// of time with SetZoneMode. defaultMode governs every zone that is
// neither reserved nor pinned; it must be one of None, Concat,
// Stripe, or Mirror. The first MetaZoneCount logical zones are
// reserved up front, mode None, one backing zone each, for the
// filesystem superblock and manifest (see MetaZoneCount for where
// they land).
func OpenAuto(ctx context.Context, backends []zbd.Backend, defaultMode Mode, mirrorReplicas int) (*Device, error) {
	if defaultMode > ModeMirror {
		return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "OpenAuto",
			Err: fmt.Errorf("mode %v cannot be an auto device's default mode", defaultMode)}
	}
	geom, err := checkGeometry(backends)
	if err != nil {
		return nil, err
	}
	d := &Device{
		backends:  backends,
		geom:      geom,
		mainMode:  ModeAuto,
		replicas:  mirrorReplicas,
		deviceCnt: len(backends),
		alloc:     NewAllocator(len(backends), geom.NrZones),
	}
	d.cache = newZoneCache(d.refreshZones)
	d.autoDefault = defaultMode
	for i := 0; i < MetaZoneCount; i++ {
		if _, err := d.alloc.CreateMapping(ModeNone, 1); err != nil {
			return nil, fmt.Errorf("OpenAuto: reserving meta zone %d: %w", i, err)
		}
	}
	return d, nil
}

// SetZoneMode pins the redundancy mode a specific logical zone on an
// Auto device will use. A zone that has not yet been mapped simply
// records the request; ensureSlot honors it the first time that zone
// is touched and clears it from autoModeOverride afterward. A zone
// already mapped can only move to a mode that needs the same number
// of backing zones it already has, since this does not remap its
// existing replicas.
func (d *Device) SetZoneMode(zone int, mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mainMode != ModeAuto {
		return &zbd.Error{Kind: zbd.NotSupported, Op: "SetZoneMode",
			Err: fmt.Errorf("per-zone mode assignment only applies to auto devices")}
	}
	if zone < MetaZoneCount {
		return &zbd.Error{Kind: zbd.InvalidArgument, Op: "SetZoneMode",
			Err: fmt.Errorf("zone %d is reserved for filesystem metadata", zone)}
	}
	if mode == ModeParity {
		return &zbd.Error{Kind: zbd.NotSupported, Op: "SetZoneMode",
			Err: fmt.Errorf("parity mode is not implemented")}
	}
	if zone < d.alloc.NumSlots() {
		have := len(d.alloc.Entries(zone))
		want := mode.Replicas(d.deviceCnt, d.replicas)
		if have != want {
			return &zbd.Error{Kind: zbd.InvalidArgument, Op: "SetZoneMode",
				Err: fmt.Errorf("zone %d has %d backing zones, mode %v needs %d", zone, have, mode, want)}
		}
		return d.alloc.SetMode(zone, mode)
	}
	if d.autoModeOverride == nil {
		d.autoModeOverride = make(map[int]Mode)
	}
	d.autoModeOverride[zone] = mode
	return nil
}

// DeviceCount returns how many backends are attached.
func (d *Device) DeviceCount() int { return d.deviceCnt }

// Mode returns the device's nominal mode, i.e. what was passed to
// whichever OpenXxx constructor created it.
func (d *Device) Mode() Mode { return d.mainMode }

// Geometry returns the shared backend geometry.
func (d *Device) Geometry() zbd.Geometry { return d.geom }

// Allocator returns the device's allocator, for callers that need to
// persist or inspect the mapping tables directly (see superblock.go).
// It is nil for ModeConcat, which does not use an allocator.
func (d *Device) Allocator() *Allocator { return d.alloc }

func (d *Device) logOp(ctx context.Context, op string) context.Context {
	return dlog.WithField(ctx, "raid.allocator.op", op)
}
