// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/aquafs-dev/aquafs/lib/zbd"
)

// ensureSlot grows the allocator, if necessary, so that slot exists.
// Every mode maps its backing zones lazily, on first write, rather
// than reserving the whole backend up front: that leaves headroom
// on each device for rebuild.go to allocate a replacement zone into
// once a slot's original backing zone is marked offline. On an Auto
// device, a zone pinned ahead of time via SetZoneMode is materialized
// with that mode instead of autoDefault. Callers must hold d.mu for
// writing.
func (d *Device) ensureSlot(slot int) error {
	for d.alloc.NumSlots() <= slot {
		next := d.alloc.NumSlots()
		mode := d.mainMode
		if mode == ModeAuto {
			mode = d.autoDefault
			if m, ok := d.autoModeOverride[next]; ok {
				mode = m
				delete(d.autoModeOverride, next)
			}
		}
		if _, err := d.alloc.CreateMapping(mode, mode.Replicas(d.deviceCnt, d.replicas)); err != nil {
			return err
		}
	}
	return nil
}

// ListZones returns the current state of every logical zone. The
// result is cached until the next mutating operation.
func (d *Device) ListZones(ctx context.Context) ([]LogicalZone, error) {
	return d.cache.get(ctx)
}

func (d *Device) refreshZones(ctx context.Context) ([]LogicalZone, error) {
	switch d.mainMode {
	case ModeConcat:
		return d.refreshConcatZones(ctx)
	case ModeStripe:
		return d.refreshStripeZones(ctx)
	case ModeAuto:
		return d.refreshAutoZones(ctx)
	default:
		return d.refreshUniformZones(ctx)
	}
}

func (d *Device) refreshConcatZones(ctx context.Context) ([]LogicalZone, error) {
	var out []LogicalZone
	idx := 0
	for bi, b := range d.backends {
		zones, err := b.ListZones(ctx)
		if err != nil {
			return nil, err
		}
		start := LogicalAddr(d.concatByteOff[bi])
		for _, z := range zones {
			out = append(out, LogicalZone{
				Index:        idx,
				Mode:         ModeConcat,
				Start:        start,
				Capacity:     z.Capacity,
				WritePointer: start.Add(AddrDelta(z.WritePointer - z.Start)),
				Condition:    z.Condition,
			})
			start = start.Add(AddrDelta(d.backingZoneSize()))
			idx++
		}
	}
	return out, nil
}

func (d *Device) refreshStripeZones(ctx context.Context) ([]LogicalZone, error) {
	perBackend := make([][]zbd.Zone, len(d.backends))
	for i, b := range d.backends {
		zones, err := b.ListZones(ctx)
		if err != nil {
			return nil, err
		}
		perBackend[i] = zones
	}
	n := d.alloc.NumSlots()
	Z := d.logicalZoneSize()
	out := make([]LogicalZone, n)
	for slot := 0; slot < n; slot++ {
		entries := d.alloc.Entries(slot)
		var capacity, wp uint64
		cond := zbd.Full
		for _, e := range entries {
			if int(e.Zone) >= len(perBackend[e.Device]) {
				continue
			}
			z := perBackend[e.Device][e.Zone]
			capacity += z.Capacity
			wp += z.WritePointer - z.Start
			if z.Condition < cond {
				cond = z.Condition
			}
		}
		out[slot] = LogicalZone{
			Index:        slot,
			Mode:         ModeStripe,
			Start:        LogicalAddr(uint64(slot) * Z),
			Capacity:     capacity,
			WritePointer: LogicalAddr(uint64(slot)*Z + wp),
			Condition:    cond,
		}
	}
	return out, nil
}

// refreshAutoZones synthesizes a_zones (spec §4.6): unlike the
// uniform modes, an Auto device's zones don't all aggregate their
// entries the same way, since each slot's mode_map entry may differ.
// A Stripe-assigned zone sums wp across every backing entry and sums
// capacity too, capped at one backing zone, since it stripes within
// one backing zone's width; every other mode reports its single
// best-condition entry, the way the uniform modes do.
func (d *Device) refreshAutoZones(ctx context.Context) ([]LogicalZone, error) {
	perBackend := make([][]zbd.Zone, len(d.backends))
	for i, b := range d.backends {
		zones, err := b.ListZones(ctx)
		if err != nil {
			return nil, err
		}
		perBackend[i] = zones
	}
	n := d.alloc.NumSlots()
	Z := d.backingZoneSize()
	out := make([]LogicalZone, n)
	for slot := 0; slot < n; slot++ {
		entries := d.alloc.Entries(slot)
		mode := d.alloc.Mode(slot)
		lz := LogicalZone{Index: slot, Mode: mode, Start: LogicalAddr(uint64(slot) * Z)}
		if mode == ModeStripe {
			var capacity, wp uint64
			cond := zbd.Full
			for _, e := range entries {
				if int(e.Zone) >= len(perBackend[e.Device]) {
					continue
				}
				z := perBackend[e.Device][e.Zone]
				capacity += z.Capacity
				wp += z.WritePointer - z.Start
				if z.Condition < cond {
					cond = z.Condition
				}
			}
			if capacity > Z {
				capacity = Z
			}
			lz.Capacity = capacity
			lz.WritePointer = lz.Start.Add(AddrDelta(wp))
			lz.Condition = cond
		} else {
			var best *zbd.Zone
			for _, e := range entries {
				if int(e.Zone) >= len(perBackend[e.Device]) {
					continue
				}
				z := perBackend[e.Device][e.Zone]
				if best == nil || z.Condition < best.Condition {
					zc := z
					best = &zc
				}
			}
			if best != nil {
				lz.Capacity = best.Capacity
				lz.WritePointer = lz.Start.Add(AddrDelta(best.WritePointer - best.Start))
				lz.Condition = best.Condition
			} else {
				lz.Condition = zbd.Offline
			}
		}
		out[slot] = lz
	}
	return out, nil
}

func (d *Device) refreshUniformZones(ctx context.Context) ([]LogicalZone, error) {
	perBackend := make([][]zbd.Zone, len(d.backends))
	for i, b := range d.backends {
		zones, err := b.ListZones(ctx)
		if err != nil {
			return nil, err
		}
		perBackend[i] = zones
	}
	n := d.alloc.NumSlots()
	Z := d.backingZoneSize()
	out := make([]LogicalZone, n)
	for slot := 0; slot < n; slot++ {
		entries := d.alloc.Entries(slot)
		mode := d.alloc.Mode(slot)
		var best *zbd.Zone
		for _, e := range entries {
			if int(e.Zone) >= len(perBackend[e.Device]) {
				continue
			}
			z := perBackend[e.Device][e.Zone]
			if best == nil || z.Condition < best.Condition {
				zc := z
				best = &zc
			}
		}
		lz := LogicalZone{
			Index: slot,
			Mode:  mode,
			Start: LogicalAddr(uint64(slot) * Z),
		}
		if best != nil {
			lz.Capacity = best.Capacity
			lz.WritePointer = lz.Start.Add(AddrDelta(best.WritePointer - best.Start))
			lz.Condition = best.Condition
		} else {
			lz.Condition = zbd.Offline
		}
		out[slot] = lz
	}
	return out, nil
}

// zoneOp runs fn against every backing entry of a logical zone,
// fanning out for Mirror and Stripe (every device shares the same
// zone-state transition) and running once for a plain single-entry
// slot. Backends that error are marked offline; the op as a whole
// only fails if every entry failed.
func (d *Device) zoneOp(ctx context.Context, op string, slot int, fn func(b zbd.Backend, zoneStart uint64) error) error {
	ctx = d.logOp(ctx, op)
	entries := d.alloc.Entries(slot)
	if len(entries) == 0 {
		return &zbd.Error{Kind: zbd.InvalidArgument, Op: op, Err: fmt.Errorf("slot %d has no backing zones", slot)}
	}
	var errs derror.MultiError
	ok := 0
	for _, e := range entries {
		if d.alloc.IsOffline(e.Device, e.Zone) {
			continue
		}
		if err := fn(d.backends[e.Device], e.Zone*d.backingZoneSize()); err != nil {
			dlog.Warnf(ctx, "raid: %s failed on device %d zone %d: %v", op, e.Device, e.Zone, err)
			errs = append(errs, err)
			d.alloc.SetOffline(e.Device, e.Zone)
			continue
		}
		ok++
	}
	if ok == 0 {
		if errs != nil {
			return errs
		}
		return &zbd.Error{Kind: zbd.IOError, Op: op, Err: fmt.Errorf("slot %d has no healthy replica", slot)}
	}
	return nil
}

func (d *Device) zoneIndexOf(offset LogicalAddr) int {
	if d.mainMode == ModeStripe {
		return int(uint64(offset) / d.logicalZoneSize())
	}
	return int(uint64(offset) / d.backingZoneSize())
}

// Reset rewinds the logical zone starting at zoneStart back to
// Empty. zoneStart must be the logical address of a zone boundary.
func (d *Device) Reset(ctx context.Context, zoneStart LogicalAddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.invalidate()
	if d.mainMode == ModeConcat {
		backend, phys, err := d.concatLocate(zoneStart)
		if err != nil {
			return err
		}
		_, _, err = d.backends[backend].Reset(ctx, phys)
		return err
	}
	slot := d.zoneIndexOf(zoneStart)
	return d.zoneOp(ctx, "Reset", slot, func(b zbd.Backend, zoneStart uint64) error {
		_, _, err := b.Reset(ctx, zoneStart)
		return err
	})
}

// Finish drives the logical zone starting at zoneStart directly to
// Full.
func (d *Device) Finish(ctx context.Context, zoneStart LogicalAddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.invalidate()
	if d.mainMode == ModeConcat {
		backend, phys, err := d.concatLocate(zoneStart)
		if err != nil {
			return err
		}
		return d.backends[backend].Finish(ctx, phys)
	}
	slot := d.zoneIndexOf(zoneStart)
	return d.zoneOp(ctx, "Finish", slot, func(b zbd.Backend, zoneStart uint64) error {
		return b.Finish(ctx, zoneStart)
	})
}

// Close drives the logical zone starting at zoneStart from Open to
// Closed.
func (d *Device) Close(ctx context.Context, zoneStart LogicalAddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.invalidate()
	if d.mainMode == ModeConcat {
		backend, phys, err := d.concatLocate(zoneStart)
		if err != nil {
			return err
		}
		return d.backends[backend].Close(ctx, phys)
	}
	slot := d.zoneIndexOf(zoneStart)
	return d.zoneOp(ctx, "Close", slot, func(b zbd.Backend, zoneStart uint64) error {
		return b.Close(ctx, zoneStart)
	})
}

// InvalidateCache drops any buffered copy of [offset, offset+length).
// It does so by dropping the whole cache of every backend, a superset
// of the range, since where the range lands differs by mode.
func (d *Device) InvalidateCache(ctx context.Context, offset LogicalAddr, length uint64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var errs derror.MultiError
	for _, b := range d.backends {
		if err := b.InvalidateCache(ctx, 0, b.Geometry().Bytes()); err != nil {
			errs = append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}
