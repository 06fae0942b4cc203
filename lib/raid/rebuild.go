// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/aquafs-dev/aquafs/lib/maps"
	"github.com/aquafs-dev/aquafs/lib/zbd"
)

// maxRebuildAttempts bounds how many times RebuildSlot will retry
// onto a fresh zone before giving up, so a device that is
// persistently out of healthy zones fails loudly instead of looping.
const maxRebuildAttempts = 4

// RebuildSlot repairs a mirror slot that has lost its replica on
// failedDevice. It is the only mutating path outside WriteAt that
// acts on a slot's replica list, and it runs the allocator through
// the same six-step sequence regardless of whether it was invoked
// directly or discovered by ScanOffline:
//
//  1. mark the failed backing zone offline,
//  2. remove it from the slot's replica list,
//  3. allocate a fresh zone on the same device,
//  4. read the live range off a healthy peer,
//  5. reset, (re)open, and write that range into the fresh zone,
//  6. on a write failure, retry from step 3 against a new zone.
func (d *Device) RebuildSlot(ctx context.Context, slot int, failedDevice int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.alloc.Mode(slot) != ModeMirror {
		return &zbd.Error{Kind: zbd.NotSupported, Op: "RebuildSlot",
			Err: fmt.Errorf("slot %d is mode %v, which has no replica to rebuild from", slot, d.alloc.Mode(slot))}
	}

	ctx = dlog.WithField(ctx, "raid.rebuild.logical-zone", slot)
	ctx = dlog.WithField(ctx, "raid.rebuild.device", failedDevice)

	failedEntries := d.alloc.Entries(slot)
	for _, e := range failedEntries {
		if e.Device == failedDevice {
			// step 1: mark offline
			dlog.Infoln(dlog.WithField(ctx, "raid.rebuild.step", "mark-offline"), "marking zone offline")
			d.alloc.SetOffline(e.Device, e.Zone)
		}
	}

	// step 2: remove from replica list
	dlog.Infoln(dlog.WithField(ctx, "raid.rebuild.step", "remove"), "removing failed replica")
	d.alloc.RemoveFromSlot(slot, failedDevice)

	peer, liveLen, err := d.findHealthyPeer(ctx, slot)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxRebuildAttempts; attempt++ {
		// step 3: allocate a fresh zone
		dz, err := d.alloc.CreateOneMappingAt(slot, failedDevice)
		if err != nil {
			return &zbd.Error{Kind: zbd.IOError, Op: "RebuildSlot",
				Err: fmt.Errorf("cannot recover: slot %d device %d: %w", slot, failedDevice, err)}
		}
		ctx := dlog.WithField(ctx, "raid.rebuild.zone", dz.Zone)

		// step 4: read the live range off the healthy peer
		dlog.Infoln(dlog.WithField(ctx, "raid.rebuild.step", "read-peer"), "reading live range from healthy replica")
		staging := zbd.NewAlignedBuffer(d.geom.BlockSize, liveLen)
		if liveLen > 0 {
			if _, err := d.backends[peer.Device].ReadAt(ctx, staging.Aligned(), peer.Zone*d.backingZoneSize()); err != nil {
				return fmt.Errorf("rebuild slot %d: reading healthy replica: %w", slot, err)
			}
		}

		// step 5: reset, reopen, and write the fresh zone
		dlog.Infoln(dlog.WithField(ctx, "raid.rebuild.step", "rewrite"), "writing live range into fresh zone")
		newZoneStart := dz.Zone * d.backingZoneSize()
		if _, _, err := d.backends[failedDevice].Reset(ctx, newZoneStart); err != nil {
			lastErr = err
			d.alloc.RemoveFromSlot(slot, failedDevice)
			d.alloc.SetOffline(failedDevice, dz.Zone)
			continue
		}
		if liveLen > 0 {
			if _, err := d.backends[failedDevice].WriteAt(ctx, staging.Bytes(), newZoneStart); err != nil {
				// step 6: retry against a new zone
				lastErr = err
				d.alloc.RemoveFromSlot(slot, failedDevice)
				d.alloc.SetOffline(failedDevice, dz.Zone)
				continue
			}
		}
		d.cache.invalidate()
		return nil
	}
	return fmt.Errorf("rebuild slot %d: exhausted %d attempts: %w", slot, maxRebuildAttempts, lastErr)
}

// findHealthyPeer returns one surviving replica of slot and how many
// bytes of it are live (its current write-pointer offset into the
// zone), so RebuildSlot knows how much to copy rather than copying a
// zone's full, mostly-empty, capacity.
func (d *Device) findHealthyPeer(ctx context.Context, slot int) (deviceZone, uint64, error) {
	entries := d.alloc.Entries(slot)
	for _, e := range entries {
		if d.alloc.IsOffline(e.Device, e.Zone) {
			continue
		}
		zones, err := d.backends[e.Device].ListZones(ctx)
		if err != nil {
			continue
		}
		if int(e.Zone) >= len(zones) {
			continue
		}
		z := zones[e.Zone]
		return e, z.WritePointer - z.Start, nil
	}
	return deviceZone{}, 0, &zbd.Error{Kind: zbd.IOError, Op: "findHealthyPeer",
		Err: fmt.Errorf("slot %d has no healthy replica to rebuild from", slot)}
}

// ScanOffline walks every slot looking for an offline entry that has
// not yet been repaired and rebuilds it. Supplemented from the
// scan-and-repair entry point a zoned-RAID auto-mode device exposes
// for periodic health checks, rather than only reacting to I/O
// errors as they happen: a zone can go offline from a medium
// failure detected by a background scrub, not just by a write this
// process issued.
func (d *Device) ScanOffline(ctx context.Context) error {
	d.checkMirrorConsistency(ctx)

	d.mu.RLock()
	slots := d.alloc.OfflineSlots()
	d.mu.RUnlock()

	var firstErr error
	for _, slot := range slots {
		mode := d.alloc.Mode(slot)
		if mode != ModeMirror {
			dlog.Warnf(ctx, "raid: slot %d (mode %v) has an offline replica with nothing to rebuild from", slot, mode)
			continue
		}
		for _, e := range d.alloc.Entries(slot) {
			if !d.alloc.IsOffline(e.Device, e.Zone) {
				continue
			}
			if err := d.RebuildSlot(ctx, slot, e.Device); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// checkMirrorConsistency marks a mirror replica offline if its
// backend reports its zone as Offline, or if its write pointer
// disagrees with the majority of its live peers (a tie goes to the
// lowest write pointer). A wp
// disagreement among mirror replicas is a rebuild trigger in its own
// right, never something to aggregate (by max or by sum) into a
// single reported value: one replica having fallen behind means it
// missed a write, and the only correct fix is to rebuild it from a
// peer that didn't.
func (d *Device) checkMirrorConsistency(ctx context.Context) {
	d.mu.RLock()
	n := d.alloc.NumSlots()
	d.mu.RUnlock()

	for slot := 0; slot < n; slot++ {
		if d.alloc.Mode(slot) != ModeMirror {
			continue
		}
		entries := d.alloc.Entries(slot)
		type liveWP struct {
			dz deviceZone
			wp uint64
		}
		var live []liveWP
		wpCounts := make(map[uint64]int)
		for _, e := range entries {
			if d.alloc.IsOffline(e.Device, e.Zone) {
				continue
			}
			zones, err := d.backends[e.Device].ListZones(ctx)
			if err != nil || int(e.Zone) >= len(zones) {
				continue
			}
			z := zones[e.Zone]
			if z.Condition == zbd.Offline {
				d.alloc.SetOffline(e.Device, e.Zone)
				continue
			}
			wp := z.WritePointer - z.Start
			live = append(live, liveWP{dz: e, wp: wp})
			wpCounts[wp]++
		}
		if len(live) < 2 {
			continue
		}
		// Iterate in a deterministic order rather than Go's randomized
		// map order, so a tied vote always resolves the same way.
		var majority uint64
		best := -1
		for _, wp := range maps.SortedKeys(wpCounts) {
			if count := wpCounts[wp]; count > best {
				best, majority = count, wp
			}
		}
		if best == len(live) {
			continue // every live replica agrees
		}
		for _, l := range live {
			if l.wp != majority {
				dlog.Warnf(ctx, "raid: slot %d device %d zone %d write pointer %d disagrees with majority %d, marking offline",
					slot, l.dz.Device, l.dz.Zone, l.wp, majority)
				d.alloc.SetOffline(l.dz.Device, l.dz.Zone)
			}
		}
	}
}
