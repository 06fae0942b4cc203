// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/derror"

	"github.com/aquafs-dev/aquafs/lib/zbd"
)

// LogicalZone is one entry of the zone list a Device reports to its
// caller. Capacity and WritePointer are always ≤ the device's
// logical zone stride; a None/Concat/Mirror zone inside an Auto
// device reports a capacity equal to one backing zone even though
// its neighbors may report more.
type LogicalZone struct {
	Index        int
	Mode         Mode
	Start        LogicalAddr
	Capacity     uint64
	WritePointer LogicalAddr
	Condition    zbd.Condition
}

// locate resolves a logical offset to the allocator slot and
// intra-zone byte offset that own it, for every mode except Concat
// and Stripe, which have their own addressing (see concatLocate and
// stripeLocate).
func (d *Device) locate(offset LogicalAddr) (slot int, intra uint64) {
	z := d.backingZoneSize()
	slot = int(uint64(offset) / z)
	intra = uint64(offset) % z
	return slot, intra
}

func (d *Device) concatLocate(offset LogicalAddr) (backend int, phys uint64, err error) {
	off := uint64(offset)
	for i := len(d.concatByteOff) - 1; i >= 0; i-- {
		if off >= d.concatByteOff[i] {
			return i, off - d.concatByteOff[i], nil
		}
	}
	return 0, 0, &zbd.Error{Kind: zbd.InvalidArgument, Op: "concatLocate", Err: fmt.Errorf("offset %v is negative", offset)}
}

func (d *Device) stripeLocate(offset LogicalAddr, length uint64) (slot int, device int, intra uint64, err error) {
	z := d.logicalZoneSize()
	slotU := uint64(offset) / z
	intraZone := uint64(offset) % z
	bs := d.geom.BlockSize
	if intraZone%bs != 0 || length%bs != 0 {
		return 0, 0, 0, &zbd.Error{Kind: zbd.InvalidArgument, Op: "stripeLocate",
			Err: fmt.Errorf("stripe I/O must be aligned to the block size %d", bs)}
	}
	device, intra = blockRoundRobin(intraZone, bs, d.deviceCnt)
	return int(slotU), device, intra, nil
}

// blockRoundRobin resolves an offset within a raid-zone-wide span to
// the device and intra-device offset it round-robins onto, one block
// at a time. The standalone Stripe variant calls this with a span
// that covers deviceCnt backing zones; autoStripeLocate calls it with
// a span that covers just one, since an Auto zone never widens past
// a single backing zone regardless of its per-zone mode.
func blockRoundRobin(intraSpan, blockSize uint64, deviceCnt int) (device int, intraDevice uint64) {
	blockIdx := intraSpan / blockSize
	device = int(blockIdx % uint64(deviceCnt))
	stride := blockIdx / uint64(deviceCnt)
	intraDevice = stride*blockSize + intraSpan%blockSize
	return device, intraDevice
}

// ReadAt reads a run of bytes that must lie within a single logical
// zone.
func (d *Device) ReadAt(ctx context.Context, buf []byte, offset LogicalAddr) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch d.mainMode {
	case ModeConcat:
		backend, phys, err := d.concatLocate(offset)
		if err != nil {
			return 0, err
		}
		return d.backends[backend].ReadAt(ctx, buf, phys)
	case ModeStripe:
		return d.stripeReadAt(ctx, buf, offset)
	case ModeAuto:
		return d.autoReadAt(ctx, buf, offset)
	default:
		return d.uniformReadAt(ctx, buf, offset)
	}
}

func (d *Device) uniformReadAt(ctx context.Context, buf []byte, offset LogicalAddr) (int, error) {
	slot, intra := d.locate(offset)
	if intra+uint64(len(buf)) > d.backingZoneSize() {
		return 0, &zbd.Error{Kind: zbd.InvalidArgument, Op: "ReadAt", Err: fmt.Errorf("read would cross a zone boundary")}
	}
	return d.readSlotReplicas(ctx, buf, slot, intra)
}

// readSlotReplicas tries every backing entry of slot in order, the
// way Mirror's read policy requires (first in the replica list, fall
// back to the next on failure), and is just as correct for the
// single-entry slots None, Concat-member, and Auto-None/Mirror zones
// use.
func (d *Device) readSlotReplicas(ctx context.Context, buf []byte, slot int, intra uint64) (int, error) {
	entries := d.alloc.Entries(slot)
	var lastErr error
	for _, e := range entries {
		if d.alloc.IsOffline(e.Device, e.Zone) {
			continue
		}
		n, err := d.backends[e.Device].ReadAt(ctx, buf, e.Zone*d.backingZoneSize()+intra)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &zbd.Error{Kind: zbd.IOError, Op: "ReadAt", Err: fmt.Errorf("slot %d has no healthy replica", slot)}
	}
	return 0, lastErr
}

// autoReadAt dispatches a read on an Auto device according to the
// mode that zone was mapped with: a Stripe-assigned zone round-robins
// within one backing zone's width, everything else reads from
// whichever replica answers first.
func (d *Device) autoReadAt(ctx context.Context, buf []byte, offset LogicalAddr) (int, error) {
	slot, intra := d.locate(offset)
	if intra+uint64(len(buf)) > d.backingZoneSize() {
		return 0, &zbd.Error{Kind: zbd.InvalidArgument, Op: "ReadAt", Err: fmt.Errorf("read would cross a zone boundary")}
	}
	if d.alloc.Mode(slot) == ModeStripe {
		return d.autoStripeReadAt(ctx, buf, slot, intra)
	}
	return d.readSlotReplicas(ctx, buf, slot, intra)
}

// autoStripeLocate resolves an offset within a Stripe-assigned Auto
// zone to the device and intra-device offset it round-robins onto.
// Unlike the standalone Stripe variant, the span being striped across
// is one backing zone's width, not deviceCnt backing zones' worth:
// every Auto zone shares the same fixed stride regardless of its
// individual mode, so a Stripe zone here only ever uses 1/deviceCnt
// of each device's capacity.
func (d *Device) autoStripeLocate(intraZone, length uint64) (device int, intra uint64, err error) {
	bs := d.geom.BlockSize
	if intraZone%bs != 0 || length%bs != 0 {
		return 0, 0, &zbd.Error{Kind: zbd.InvalidArgument, Op: "autoStripeLocate",
			Err: fmt.Errorf("stripe I/O must be aligned to the block size %d", bs)}
	}
	device, intra = blockRoundRobin(intraZone, bs, d.deviceCnt)
	return device, intra, nil
}

func (d *Device) autoStripeReadAt(ctx context.Context, buf []byte, slot int, intraZone uint64) (int, error) {
	bs := d.geom.BlockSize
	entries := d.alloc.Entries(slot)
	var total int
	for off := uint64(0); off < uint64(len(buf)); off += bs {
		chunk := buf[off : off+bs]
		device, intra, err := d.autoStripeLocate(intraZone+off, bs)
		if err != nil {
			return total, err
		}
		dz := entryForDevice(entries, device)
		n, err := d.backends[device].ReadAt(ctx, chunk, dz.Zone*d.backingZoneSize()+intra)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (d *Device) stripeReadAt(ctx context.Context, buf []byte, offset LogicalAddr) (int, error) {
	bs := d.geom.BlockSize
	var total int
	for off := uint64(0); off < uint64(len(buf)); off += bs {
		chunk := buf[off : off+bs]
		slot, device, intra, err := d.stripeLocate(offset.Add(AddrDelta(off)), bs)
		if err != nil {
			return total, err
		}
		entries := d.alloc.Entries(slot)
		dz := entryForDevice(entries, device)
		n, err := d.backends[device].ReadAt(ctx, chunk, dz.Zone*d.backingZoneSize()+intra)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func entryForDevice(entries []deviceZone, device int) deviceZone {
	for _, e := range entries {
		if e.Device == device {
			return e
		}
	}
	return deviceZone{Device: device}
}

// WriteAt appends a run of bytes that must lie within a single
// logical zone and must land exactly at that zone's current write
// pointer.
func (d *Device) WriteAt(ctx context.Context, buf []byte, offset LogicalAddr) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.invalidate()
	switch d.mainMode {
	case ModeConcat:
		backend, phys, err := d.concatLocate(offset)
		if err != nil {
			return 0, err
		}
		return d.backends[backend].WriteAt(ctx, buf, phys)
	case ModeStripe:
		return d.stripeWriteAt(ctx, buf, offset)
	case ModeAuto:
		return d.autoWriteAt(ctx, buf, offset)
	default:
		return d.uniformWriteAt(ctx, buf, offset)
	}
}

func (d *Device) uniformWriteAt(ctx context.Context, buf []byte, offset LogicalAddr) (int, error) {
	slot, intra := d.locate(offset)
	if intra+uint64(len(buf)) > d.backingZoneSize() {
		return 0, &zbd.Error{Kind: zbd.InvalidArgument, Op: "WriteAt", Err: fmt.Errorf("write would cross a zone boundary")}
	}
	if err := d.ensureSlot(slot); err != nil {
		return 0, err
	}
	return d.writeSlotReplicas(ctx, buf, slot, intra)
}

// writeSlotReplicas fans the write out to every backing entry of slot
// concurrently and waits for all of them, all-or-nothing: every
// replica receives the write, and an error from any one of them is
// surfaced as the overall write error, with that replica marked
// offline so later reads skip it. A single-entry slot (None,
// Concat-member, Auto-None) takes the same path trivially.
func (d *Device) writeSlotReplicas(ctx context.Context, buf []byte, slot int, intra uint64) (int, error) {
	entries := d.alloc.Entries(slot)

	type result struct {
		n   int
		err error
	}
	results := make([]result, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		i, e := i, e
		if d.alloc.IsOffline(e.Device, e.Zone) {
			results[i] = result{err: &zbd.Error{Kind: zbd.IOError, Op: "WriteAt", Err: fmt.Errorf("device %d zone %d is offline", e.Device, e.Zone)}}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := d.backends[e.Device].WriteAt(ctx, buf, e.Zone*d.backingZoneSize()+intra)
			results[i] = result{n: n, err: err}
		}()
	}
	wg.Wait()

	var errs derror.MultiError
	n := 0
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			d.alloc.SetOffline(entries[i].Device, entries[i].Zone)
			continue
		}
		n = r.n
	}
	if len(errs) > 0 {
		return 0, errs
	}
	return n, nil
}

// autoWriteAt dispatches a write on an Auto device according to the
// mode its zone carries (materializing that zone first via
// ensureSlot, if this is the first touch): a Stripe-assigned zone
// round-robins within one backing zone's width, everything else goes
// through the same all-or-nothing replica fan-out every other mode
// uses.
func (d *Device) autoWriteAt(ctx context.Context, buf []byte, offset LogicalAddr) (int, error) {
	slot, intra := d.locate(offset)
	if intra+uint64(len(buf)) > d.backingZoneSize() {
		return 0, &zbd.Error{Kind: zbd.InvalidArgument, Op: "WriteAt", Err: fmt.Errorf("write would cross a zone boundary")}
	}
	if err := d.ensureSlot(slot); err != nil {
		return 0, err
	}
	if d.alloc.Mode(slot) == ModeStripe {
		return d.autoStripeWriteAt(ctx, buf, slot, intra)
	}
	return d.writeSlotReplicas(ctx, buf, slot, intra)
}

func (d *Device) autoStripeWriteAt(ctx context.Context, buf []byte, slot int, intraZone uint64) (int, error) {
	bs := d.geom.BlockSize
	entries := d.alloc.Entries(slot)
	var total int
	for off := uint64(0); off < uint64(len(buf)); off += bs {
		chunk := buf[off : off+bs]
		device, intra, err := d.autoStripeLocate(intraZone+off, bs)
		if err != nil {
			return total, err
		}
		dz := entryForDevice(entries, device)
		n, err := d.backends[device].WriteAt(ctx, chunk, dz.Zone*d.backingZoneSize()+intra)
		if err != nil {
			return total, &zbd.Error{Kind: zbd.IOError, Op: "autoStripeWriteAt", Err: err}
		}
		total += n
	}
	return total, nil
}

func (d *Device) stripeWriteAt(ctx context.Context, buf []byte, offset LogicalAddr) (int, error) {
	bs := d.geom.BlockSize
	var total int
	for off := uint64(0); off < uint64(len(buf)); off += bs {
		chunk := buf[off : off+bs]
		slot, device, intra, err := d.stripeLocate(offset.Add(AddrDelta(off)), bs)
		if err != nil {
			return total, err
		}
		if err := d.ensureSlot(slot); err != nil {
			return total, err
		}
		entries := d.alloc.Entries(slot)
		dz := entryForDevice(entries, device)
		n, err := d.backends[device].WriteAt(ctx, chunk, dz.Zone*d.backingZoneSize()+intra)
		if err != nil {
			return total, &zbd.Error{Kind: zbd.IOError, Op: "stripeWriteAt", Err: err}
		}
		total += n
	}
	return total, nil
}
