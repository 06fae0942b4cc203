// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"encoding/binary"
	"fmt"

	"github.com/aquafs-dev/aquafs/lib/binstruct"
	"github.com/aquafs-dev/aquafs/lib/zbd"
)

// RaidBasicInfo is the fixed-size header of the on-disk superblock:
// little-endian u32s recording just enough to sanity-check that the
// attached backends still match what last wrote this device, before
// RaidAppendInfo's variable-length tables are even read. The first
// five fields (main_mode, device_count, block_size, zone_size,
// nr_zones_per_device) are what Compatible checks; Replicas and
// AutoDefaultMode follow as an extension so a remount can reproduce
// an Auto device's layout without the caller having to pass the
// original default= and replicas= URI options again.
type RaidBasicInfo struct {
	MainMode       binstruct.U32le `bin:"off=0x0,siz=0x4"`
	DeviceCount    binstruct.U32le `bin:"off=0x4,siz=0x4"`
	BlockSize      binstruct.U32le `bin:"off=0x8,siz=0x4"`
	ZoneSize       binstruct.U32le `bin:"off=0xc,siz=0x4"`
	ZonesPerDevice binstruct.U32le `bin:"off=0x10,siz=0x4"`
	Replicas       binstruct.U32le `bin:"off=0x14,siz=0x4"`
	// AutoDefaultMode is only meaningful when MainMode is ModeAuto. It
	// is the redundancy mode newly-touched zones are mapped as, and it
	// is read back from here on remount rather than from whatever
	// default the caller passes to OpenAuto this time around: a second
	// mount with a different configured default must still reproduce
	// the first mount's layout.
	AutoDefaultMode binstruct.U32le `bin:"off=0x18,siz=0x4"`

	binstruct.End `bin:"off=0x1c"`
}

// Compatible reports whether info's geometry fields (main mode,
// device count, block size, zone size, zones per device) match mode
// and the geometry the currently attached backends report. Restore
// calls this before trusting anything else in the superblock: a
// mismatch means the backends changed out from under the filesystem,
// which is Corruption, not a value to silently reinterpret.
func (info RaidBasicInfo) Compatible(mode Mode, deviceCount int, geom zbd.Geometry) bool {
	return Mode(info.MainMode) == mode &&
		int(info.DeviceCount) == deviceCount &&
		uint64(info.BlockSize) == geom.BlockSize &&
		uint64(info.ZoneSize) == geom.ZoneSize &&
		uint64(info.ZonesPerDevice) == geom.NrZones
}

// EncodeBasicInfo serializes d's header.
func (d *Device) EncodeBasicInfo() ([]byte, error) {
	return binstruct.Marshal(RaidBasicInfo{
		MainMode:        binstruct.U32le(d.mainMode),
		DeviceCount:     binstruct.U32le(d.deviceCnt),
		BlockSize:       binstruct.U32le(d.geom.BlockSize),
		ZoneSize:        binstruct.U32le(d.geom.ZoneSize),
		ZonesPerDevice:  binstruct.U32le(d.geom.NrZones),
		Replicas:        binstruct.U32le(d.replicas),
		AutoDefaultMode: binstruct.U32le(d.autoDefault),
	})
}

// DecodeBasicInfo parses a RaidBasicInfo header.
func DecodeBasicInfo(dat []byte) (RaidBasicInfo, error) {
	var info RaidBasicInfo
	if _, err := binstruct.Unmarshal(dat, &info); err != nil {
		return info, fmt.Errorf("decoding RaidBasicInfo: %w", err)
	}
	if Mode(info.MainMode) > ModeParity {
		return info, fmt.Errorf("decoding RaidBasicInfo: unrecognized mode %d", info.MainMode)
	}
	return info, nil
}

// mapEntryWire is the fixed-width wire form of one device_zone_map
// entry.
type mapEntryWire struct {
	Device binstruct.U32le `bin:"off=0x0,siz=0x4"`
	Zone   binstruct.U64le `bin:"off=0x4,siz=0x8"`

	binstruct.End `bin:"off=0xc"`
}

// modeEntryWire is the fixed-width wire form of one mode_map entry.
type modeEntryWire struct {
	Mode binstruct.U32le `bin:"off=0x0,siz=0x4"`

	binstruct.End `bin:"off=0x4"`
}

// EncodeAppendInfo serializes the allocator's device_zone_map and
// mode_map as two length-prefixed tables: a uint32 slot count,
// followed for each slot by a uint32 replica count and that many
// mapEntryWire records, followed by one modeEntryWire per slot.
func (a *Allocator) EncodeAppendInfo() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf []byte
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(a.deviceZoneMap)))
	buf = append(buf, countBuf[:]...)

	for _, entries := range a.deviceZoneMap {
		binary.LittleEndian.PutUint32(countBuf[:], uint32(len(entries)))
		buf = append(buf, countBuf[:]...)
		for _, e := range entries {
			bs, err := binstruct.Marshal(mapEntryWire{Device: binstruct.U32le(e.Device), Zone: binstruct.U64le(e.Zone)})
			if err != nil {
				return nil, fmt.Errorf("encoding device_zone_map: %w", err)
			}
			buf = append(buf, bs...)
		}
	}

	for _, mode := range a.modeMap {
		bs, err := binstruct.Marshal(modeEntryWire{Mode: binstruct.U32le(mode)})
		if err != nil {
			return nil, fmt.Errorf("encoding mode_map: %w", err)
		}
		buf = append(buf, bs...)
	}

	return buf, nil
}

// DecodeAppendInfo rebuilds an Allocator from the tables
// EncodeAppendInfo wrote. deviceCount and zonesPerDevice come from
// the already-parsed RaidBasicInfo.
func DecodeAppendInfo(dat []byte, deviceCount int, zonesPerDevice uint64) (*Allocator, error) {
	if len(dat) < 4 {
		return nil, fmt.Errorf("decoding RaidAppendInfo: truncated slot count")
	}
	numSlots := int(binary.LittleEndian.Uint32(dat[:4]))
	pos := 4

	deviceZoneMap := make([][]slotEntry, numSlots)
	for slot := 0; slot < numSlots; slot++ {
		if len(dat) < pos+4 {
			return nil, fmt.Errorf("decoding RaidAppendInfo: truncated replica count for slot %d", slot)
		}
		nrEntries := int(binary.LittleEndian.Uint32(dat[pos : pos+4]))
		pos += 4
		entries := make([]slotEntry, nrEntries)
		for i := 0; i < nrEntries; i++ {
			var w mapEntryWire
			n, err := binstruct.Unmarshal(dat[pos:], &w)
			if err != nil {
				return nil, fmt.Errorf("decoding RaidAppendInfo: slot %d entry %d: %w", slot, i, err)
			}
			pos += n
			entries[i] = slotEntry{Device: int(w.Device), Zone: uint64(w.Zone)}
		}
		deviceZoneMap[slot] = entries
	}

	modeMap := make([]Mode, numSlots)
	for slot := 0; slot < numSlots; slot++ {
		var w modeEntryWire
		n, err := binstruct.Unmarshal(dat[pos:], &w)
		if err != nil {
			return nil, fmt.Errorf("decoding RaidAppendInfo: mode_map slot %d: %w", slot, err)
		}
		pos += n
		modeMap[slot] = Mode(w.Mode)
	}

	return newAllocatorFromSnapshot(deviceCount, zonesPerDevice, deviceZoneMap, modeMap), nil
}

// Restore reconstructs a *Device from a previously-written
// RaidBasicInfo/RaidAppendInfo pair rather than from a caller-chosen
// mode and default. For an ModeAuto device this is what makes a
// second mount reproduce the first mount's layout: Restore takes no
// default mode argument and uses the persisted AutoDefaultMode.
func Restore(backends []zbd.Backend, basic RaidBasicInfo, appendInfo []byte) (*Device, error) {
	geom, err := checkGeometry(backends)
	if err != nil {
		return nil, err
	}
	mode := Mode(basic.MainMode)
	if mode > ModeParity {
		return nil, &zbd.Error{Kind: zbd.Corruption, Op: "Restore", Err: fmt.Errorf("unrecognized mode %d", basic.MainMode)}
	}
	if mode == ModeParity {
		return nil, &zbd.Error{Kind: zbd.NotSupported, Op: "Restore", Err: fmt.Errorf("parity mode is not implemented")}
	}
	if !basic.Compatible(mode, len(backends), geom) {
		return nil, &zbd.Error{Kind: zbd.Corruption, Op: "Restore",
			Err: fmt.Errorf("superblock geometry (devices=%d block=%d zone=%d zones/device=%d) does not match attached backends (devices=%d block=%d zone=%d zones/device=%d)",
				basic.DeviceCount, basic.BlockSize, basic.ZoneSize, basic.ZonesPerDevice,
				len(backends), geom.BlockSize, geom.ZoneSize, geom.NrZones)}
	}

	alloc, err := DecodeAppendInfo(appendInfo, len(backends), geom.NrZones)
	if err != nil {
		return nil, fmt.Errorf("Restore: %w", err)
	}

	d := &Device{
		backends:    backends,
		geom:        geom,
		mainMode:    mode,
		replicas:    int(basic.Replicas),
		deviceCnt:   len(backends),
		alloc:       alloc,
		autoDefault: Mode(basic.AutoDefaultMode),
	}
	if mode == ModeConcat {
		d.concatZoneOff = make([]uint64, len(backends))
		d.concatByteOff = make([]uint64, len(backends))
		var zoneAcc, byteAcc uint64
		for i, b := range backends {
			d.concatZoneOff[i] = zoneAcc
			d.concatByteOff[i] = byteAcc
			zoneAcc += b.Geometry().NrZones
			byteAcc += b.Geometry().Bytes()
		}
	}
	d.cache = newZoneCache(d.refreshZones)
	return d, nil
}

// newAllocatorFromSnapshot reconstructs an Allocator's tables
// directly, bypassing CreateMapping's free-zone search: every entry
// here is, by construction, already in use.
func newAllocatorFromSnapshot(deviceCount int, zonesPerDevice uint64, deviceZoneMap [][]slotEntry, modeMap []Mode) *Allocator {
	a := NewAllocator(deviceCount, zonesPerDevice)
	a.deviceZoneMap = deviceZoneMap
	a.modeMap = modeMap
	for slot, entries := range deviceZoneMap {
		for _, e := range entries {
			a.inverseMap[e] = slot
		}
	}
	return a
}
