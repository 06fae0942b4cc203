// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package zbd implements a minimal abstraction over a zoned block
// device: the geometry of its zones, the state machine each zone
// moves through, and the read/write/reset/finish/close operations
// that the RAID virtualization layer builds on top of.
package zbd

// Geometry describes the fixed layout of a zoned block device: the
// size of an addressable block, the nominal size of a zone, and how
// many zones the device reports.
//
// All backends attached to the same virtual device must report
// identical geometry; the allocator has no way to translate across
// devices with mismatched zone sizes.
type Geometry struct {
	BlockSize uint64
	ZoneSize  uint64
	NrZones   uint64
}

// Bytes returns the total addressable size implied by the geometry,
// ignoring any zones that have been reset to a reduced capacity.
func (g Geometry) Bytes() uint64 {
	return g.ZoneSize * g.NrZones
}
