// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package zbd

import "context"

// Backend is one physical (or simulated) zoned block device. The
// RAID virtualization layer never talks to a kernel device node
// directly; everything goes through this interface, which is small
// enough to fake in tests with MemBackend.
//
// All offsets are absolute byte offsets from the start of the
// backend, unless documented otherwise. Implementations must be safe
// for concurrent use: a raid Device holds only a read lock while it
// reads, so concurrent reads can reach the same Backend (MemBackend
// guards its state with a mutex).
type Backend interface {
	// Open prepares the backend for use and returns the device's
	// limits on simultaneously active and explicitly open zones (0
	// means unlimited).
	Open(ctx context.Context, readonly bool) (maxActive, maxOpen int, err error)

	// Geometry returns the backend's fixed zone layout.
	Geometry() Geometry

	// ListZones returns the current state of every zone, in
	// ascending order of Start.
	ListZones(ctx context.Context) ([]Zone, error)

	// ReadAt reads len(buf) bytes starting at offset. It does not
	// require offset to be block-aligned; there is no direct-I/O
	// flag.
	ReadAt(ctx context.Context, buf []byte, offset uint64) (int, error)

	// WriteAt appends len(buf) bytes at offset, which must equal the
	// write pointer of the zone containing it.
	WriteAt(ctx context.Context, buf []byte, offset uint64) (int, error)

	// Reset rewinds the zone containing zoneStart back to Empty,
	// discarding its contents. It returns true if the backend
	// discovered the zone to be unusable and marked it Offline
	// instead of resetting it, along with the zone's (possibly
	// reduced) capacity after the operation.
	Reset(ctx context.Context, zoneStart uint64) (offline bool, capacity uint64, err error)

	// Finish drives the zone containing zoneStart directly to Full,
	// regardless of its current write pointer.
	Finish(ctx context.Context, zoneStart uint64) error

	// Close drives an Open zone to Closed without changing its write
	// pointer or capacity.
	Close(ctx context.Context, zoneStart uint64) error

	// InvalidateCache drops any buffered copy of the byte range
	// [offset, offset+length), forcing the next read to hit the
	// medium. Backends that do not cache may treat this as a no-op.
	InvalidateCache(ctx context.Context, offset, length uint64) error
}

// Simulator is implemented by test backends that can be forced into
// a failure mode. It is not part of the Backend contract that
// production code depends on.
type Simulator interface {
	// SetOffline marks the zone at the given index Offline and makes
	// subsequent I/O against it fail, without going through Reset.
	SetOffline(zoneIndex int)
}
