// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package zbd

import "fmt"

// Condition is the state of a single zone, following the usual
// zoned-block-device state machine: a zone starts Empty, becomes
// Open once written, becomes Full once the write pointer reaches
// the end of its capacity, and can be driven back to Empty by a
// reset. Offline is terminal until the backing medium is replaced.
type Condition int

const (
	Empty Condition = iota
	Open
	Closed
	Full
	Offline
)

func (c Condition) String() string {
	switch c {
	case Empty:
		return "empty"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Full:
		return "full"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("Condition(%d)", int(c))
	}
}

// Zone describes the current state of one zone as reported by
// ListZones. All fields are in bytes. Start and WritePointer are
// offsets from the start of the backend, not the start of the zone;
// Capacity is a length.
type Zone struct {
	Start        uint64
	Capacity     uint64
	WritePointer uint64
	Condition    Condition
}

// IsSWR reports whether the zone requires sequential writes. Every
// zone exposed through this package is sequential-write-required;
// conventional (randomly writable) zones are out of scope.
func (z Zone) IsSWR() bool { return true }

// End returns the first byte past the end of the zone's current
// capacity.
func (z Zone) End() uint64 { return z.Start + z.Capacity }

// Remaining returns the number of bytes that can still be written
// to the zone before it becomes Full.
func (z Zone) Remaining() uint64 {
	if z.Condition == Full || z.Condition == Offline {
		return 0
	}
	return z.End() - z.WritePointer
}
