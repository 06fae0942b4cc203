// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import "fmt"

// Mode tags how a logical zone (or, as RaidBasicInfo.MainMode, an
// entire virtual device) is realized against its backing zones.
// There is no interface with five implementing types; every
// operation dispatches on a Mode value against the single Device
// type, the way the allocator's own mode_map does on disk.
type Mode uint8

const (
	// ModeNone passes a logical zone straight through to a single
	// backing zone on one backend, with no redundancy.
	ModeNone Mode = iota
	// ModeConcat behaves like ModeNone per logical zone, but the
	// logical address space is the disjoint union of every backend's
	// zones rather than just the first backend's.
	ModeConcat
	// ModeStripe spreads each logical zone's writes block-by-block
	// across every attached device, round-robin.
	ModeStripe
	// ModeMirror replicates each logical zone's writes to N backing
	// zones on distinct devices.
	ModeMirror
	// ModeAuto lets each logical zone carry its own mode, chosen at
	// mapping time and recorded in mode_map; device-wide behavior is
	// the union of whatever per-zone modes are in use.
	ModeAuto
	// ModeParity is reserved wire-format space for an erasure-coded
	// mode. It is not implemented: see the Open Question note in
	// allocator.go.
	ModeParity
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeConcat:
		return "concat"
	case ModeStripe:
		return "stripe"
	case ModeMirror:
		return "mirror"
	case ModeAuto:
		return "auto"
	case ModeParity:
		return "parity"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Replicas returns how many backing zones a logical zone in this
// mode occupies, given a device count d and a configured replica
// count r (only meaningful for ModeMirror).
func (m Mode) Replicas(d, r int) int {
	switch m {
	case ModeNone, ModeConcat:
		return 1
	case ModeStripe:
		return d
	case ModeMirror:
		return r
	default:
		return 1
	}
}
