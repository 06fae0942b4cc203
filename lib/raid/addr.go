// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package raid implements the zoned-RAID virtualization layer: an
// allocator that maps logical zone addresses onto a set of backend
// zoned block devices, and the five redundancy modes (none, concat,
// stripe, mirror, auto) built on top of it.
package raid

import "fmt"

type (
	// PhysicalAddr is a byte offset into a single backend device.
	PhysicalAddr int64
	// LogicalAddr is a byte offset into the address space exposed
	// by a virtual device, independent of how many backends or
	// which redundancy mode sits underneath it.
	LogicalAddr int64
	// AddrDelta is the difference between two addresses, or a
	// length measured in bytes.
	AddrDelta int64
)

func formatAddr[T ~int64](addr T, f fmt.State, verb rune) {
	switch verb {
	case 'v', 'x', 'X':
		if f.Flag('#') || verb == 'v' {
			fmt.Fprintf(f, "%#016x", int64(addr))
			return
		}
		fmt.Fprintf(f, "%"+string(verb), int64(addr))
	default:
		fmt.Fprintf(f, "%"+string(verb), int64(addr))
	}
}

var (
	_ fmt.Formatter = PhysicalAddr(0)
	_ fmt.Formatter = LogicalAddr(0)
)

// Format implements fmt.Formatter, rendering the address as a
// fixed-width hex value for %v/%x/%X and falling back to the
// standard integer formatting otherwise.
func (a PhysicalAddr) Format(f fmt.State, verb rune) { formatAddr(a, f, verb) }

// Format implements fmt.Formatter.
func (a LogicalAddr) Format(f fmt.State, verb rune) { formatAddr(a, f, verb) }

// Add returns a+delta.
func (a PhysicalAddr) Add(delta AddrDelta) PhysicalAddr { return a + PhysicalAddr(delta) }

// Add returns a+delta.
func (a LogicalAddr) Add(delta AddrDelta) LogicalAddr { return a + LogicalAddr(delta) }

// Sub returns a-b.
func (a PhysicalAddr) Sub(b PhysicalAddr) AddrDelta { return AddrDelta(a - b) }

// Sub returns a-b.
func (a LogicalAddr) Sub(b LogicalAddr) AddrDelta { return AddrDelta(a - b) }
