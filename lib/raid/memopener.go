// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"context"
	"strconv"

	"github.com/aquafs-dev/aquafs/lib/zbd"
)

// MemOpener returns a BackendOpener for use with Open that ignores
// the spec string's content and hands back a fresh MemBackend with
// the given geometry, unless the spec parses as a decimal number, in
// which case that number overrides nrZones. It exists for tests and
// for cmd/aquafs-raid, which opens every backend spec with it; there
// is no way to persist a MemBackend across process restarts.
func MemOpener(blockSize, zoneSize, nrZones uint64) BackendOpener {
	return func(ctx context.Context, spec string) (zbd.Backend, error) {
		n := nrZones
		if v, err := strconv.ParseUint(spec, 10, 64); err == nil {
			n = v
		}
		return zbd.NewMemBackend(blockSize, zoneSize, n), nil
	}
}
