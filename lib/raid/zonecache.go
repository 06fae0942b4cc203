// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"context"
	"sync"
)

// zoneCache is a read-through cache of a Device's synthesized
// LogicalZone list, invalidated on every mutation. It holds no state
// that outlives a single invalidate/refresh cycle: there is no
// stateful shared array guarded by its own mutex sitting beside the
// allocator, just a lazily (re)computed snapshot.
type zoneCache struct {
	mu      sync.Mutex
	valid   bool
	zones   []LogicalZone
	refresh func(ctx context.Context) ([]LogicalZone, error)
}

func newZoneCache(refresh func(ctx context.Context) ([]LogicalZone, error)) *zoneCache {
	return &zoneCache{refresh: refresh}
}

func (c *zoneCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.zones = nil
}

func (c *zoneCache) get(ctx context.Context) ([]LogicalZone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid {
		out := make([]LogicalZone, len(c.zones))
		copy(out, c.zones)
		return out, nil
	}
	zones, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}
	c.zones = zones
	c.valid = true
	out := make([]LogicalZone, len(zones))
	copy(out, zones)
	return out, nil
}
