// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package routing

import (
	"fmt"

	"tilefab.io/x/tilefab/conn/fabric"
)

// ShimPort is one entry of a shim tile's stream-port to DMA-channel mapping.
type ShimPort struct {
	Port      uint8
	Channel   uint8
	Available bool
}

// Default shim mappings. The hardware wires only these stream ports to the
// shim DMA engines; users can replace them per column with
// ConfigureHostEdgeConstraints.
func defaultHostToFab() []ShimPort {
	return []ShimPort{{Port: 3, Channel: 0, Available: true}, {Port: 7, Channel: 1, Available: true}}
}

func defaultFabToHost() []ShimPort {
	return []ShimPort{{Port: 2, Channel: 0, Available: true}, {Port: 3, Channel: 1, Available: true}}
}

// tile is the per-tile resource record: the free/reserved state of every
// stream port, DMA channel and buffer descriptor, plus the routes that
// originate here.
type tile struct {
	kind fabric.Kind

	// slave[d] and master[d] are the free masks per switch side. The DMA
	// index doubles as the channel masks: slave[DMA] is MM2S, master[DMA]
	// is S2MM.
	slave  [5]PortMask8
	master [5]PortMask8

	// Shim DMA engine channel masks, meaningful on shim tiles only.
	shimMM2S PortMask8
	shimS2MM PortMask8

	bds     BDMask
	bdCount uint8

	autoConfigured bool
	executing      bool

	hostToFab []ShimPort
	fabToHost []ShimPort

	// routes originating at this tile, most recent first.
	routes []*Route
}

// seed resets the record to the power-on state for its kind.
func (t *tile) seed(kind fabric.Kind) {
	*t = tile{kind: kind}
	switch kind {
	case fabric.Shim:
		t.slave = [5]PortMask8{fabric.DMA: 0x3, fabric.South: 0x00, fabric.West: 0xF, fabric.North: 0xF, fabric.East: 0xF}
		t.master = [5]PortMask8{fabric.DMA: 0x3, fabric.South: 0x00, fabric.West: 0xF, fabric.North: 0x3F, fabric.East: 0xF}
		t.shimMM2S = 0x3
		t.shimS2MM = 0x3
		t.bds = 0xFFFF
		t.bdCount = 16
		t.hostToFab = defaultHostToFab()
		t.fabToHost = defaultFabToHost()
	case fabric.Mem:
		t.slave = [5]PortMask8{fabric.DMA: 0x3F, fabric.South: 0x3F, fabric.West: 0x00, fabric.North: 0xF, fabric.East: 0x00}
		t.master = [5]PortMask8{fabric.DMA: 0x3F, fabric.South: 0xF, fabric.West: 0x00, fabric.North: 0x3F, fabric.East: 0x00}
		t.bds = 0xFFFF_FFFF_FFFF
		t.bdCount = 48
	case fabric.Compute:
		t.slave = [5]PortMask8{fabric.DMA: 0x3, fabric.South: 0x3F, fabric.West: 0xF, fabric.North: 0xF, fabric.East: 0xF}
		t.master = [5]PortMask8{fabric.DMA: 0x3, fabric.South: 0xF, fabric.West: 0xF, fabric.North: 0x3F, fabric.East: 0xF}
		t.bds = 0xFFFF
		t.bdCount = 16
	}
}

// allocBD reserves and returns the lowest free buffer descriptor slot.
func (t *tile) allocBD() (uint8, error) {
	id := t.bds.FirstFree()
	if id < 0 || id >= int(t.bdCount) {
		return 0, ErrNoFreeBD
	}
	t.bds.Reserve(uint8(id))
	return uint8(id), nil
}

// freeBD returns a slot to the pool.
func (t *tile) freeBD(id uint8) {
	if id < t.bdCount {
		t.bds.Release(id)
	}
}

// firstFreeShimPort returns the first available entry of the requested shim
// mapping.
func (t *tile) firstFreeShimPort(hostToFab bool) (ShimPort, error) {
	m := t.fabToHost
	if hostToFab {
		m = t.hostToFab
	}
	for _, p := range m {
		if p.Available {
			return p, nil
		}
	}
	return ShimPort{}, ErrNoFreeChannel
}

// markShimPort flips the availability of the mapping entry for port.
func (t *tile) markShimPort(hostToFab bool, port uint8, available bool) {
	m := t.fabToHost
	if hostToFab {
		m = t.hostToFab
	}
	for i := range m {
		if m[i].Port == port {
			m[i].Available = available
		}
	}
}

// shimChannelFor resolves a shim stream port to its DMA channel.
func (t *tile) shimChannelFor(hostToFab bool, port uint8) uint8 {
	m := t.fabToHost
	if hostToFab {
		m = t.hostToFab
	}
	for _, p := range m {
		if p.Port == port {
			return p.Channel
		}
	}
	return 0
}

// findRoute returns the route to destination originating here, or nil.
func (t *tile) findRoute(src, dst fabric.Loc) *Route {
	for _, r := range t.routes {
		if r.Source == src && r.Destination == dst {
			return r
		}
	}
	return nil
}

// insertRoute prepends r to the source tile's list.
func (t *tile) insertRoute(r *Route) {
	t.routes = append([]*Route{r}, t.routes...)
}

// removeRoute detaches and returns the route for the pair, or nil.
func (t *tile) removeRoute(src, dst fabric.Loc) *Route {
	for i, r := range t.routes {
		if r.Source == src && r.Destination == dst {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return r
		}
	}
	return nil
}

func (ri *Instance) tileAt(l fabric.Loc) *tile {
	return &ri.tiles[l.Col][l.Row]
}

func (ri *Instance) checkLoc(l fabric.Loc) error {
	if !ri.layout.Contains(l) {
		return fmt.Errorf("routing: tile %s outside the %dx%d grid", l, ri.layout.NumCols, ri.layout.NumRows)
	}
	return nil
}

func (ri *Instance) isShim(l fabric.Loc) bool {
	return ri.tileAt(l).kind == fabric.Shim
}

func (ri *Instance) isMem(l fabric.Loc) bool {
	return ri.tileAt(l).kind == fabric.Mem
}
