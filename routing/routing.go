// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package routing plans, programs and drives stream routes on a tiled
// fabric accelerator.
//
// An Instance owns a per-tile inventory of stream ports, DMA channels and
// buffer descriptors, and a catalog of the routes currently programmed on
// the hardware. Route finds a shortest path between two tiles under user
// constraints and programs the stream switches along it; MoveData performs
// a one-shot DMA transfer along a programmed route; DeRoute tears a route
// down and returns every resource it held.
//
// An Instance is not safe for concurrent use; callers serialize.
package routing

import (
	"fmt"
	"time"

	"tilefab.io/x/tilefab/conn/fabric"
)

// Constraints restricts the paths the finder may return.
type Constraints struct {
	// Blacklist tiles are never entered.
	Blacklist []fabric.Loc
	// Whitelist, when non-empty, requires every tile on the returned path
	// to be listed. It does not require the path to visit every listed
	// tile.
	Whitelist []fabric.Loc
}

func (c *Constraints) blacklisted(l fabric.Loc) bool {
	if c == nil {
		return false
	}
	for _, b := range c.Blacklist {
		if b == l {
			return true
		}
	}
	return false
}

func (c *Constraints) whitelisted(l fabric.Loc) bool {
	for _, w := range c.Whitelist {
		if w == l {
			return true
		}
	}
	return false
}

// Instance is the routing database for one device: the per-tile resource
// table and the route catalog, kept in lock-step with the hardware through
// the backend.
type Instance struct {
	backend fabric.Backend
	layout  fabric.Layout
	// tiles is indexed [col][row].
	tiles [][]tile
}

// New builds the routing database for the device behind b.
//
// Every tile's port, channel and descriptor masks are seeded from its kind.
func New(b fabric.Backend) (*Instance, error) {
	if b == nil {
		return nil, fmt.Errorf("routing: nil backend")
	}
	g := b.Layout()
	if g.NumCols == 0 || g.NumRows == 0 {
		return nil, fmt.Errorf("routing: backend reports an empty %dx%d grid", g.NumCols, g.NumRows)
	}
	ri := &Instance{backend: b, layout: g}
	ri.tiles = make([][]tile, g.NumCols)
	for col := range ri.tiles {
		ri.tiles[col] = make([]tile, g.NumRows)
		for row := range ri.tiles[col] {
			ri.tiles[col][row].seed(g.KindOf(fabric.TileLoc(uint8(col), uint8(row))))
		}
	}
	return ri, nil
}

// Close releases the routing database.
//
// Routes still programmed on the hardware are left in place; call DeRoute
// first to tear them down.
func (ri *Instance) Close() error {
	ri.tiles = nil
	ri.backend = nil
	return nil
}

// Layout returns the grid geometry of the attached device.
func (ri *Instance) Layout() fabric.Layout {
	return ri.layout
}

// SetCoreExecute marks or unmarks a compute tile for Run.
func (ri *Instance) SetCoreExecute(l fabric.Loc, execute bool) error {
	if err := ri.checkLoc(l); err != nil {
		return err
	}
	ri.tileAt(l).executing = execute
	return nil
}

// Run enables every marked compute tile's core, count times over.
//
// The cores are re-enabled with no intervening reset; hardware that has
// finished a prior iteration restarts.
func (ri *Instance) Run(count uint32) error {
	for i := uint32(0); i < count; i++ {
		for col := uint8(0); col < ri.layout.NumCols; col++ {
			for row := uint8(0); row < ri.layout.NumRows; row++ {
				l := fabric.TileLoc(col, row)
				if !ri.tileAt(l).executing {
					continue
				}
				if err := ri.backend.EnableCore(l); err != nil {
					return fmt.Errorf("routing: enabling core %s: %w", l, err)
				}
			}
		}
	}
	return nil
}

// CoreWait blocks until the compute tile's core is idle.
//
// A timeout of 0 polls forever.
func (ri *Instance) CoreWait(l fabric.Loc, timeout time.Duration) error {
	if err := ri.checkLoc(l); err != nil {
		return err
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		done, err := ri.backend.CoreDone(l)
		if err != nil {
			return fmt.Errorf("routing: polling core %s: %w", l, err)
		}
		if done {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("routing: core %s still busy: %w", l, ErrTimeout)
		}
		time.Sleep(fabric.PollInterval)
	}
}

// HostEdgeConstraint replaces the stream-port to DMA-channel mapping of one
// shim column, in one direction.
type HostEdgeConstraint struct {
	Col       uint8
	HostToFab bool
	Ports     []ShimPort
}

// ConfigureHostEdgeConstraints installs custom shim port mappings.
//
// Mappings not mentioned keep their current value.
func (ri *Instance) ConfigureHostEdgeConstraints(cons []HostEdgeConstraint) error {
	for _, c := range cons {
		l := fabric.TileLoc(c.Col, ri.layout.ShimRow)
		if err := ri.checkLoc(l); err != nil {
			return err
		}
		t := ri.tileAt(l)
		ports := make([]ShimPort, len(c.Ports))
		copy(ports, c.Ports)
		if c.HostToFab {
			t.hostToFab = ports
		} else {
			t.fabToHost = ports
		}
	}
	return nil
}

// ResetHostEdgeConstraints restores the default shim port mappings on every
// shim column.
func (ri *Instance) ResetHostEdgeConstraints() {
	for col := uint8(0); col < ri.layout.NumCols; col++ {
		t := ri.tileAt(fabric.TileLoc(col, ri.layout.ShimRow))
		t.hostToFab = defaultHostToFab()
		t.fabToHost = defaultFabToHost()
	}
}
