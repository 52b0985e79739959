// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package routing

import (
	"fmt"

	"tilefab.io/x/tilefab/conn/fabric"
)

// Route finds a shortest constraint-compatible path from src to dst and
// programs the stream switches along it.
//
// On success the route is recorded in the catalog and the compute endpoints
// are marked for Run. On any failure every reservation and switch
// connection made by the call is undone before the error is returned.
func (ri *Instance) Route(cons *Constraints, src, dst fabric.Loc) error {
	if err := ri.checkLoc(src); err != nil {
		return err
	}
	if err := ri.checkLoc(dst); err != nil {
		return err
	}
	if ri.findRoute(src, dst) != nil {
		return fmt.Errorf("routing: %s -> %s: %w", src, dst, ErrDuplicateRoute)
	}

	path, err := ri.findPath(cons, src, dst)
	if err != nil {
		return fmt.Errorf("routing: %s -> %s: %w", src, dst, err)
	}

	r, err := ri.programPath(src, dst, path)
	if err != nil {
		return err
	}
	ri.tileAt(src).insertRoute(r)

	if !ri.isShim(src) && !ri.isMem(src) {
		ri.tileAt(src).executing = true
	}
	if !ri.isShim(dst) && !ri.isMem(dst) {
		ri.tileAt(dst).executing = true
	}
	return nil
}

// programPath walks the path pairwise and emits one switch connection per
// tile, threading the port index chosen at each tile's master side into the
// next tile's slave side.
func (ri *Instance) programPath(src, dst fabric.Loc, path []fabric.Loc) (*Route, error) {
	r := &Route{Source: src, Destination: dst}
	tx := &txn{ri: ri}

	// Ingress binding at the source.
	var inDir fabric.Dir
	var inPort uint8
	if ri.isShim(src) {
		p, err := ri.tileAt(src).firstFreeShimPort(true)
		if err != nil {
			return nil, fmt.Errorf("routing: shim ingress on %s: %w", src, err)
		}
		inDir, inPort = fabric.South, p.Port
	} else {
		free := ri.tileAt(src).slave[fabric.DMA].FirstFree()
		if free < 0 {
			return nil, fmt.Errorf("routing: MM2S channels on %s: %w", src, ErrNoFreeChannel)
		}
		inDir, inPort = fabric.DMA, uint8(free)
	}
	r.MM2S = inPort

	for i, cur := range path {
		last := i == len(path)-1

		var outDir fabric.Dir
		var outPort uint8
		if last {
			// Egress binding at the destination.
			if ri.isShim(cur) {
				p, err := ri.tileAt(cur).firstFreeShimPort(false)
				if err != nil {
					tx.rollback()
					return nil, fmt.Errorf("routing: shim egress on %s: %w", cur, err)
				}
				outDir, outPort = fabric.South, p.Port
			} else {
				free := ri.tileAt(cur).master[fabric.DMA].FirstFree()
				if free < 0 {
					tx.rollback()
					return nil, fmt.Errorf("routing: S2MM channels on %s: %w", cur, ErrNoFreeChannel)
				}
				outDir, outPort = fabric.DMA, uint8(free)
			}
			r.S2MM = outPort
		} else {
			d := dirTo(cur, path[i+1])
			free := ri.pairedFree(cur, d, path[i+1])
			if free < 0 {
				// The finder's edge check was optimistic; the
				// index pool drained while earlier hops bound
				// ports.
				tx.rollback()
				return nil, fmt.Errorf("routing: no pairable port from %s %s: %w", cur, d, ErrPortBusy)
			}
			outDir, outPort = d, uint8(free)
		}

		step := RouteStep{Tile: cur, SlaveDir: inDir, SlavePort: inPort, MasterDir: outDir, MasterPort: outPort}
		if err := tx.connect(step); err != nil {
			tx.rollback()
			return nil, err
		}
		ri.tileAt(cur).autoConfigured = true

		if ri.isShim(cur) && i == 0 {
			if err := ri.backend.EnableShimDmaToFabric(cur, inPort); err != nil {
				tx.rollback()
				return nil, fmt.Errorf("routing: enabling shim ingress %s port %d: %w", cur, inPort, err)
			}
			tx.markShim(cur, true, inPort)
		}
		if ri.isShim(cur) && last {
			if err := ri.backend.EnableFabricToShimDma(cur, outPort); err != nil {
				tx.rollback()
				return nil, fmt.Errorf("routing: enabling shim egress %s port %d: %w", cur, outPort, err)
			}
			tx.markShim(cur, false, outPort)
		}

		r.Steps = append(r.Steps, step)

		// The wire index crosses the junction unchanged.
		inDir, inPort = outDir.Opposite(), outPort
	}
	return r, nil
}

// dirTo returns the direction of travel between two adjacent tiles.
func dirTo(from, to fabric.Loc) fabric.Dir {
	switch {
	case to.Col == from.Col && to.Row > from.Row:
		return fabric.North
	case to.Col == from.Col:
		return fabric.South
	case to.Col > from.Col:
		return fabric.East
	default:
		return fabric.West
	}
}

// txn journals the side effects of one programming call so a mid-path
// failure can be unwound completely.
type txn struct {
	ri    *Instance
	steps []RouteStep
	shims []shimMark
}

type shimMark struct {
	tile      fabric.Loc
	hostToFab bool
	port      uint8
}

// connect enables the switch connection and reserves its two port bits.
func (tx *txn) connect(s RouteStep) error {
	if err := tx.ri.backend.ConnectSwitch(s.Tile, s.SlaveDir, s.SlavePort, s.MasterDir, s.MasterPort); err != nil {
		return fmt.Errorf("routing: connecting %s %s %d -> %s %d: %w", s.Tile, s.SlaveDir, s.SlavePort, s.MasterDir, s.MasterPort, err)
	}
	tx.ri.reserveStep(s)
	tx.steps = append(tx.steps, s)
	return nil
}

func (tx *txn) markShim(tile fabric.Loc, hostToFab bool, port uint8) {
	tx.ri.tileAt(tile).markShimPort(hostToFab, port, false)
	tx.shims = append(tx.shims, shimMark{tile, hostToFab, port})
}

// rollback undoes the journal in reverse order.
func (tx *txn) rollback() {
	for i := len(tx.shims) - 1; i >= 0; i-- {
		m := tx.shims[i]
		tx.ri.tileAt(m.tile).markShimPort(m.hostToFab, m.port, true)
	}
	for i := len(tx.steps) - 1; i >= 0; i-- {
		s := tx.steps[i]
		// Disable is idempotent and tolerant; a failure here cannot be
		// recovered further.
		_ = tx.ri.backend.DisconnectSwitch(s.Tile, s.SlaveDir, s.SlavePort, s.MasterDir, s.MasterPort)
		tx.ri.releaseStep(s)
	}
}

// reserveStep clears the two port bits a step consumes. Shim south ports
// have no mask bits (the fabric does not extend below row 0); their state
// lives in the shim mapping's availability flags.
func (ri *Instance) reserveStep(s RouteStep) {
	t := ri.tileAt(s.Tile)
	if !(t.kind == fabric.Shim && s.SlaveDir == fabric.South) {
		t.slave[s.SlaveDir].Reserve(s.SlavePort)
	}
	if !(t.kind == fabric.Shim && s.MasterDir == fabric.South) {
		t.master[s.MasterDir].Reserve(s.MasterPort)
	}
}

// releaseStep is the inverse of reserveStep.
func (ri *Instance) releaseStep(s RouteStep) {
	t := ri.tileAt(s.Tile)
	if !(t.kind == fabric.Shim && s.SlaveDir == fabric.South) {
		t.slave[s.SlaveDir].Release(s.SlavePort)
	}
	if !(t.kind == fabric.Shim && s.MasterDir == fabric.South) {
		t.master[s.MasterDir].Release(s.MasterPort)
	}
}

// DeRoute tears down the programmed route between src and dst: the switch
// connections are disabled in reverse path order and every port, channel
// and shim mapping entry the route held returns to the free pool.
//
// When clearExec is true the compute endpoints are unmarked for Run.
func (ri *Instance) DeRoute(src, dst fabric.Loc, clearExec bool) error {
	if err := ri.checkLoc(src); err != nil {
		return err
	}
	if err := ri.checkLoc(dst); err != nil {
		return err
	}
	r := ri.tileAt(src).removeRoute(src, dst)
	if r == nil {
		return fmt.Errorf("routing: %s -> %s: %w", src, dst, ErrNoRoute)
	}

	for i := len(r.Steps) - 1; i >= 0; i-- {
		s := r.Steps[i]
		if err := ri.backend.DisconnectSwitch(s.Tile, s.SlaveDir, s.SlavePort, s.MasterDir, s.MasterPort); err != nil {
			// Keep the catalog consistent with what was already
			// undone: the route is re-inserted with the steps that
			// are still programmed, which stay reserved.
			ri.tileAt(src).insertRoute(&Route{Source: src, Destination: dst, MM2S: r.MM2S, S2MM: r.S2MM, Steps: r.Steps[:i+1]})
			return fmt.Errorf("routing: disconnecting %s %s %d -> %s %d: %w", s.Tile, s.SlaveDir, s.SlavePort, s.MasterDir, s.MasterPort, err)
		}
		ri.releaseStep(s)
		if ri.isShim(s.Tile) {
			if i == 0 {
				ri.tileAt(s.Tile).markShimPort(true, s.SlavePort, true)
			}
			if i == len(r.Steps)-1 {
				ri.tileAt(s.Tile).markShimPort(false, s.MasterPort, true)
			}
		}
	}

	if clearExec {
		if !ri.isShim(src) && !ri.isMem(src) {
			ri.tileAt(src).executing = false
		}
		if !ri.isShim(dst) && !ri.isMem(dst) {
			ri.tileAt(dst).executing = false
		}
	}
	return nil
}

// resetDirs is the brute-force disable order of ResetSwitches.
var resetDirs = [5]fabric.Dir{fabric.DMA, fabric.South, fabric.West, fabric.North, fabric.East}

// ResetSwitches force-disables every reserved switch connection on the
// listed tiles without consulting the catalog, bringing the hardware to a
// known clean state. Tiles programmed through Route (auto-configured) are
// skipped; use DeRoute for those.
//
// The sweep emits (slave, master) direction pairs the switch cannot
// express; the backend skips those silently per its contract.
func (ri *Instance) ResetSwitches(tiles []fabric.Loc) error {
	for _, l := range tiles {
		if err := ri.checkLoc(l); err != nil {
			return err
		}
		t := ri.tileAt(l)
		if t.autoConfigured {
			continue
		}
		for _, sd := range resetDirs {
			smask := t.slave[sd]
			if sd == fabric.DMA && t.kind == fabric.Shim {
				smask = t.shimMM2S
			}
			for _, md := range resetDirs {
				mmask := t.master[md]
				if md == fabric.DMA && t.kind == fabric.Shim {
					mmask = t.shimS2MM
				}
				for sp := uint8(0); sp < 8; sp++ {
					if smask.Free(sp) {
						continue
					}
					for mp := uint8(0); mp < 8; mp++ {
						if mmask.Free(mp) {
							continue
						}
						if err := ri.backend.DisconnectSwitch(l, sd, sp, md, mp); err != nil {
							return fmt.Errorf("routing: resetting %s %s %d -> %s %d: %w", l, sd, sp, md, mp, err)
						}
					}
				}
			}
		}
	}
	return nil
}
