// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package routing

import (
	"fmt"
	"io"

	"tilefab.io/x/tilefab/conn/fabric"
)

// RoutesReveal writes the programmed route between src and dst to w: the
// path drawn on the grid, followed by the per-tile switch steps.
func (ri *Instance) RoutesReveal(w io.Writer, src, dst fabric.Loc) error {
	if err := ri.checkLoc(src); err != nil {
		return err
	}
	if err := ri.checkLoc(dst); err != nil {
		return err
	}
	r := ri.findRoute(src, dst)
	if r == nil {
		return fmt.Errorf("routing: %s -> %s: %w", src, dst, ErrNoRoute)
	}

	rows, cols := int(ri.layout.NumRows), int(ri.layout.NumCols)
	grid := make([][]byte, rows)
	for i := range grid {
		grid[i] = make([]byte, cols)
		for j := range grid[i] {
			grid[i][j] = '.'
		}
	}
	for _, s := range r.Steps {
		grid[rows-1-int(s.Tile.Row)][s.Tile.Col] = '*'
	}
	grid[rows-1-int(src.Row)][src.Col] = 'S'
	grid[rows-1-int(dst.Row)][dst.Col] = 'D'

	fmt.Fprintf(w, "Route %s -> %s, MM2S %d, S2MM %d\n", src, dst, r.MM2S, r.S2MM)
	fmt.Fprint(w, " +")
	for c := 0; c < cols; c++ {
		fmt.Fprint(w, "--")
	}
	fmt.Fprint(w, "+\n")
	for _, row := range grid {
		fmt.Fprint(w, " | ")
		for _, m := range row {
			fmt.Fprintf(w, "%c ", m)
		}
		fmt.Fprint(w, "|\n")
	}
	fmt.Fprint(w, " +")
	for c := 0; c < cols; c++ {
		fmt.Fprint(w, "--")
	}
	fmt.Fprint(w, "+\n")

	for i, s := range r.Steps {
		fmt.Fprintf(w, " step %d: %s %s %d -> %s %d\n", i, s.Tile, s.SlaveDir, s.SlavePort, s.MasterDir, s.MasterPort)
	}
	return nil
}

// DumpSwitchInfo writes the resource and routing state of the listed tiles
// to w.
func (ri *Instance) DumpSwitchInfo(w io.Writer, tiles []fabric.Loc) error {
	for _, l := range tiles {
		if err := ri.checkLoc(l); err != nil {
			return err
		}
		t := ri.tileAt(l)
		fmt.Fprintf(w, "*********************************************\n")
		fmt.Fprintf(w, "Tile%s:\n", l)
		fmt.Fprintf(w, "\tautoConfigured: %t\n", t.autoConfigured)
		fmt.Fprintf(w, "\tMM2S: %s\n", t.slave[fabric.DMA])
		fmt.Fprintf(w, "\tS2MM: %s\n", t.master[fabric.DMA])
		if t.kind == fabric.Shim {
			fmt.Fprintf(w, "\tShimMM2S: %s\n", t.shimMM2S)
			fmt.Fprintf(w, "\tShimS2MM: %s\n", t.shimS2MM)
		}
		fmt.Fprintf(w, "\tBDs: %s\n", t.bds.string(int(t.bdCount)))
		for _, d := range [4]fabric.Dir{fabric.East, fabric.West, fabric.South, fabric.North} {
			fmt.Fprintf(w, "\tSlave%s: %s\n", d, t.slave[d])
		}
		for _, d := range [4]fabric.Dir{fabric.East, fabric.West, fabric.South, fabric.North} {
			fmt.Fprintf(w, "\tMaster%s: %s\n", d, t.master[d])
		}
		fmt.Fprintf(w, "\texecuting: %t\n", t.executing)
		for _, r := range t.routes {
			fmt.Fprintf(w, "\tRoute %s -> %s, MM2S %d, S2MM %d\n", r.Source, r.Destination, r.MM2S, r.S2MM)
			for i, s := range r.Steps {
				fmt.Fprintf(w, "\t  step %d: %s %s %d -> %s %d\n", i, s.Tile, s.SlaveDir, s.SlavePort, s.MasterDir, s.MasterPort)
			}
		}
		fmt.Fprintf(w, "*********************************************\n")
	}
	return nil
}

// DumpTileState writes one tile's resource record to w in a JSON-like
// shape.
func (ri *Instance) DumpTileState(w io.Writer, l fabric.Loc) error {
	if err := ri.checkLoc(l); err != nil {
		return err
	}
	t := ri.tileAt(l)
	fmt.Fprintf(w, "{\n")
	fmt.Fprintf(w, "  \"col\": %d,\n", l.Col)
	fmt.Fprintf(w, "  \"row\": %d,\n", l.Row)
	fmt.Fprintf(w, "  \"kind\": %q,\n", t.kind)
	fmt.Fprintf(w, "  \"mm2s\": %q,\n", t.slave[fabric.DMA])
	fmt.Fprintf(w, "  \"s2mm\": %q,\n", t.master[fabric.DMA])
	fmt.Fprintf(w, "  \"bds\": %q,\n", t.bds.string(int(t.bdCount)))
	for _, d := range [4]fabric.Dir{fabric.East, fabric.West, fabric.South, fabric.North} {
		fmt.Fprintf(w, "  \"slave%s\": %q,\n", d, t.slave[d])
	}
	for _, d := range [4]fabric.Dir{fabric.East, fabric.West, fabric.South, fabric.North} {
		fmt.Fprintf(w, "  \"master%s\": %q,\n", d, t.master[d])
	}
	fmt.Fprintf(w, "  \"routes\": %d\n", len(t.routes))
	fmt.Fprintf(w, "}\n")
	return nil
}

// DumpAllTiles writes every tile's resource record to w.
func (ri *Instance) DumpAllTiles(w io.Writer) error {
	for row := uint8(0); row < ri.layout.NumRows; row++ {
		for col := uint8(0); col < ri.layout.NumCols; col++ {
			if err := ri.DumpTileState(w, fabric.TileLoc(col, row)); err != nil {
				return err
			}
		}
	}
	return nil
}
