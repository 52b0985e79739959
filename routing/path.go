// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package routing

import "tilefab.io/x/tilefab/conn/fabric"

// neighborDirs is the fixed neighbor enumeration order of the finder. It
// also resolves tie-breaks between equal length paths, so it must not
// change.
var neighborDirs = [4]fabric.Dir{fabric.North, fabric.South, fabric.East, fabric.West}

func (ri *Instance) neighbor(l fabric.Loc, d fabric.Dir) (fabric.Loc, bool) {
	switch d {
	case fabric.North:
		l.Row++
	case fabric.South:
		if l.Row == 0 {
			return l, false
		}
		l.Row--
	case fabric.East:
		l.Col++
	case fabric.West:
		if l.Col == 0 {
			return l, false
		}
		l.Col--
	}
	return l, ri.layout.Contains(l)
}

// pairedFree reports whether at least one port index is free on both the
// cur tile's master side in direction d and the neighbor's facing slave
// side. The same routine backs the programmer's port binding so the edge
// check and the reservation cannot drift apart.
func (ri *Instance) pairedFree(cur fabric.Loc, d fabric.Dir, nbr fabric.Loc) int {
	return FirstPairedFree(ri.tileAt(cur).master[d], ri.tileAt(nbr).slave[d.Opposite()])
}

// findPath runs a breadth-first search from src and returns the shortest
// constraint-compatible path to dst, inclusive of both endpoints.
//
// Edge validity is optimistic: an edge is traversable when some port index
// is free on both sides, without binding the index. Equal src and dst yield
// a zero-hop path containing the single tile.
func (ri *Instance) findPath(cons *Constraints, src, dst fabric.Loc) ([]fabric.Loc, error) {
	if src == dst {
		return []fabric.Loc{src}, nil
	}

	cols, rows := int(ri.layout.NumCols), int(ri.layout.NumRows)
	visited := make([]bool, cols*rows)
	pred := make([]fabric.Loc, cols*rows)
	idx := func(l fabric.Loc) int { return int(l.Col)*rows + int(l.Row) }

	queue := make([]fabric.Loc, 0, cols*rows)
	queue = append(queue, src)
	visited[idx(src)] = true

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range neighborDirs {
			nbr, ok := ri.neighbor(cur, d)
			if !ok || visited[idx(nbr)] || cons.blacklisted(nbr) {
				continue
			}
			if ri.pairedFree(cur, d, nbr) < 0 {
				continue
			}
			if nbr == dst {
				pred[idx(nbr)] = cur
				path := ri.walkBack(pred, idx, src, dst)
				if ri.wholePathWhitelisted(cons, path) {
					return path, nil
				}
				// Constraint-incompatible discovery. The
				// destination stays unvisited so a later
				// predecessor can still reach it.
				continue
			}
			visited[idx(nbr)] = true
			pred[idx(nbr)] = cur
			queue = append(queue, nbr)
		}
	}
	return nil, ErrNoPath
}

func (ri *Instance) walkBack(pred []fabric.Loc, idx func(fabric.Loc) int, src, dst fabric.Loc) []fabric.Loc {
	var rev []fabric.Loc
	for at := dst; at != src; at = pred[idx(at)] {
		rev = append(rev, at)
	}
	rev = append(rev, src)
	path := make([]fabric.Loc, len(rev))
	for i, l := range rev {
		path[len(rev)-1-i] = l
	}
	return path
}

func (ri *Instance) wholePathWhitelisted(cons *Constraints, path []fabric.Loc) bool {
	if cons == nil || len(cons.Whitelist) == 0 {
		return true
	}
	for _, l := range path {
		if !cons.whitelisted(l) {
			return false
		}
	}
	return true
}
