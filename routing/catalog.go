// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package routing

import "tilefab.io/x/tilefab/conn/fabric"

// RouteStep is one tile-local stream switch connection on a programmed
// route: the slave port it enters on and the master port it leaves on.
type RouteStep struct {
	Tile       fabric.Loc
	SlaveDir   fabric.Dir
	SlavePort  uint8
	MasterDir  fabric.Dir
	MasterPort uint8
}

// Route is a programmed path between two tiles.
//
// Steps lists the switch connections in traversal order; it is never empty.
// MM2S names the ingress binding at the source: the MM2S channel on compute
// and memory sources, the shim stream port on shim sources. S2MM names the
// egress binding at the destination the same way.
type Route struct {
	Source      fabric.Loc
	Destination fabric.Loc
	MM2S        uint8
	S2MM        uint8
	Steps       []RouteStep
}

// findRoute looks a programmed route up by pair. Only the source tile's
// catalog entry is authoritative.
func (ri *Instance) findRoute(src, dst fabric.Loc) *Route {
	return ri.tileAt(src).findRoute(src, dst)
}
