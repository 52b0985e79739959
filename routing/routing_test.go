// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package routing

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"tilefab.io/x/tilefab/conn/fabric"
	"tilefab.io/x/tilefab/conn/fabric/fabrictest"
)

// testLayout is the 5x6 reference grid: shim row 0, memory band row 1,
// compute rows above.
var testLayout = fabric.Layout{
	NumCols: 5, NumRows: 6,
	ShimRow:     0,
	MemRowStart: 1, MemNumRows: 1,
	ComputeRowStart: 2, ComputeNumRows: 4,
}

// wideLayout mirrors a production width part for shim egress tests.
var wideLayout = fabric.Layout{
	NumCols: 36, NumRows: 6,
	ShimRow:     0,
	MemRowStart: 1, MemNumRows: 1,
	ComputeRowStart: 2, ComputeNumRows: 4,
}

func newTest(t *testing.T, g fabric.Layout) (*Instance, *fabrictest.Fabric) {
	t.Helper()
	f := fabrictest.New(g, false)
	ri, err := New(f)
	if err != nil {
		t.Fatal(err)
	}
	return ri, f
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*31 + 7)
	}
	return p
}

// tileState is the observable resource state of one tile, for byte-for-byte
// restoration checks.
type tileState struct {
	slave, master        [5]PortMask8
	bds                  BDMask
	hostToFab, fabToHost []ShimPort
}

func snapshot(ri *Instance) [][]tileState {
	out := make([][]tileState, len(ri.tiles))
	for col := range ri.tiles {
		out[col] = make([]tileState, len(ri.tiles[col]))
		for row := range ri.tiles[col] {
			t := &ri.tiles[col][row]
			s := tileState{slave: t.slave, master: t.master, bds: t.bds}
			s.hostToFab = append([]ShimPort(nil), t.hostToFab...)
			s.fabToHost = append([]ShimPort(nil), t.fabToHost...)
			out[col][row] = s
		}
	}
	return out
}

func pathTiles(r *Route) []fabric.Loc {
	var out []fabric.Loc
	for _, s := range r.Steps {
		out = append(out, s.Tile)
	}
	return out
}

func TestRouteComputeToComputeDirect(t *testing.T) {
	ri, f := newTest(t, testLayout)
	src, dst := fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)
	if err := ri.Route(nil, src, dst); err != nil {
		t.Fatal(err)
	}
	r := ri.findRoute(src, dst)
	if r == nil {
		t.Fatal("route not in catalog")
	}
	want := []fabric.Loc{{Col: 2, Row: 3}, {Col: 3, Row: 3}, {Col: 4, Row: 3}}
	if got := pathTiles(r); !reflect.DeepEqual(got, want) {
		t.Fatalf("path = %v; want %v", got, want)
	}
	if r.Steps[0].SlaveDir != fabric.DMA {
		t.Fatalf("first step slave side = %s; want DMA", r.Steps[0].SlaveDir)
	}
	if last := r.Steps[len(r.Steps)-1]; last.MasterDir != fabric.DMA {
		t.Fatalf("last step master side = %s; want DMA", last.MasterDir)
	}

	in := pattern(128)
	if err := f.WriteDataMem(src, 0x2000, in); err != nil {
		t.Fatal(err)
	}
	if err := ri.MoveData(src, fabric.Addressed(0x2000), 128, fabric.Addressed(0x2000), dst); err != nil {
		t.Fatal(err)
	}
	out, err := f.ReadDataMem(dst, 0x2000, 128)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("data mismatch after move")
	}
	if err := ri.RouteDmaWait(src, dst, true, time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestRouteComputeToComputeHop(t *testing.T) {
	ri, f := newTest(t, testLayout)
	a, b, c := fabric.TileLoc(2, 3), fabric.TileLoc(3, 3), fabric.TileLoc(4, 3)
	if err := ri.Route(nil, a, b); err != nil {
		t.Fatal(err)
	}
	if err := ri.Route(nil, b, c); err != nil {
		t.Fatal(err)
	}
	in := pattern(128)
	if err := f.WriteDataMem(a, 0x2000, in); err != nil {
		t.Fatal(err)
	}
	if err := ri.MoveData(a, fabric.Addressed(0x2000), 128, fabric.Addressed(0x2000), b); err != nil {
		t.Fatal(err)
	}
	if err := ri.MoveData(b, fabric.Addressed(0x2000), 128, fabric.Addressed(0x2000), c); err != nil {
		t.Fatal(err)
	}
	out, err := f.ReadDataMem(c, 0x2000, 128)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("data mismatch after two hop move")
	}
}

func TestRouteLoopback(t *testing.T) {
	ri, f := newTest(t, testLayout)
	a, b := fabric.TileLoc(2, 3), fabric.TileLoc(3, 3)
	if err := ri.Route(nil, a, b); err != nil {
		t.Fatal(err)
	}
	if err := ri.Route(nil, b, a); err != nil {
		t.Fatal(err)
	}
	in := pattern(128)
	if err := f.WriteDataMem(a, 0x2000, in); err != nil {
		t.Fatal(err)
	}
	if err := ri.MoveData(a, fabric.Addressed(0x2000), 128, fabric.Addressed(0x2000), b); err != nil {
		t.Fatal(err)
	}
	if err := ri.MoveData(b, fabric.Addressed(0x2000), 128, fabric.Addressed(0x1000), a); err != nil {
		t.Fatal(err)
	}
	out, err := f.ReadDataMem(a, 0x1000, 128)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("data mismatch after loopback")
	}
}

func TestRouteShimToCompute(t *testing.T) {
	ri, f := newTest(t, testLayout)
	src, dst := fabric.TileLoc(2, 0), fabric.TileLoc(4, 4)
	if err := ri.Route(nil, src, dst); err != nil {
		t.Fatal(err)
	}
	r := ri.findRoute(src, dst)
	if r.Steps[0].SlaveDir != fabric.South {
		t.Fatalf("shim ingress slave side = %s; want SOUTH", r.Steps[0].SlaveDir)
	}
	if r.MM2S != 3 {
		t.Fatalf("shim ingress bound port %d; want default port 3", r.MM2S)
	}

	in := pattern(128)
	m, err := f.AllocMem(128)
	if err != nil {
		t.Fatal(err)
	}
	copy(m.Bytes(), in)
	m.SyncForDev()
	if err := ri.MoveData(src, fabric.Backed(m), 128, fabric.Addressed(0x2000), dst); err != nil {
		t.Fatal(err)
	}
	out, err := f.ReadDataMem(dst, 0x2000, 128)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("data mismatch after shim to compute move")
	}
}

func TestRouteComputeToShim(t *testing.T) {
	ri, f := newTest(t, wideLayout)
	src, dst := fabric.TileLoc(4, 4), fabric.TileLoc(35, 0)
	if err := ri.Route(nil, src, dst); err != nil {
		t.Fatal(err)
	}
	r := ri.findRoute(src, dst)
	if last := r.Steps[len(r.Steps)-1]; last.MasterDir != fabric.South {
		t.Fatalf("shim egress master side = %s; want SOUTH", last.MasterDir)
	}
	if r.S2MM != 2 {
		t.Fatalf("shim egress bound port %d; want default port 2", r.S2MM)
	}

	in := pattern(128)
	if err := f.WriteDataMem(src, 0x2000, in); err != nil {
		t.Fatal(err)
	}
	m, err := f.AllocMem(128)
	if err != nil {
		t.Fatal(err)
	}
	if err := ri.MoveData(src, fabric.Addressed(0x2000), 128, fabric.Backed(m), dst); err != nil {
		t.Fatal(err)
	}
	m.SyncForCPU()
	if !bytes.Equal(in, m.Bytes()[:128]) {
		t.Fatal("data mismatch after compute to shim move")
	}
}

func TestRouteBlacklistDetours(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	src, dst := fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)
	cons := &Constraints{Blacklist: []fabric.Loc{{Col: 3, Row: 3}}}
	if err := ri.Route(cons, src, dst); err != nil {
		t.Fatal(err)
	}
	r := ri.findRoute(src, dst)
	for _, l := range pathTiles(r) {
		if l == (fabric.Loc{Col: 3, Row: 3}) {
			t.Fatal("path enters the blacklisted tile")
		}
	}
	// North is enumerated first, so the detour goes over row 4.
	want := []fabric.Loc{{Col: 2, Row: 3}, {Col: 2, Row: 4}, {Col: 3, Row: 4}, {Col: 4, Row: 4}, {Col: 4, Row: 3}}
	if got := pathTiles(r); !reflect.DeepEqual(got, want) {
		t.Fatalf("path = %v; want %v", got, want)
	}
}

func TestRouteWhitelist(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	src, dst := fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)
	white := []fabric.Loc{{Col: 2, Row: 3}, {Col: 2, Row: 4}, {Col: 3, Row: 4}, {Col: 4, Row: 4}, {Col: 4, Row: 3}}
	if err := ri.Route(&Constraints{Whitelist: white}, src, dst); err != nil {
		t.Fatal(err)
	}
	r := ri.findRoute(src, dst)
	for _, l := range pathTiles(r) {
		ok := false
		for _, w := range white {
			if w == l {
				ok = true
				break
			}
		}
		if !ok {
			t.Fatalf("path tile %s is not whitelisted", l)
		}
	}
}

func TestRouteNoPath(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	src, dst := fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)
	// Wall the destination column off.
	cons := &Constraints{Blacklist: []fabric.Loc{
		{Col: 3, Row: 0}, {Col: 3, Row: 1}, {Col: 3, Row: 2}, {Col: 3, Row: 3}, {Col: 3, Row: 4}, {Col: 3, Row: 5},
	}}
	err := ri.Route(cons, src, dst)
	if !errors.Is(err, ErrNoPath) {
		t.Fatalf("err = %v; want ErrNoPath", err)
	}
}

func TestRouteDuplicate(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	src, dst := fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)
	if err := ri.Route(nil, src, dst); err != nil {
		t.Fatal(err)
	}
	if err := ri.Route(nil, src, dst); !errors.Is(err, ErrDuplicateRoute) {
		t.Fatalf("err = %v; want ErrDuplicateRoute", err)
	}
}

func TestDeRouteRestoresState(t *testing.T) {
	for _, tc := range []struct {
		name     string
		src, dst fabric.Loc
	}{
		{"compute", fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)},
		{"shim source", fabric.TileLoc(2, 0), fabric.TileLoc(4, 4)},
		{"through mem band", fabric.TileLoc(2, 0), fabric.TileLoc(2, 2)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ri, f := newTest(t, testLayout)
			before := snapshot(ri)
			if err := ri.Route(nil, tc.src, tc.dst); err != nil {
				t.Fatal(err)
			}
			if reflect.DeepEqual(before, snapshot(ri)) {
				t.Fatal("route reserved nothing")
			}
			if err := ri.DeRoute(tc.src, tc.dst, true); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(before, snapshot(ri)) {
				t.Fatal("deroute did not restore the resource state")
			}
			if ri.findRoute(tc.src, tc.dst) != nil {
				t.Fatal("route still in catalog")
			}
			// Every switch connection made must be gone again.
			if n := f.Connections(); n != 0 {
				t.Fatalf("%d switch connections left programmed", n)
			}
		})
	}
}

func TestDeRouteNotFound(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	err := ri.DeRoute(fabric.TileLoc(2, 3), fabric.TileLoc(4, 3), false)
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v; want ErrNoRoute", err)
	}
}

func TestRouteStepBitsReserved(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	src, dst := fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)
	if err := ri.Route(nil, src, dst); err != nil {
		t.Fatal(err)
	}
	r := ri.findRoute(src, dst)
	for _, s := range r.Steps {
		tl := ri.tileAt(s.Tile)
		if tl.slave[s.SlaveDir].Free(s.SlavePort) {
			t.Fatalf("%s slave %s %d still free", s.Tile, s.SlaveDir, s.SlavePort)
		}
		if tl.master[s.MasterDir].Free(s.MasterPort) {
			t.Fatalf("%s master %s %d still free", s.Tile, s.MasterDir, s.MasterPort)
		}
	}
	if err := ri.DeRoute(src, dst, false); err != nil {
		t.Fatal(err)
	}
	for _, s := range r.Steps {
		tl := ri.tileAt(s.Tile)
		if !tl.slave[s.SlaveDir].Free(s.SlavePort) {
			t.Fatalf("%s slave %s %d still reserved", s.Tile, s.SlaveDir, s.SlavePort)
		}
		if !tl.master[s.MasterDir].Free(s.MasterPort) {
			t.Fatalf("%s master %s %d still reserved", s.Tile, s.MasterDir, s.MasterPort)
		}
	}
}

func TestRouteZeroHop(t *testing.T) {
	ri, f := newTest(t, testLayout)
	l := fabric.TileLoc(2, 3)
	if err := ri.Route(nil, l, l); err != nil {
		t.Fatal(err)
	}
	r := ri.findRoute(l, l)
	if len(r.Steps) != 1 {
		t.Fatalf("%d steps; want 1 local step", len(r.Steps))
	}
	s := r.Steps[0]
	if s.SlaveDir != fabric.DMA || s.MasterDir != fabric.DMA {
		t.Fatalf("local step = %+v; want DMA to DMA", s)
	}
	in := pattern(64)
	if err := f.WriteDataMem(l, 0x2000, in); err != nil {
		t.Fatal(err)
	}
	if err := ri.MoveData(l, fabric.Addressed(0x2000), 64, fabric.Addressed(0x3000), l); err != nil {
		t.Fatal(err)
	}
	out, err := f.ReadDataMem(l, 0x3000, 64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("data mismatch after local move")
	}
}

func TestMoveDataNoRoute(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	err := ri.MoveData(fabric.TileLoc(2, 3), fabric.Addressed(0x2000), 64, fabric.Addressed(0x2000), fabric.TileLoc(4, 3))
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v; want ErrNoRoute", err)
	}
}

func TestMoveDataReturnsDescriptors(t *testing.T) {
	ri, f := newTest(t, testLayout)
	src, dst := fabric.TileLoc(2, 3), fabric.TileLoc(3, 3)
	if err := ri.Route(nil, src, dst); err != nil {
		t.Fatal(err)
	}
	wantSrc, wantDst := ri.tileAt(src).bds, ri.tileAt(dst).bds
	if err := f.WriteDataMem(src, 0x2000, pattern(32)); err != nil {
		t.Fatal(err)
	}
	if err := ri.MoveData(src, fabric.Addressed(0x2000), 32, fabric.Addressed(0x2000), dst); err != nil {
		t.Fatal(err)
	}
	if ri.tileAt(src).bds != wantSrc || ri.tileAt(dst).bds != wantDst {
		t.Fatal("buffer descriptors leaked")
	}
}

func TestRouteRollbackOnExhaustion(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	dst := fabric.TileLoc(4, 3)
	// Drain both S2MM channels of the destination.
	if err := ri.Route(nil, fabric.TileLoc(3, 3), dst); err != nil {
		t.Fatal(err)
	}
	if err := ri.Route(nil, fabric.TileLoc(4, 4), dst); err != nil {
		t.Fatal(err)
	}
	before := snapshot(ri)
	err := ri.Route(nil, fabric.TileLoc(2, 3), dst)
	if !errors.Is(err, ErrNoFreeChannel) {
		t.Fatalf("err = %v; want ErrNoFreeChannel", err)
	}
	if !reflect.DeepEqual(before, snapshot(ri)) {
		t.Fatal("failed route left reservations behind")
	}
	if ri.findRoute(fabric.TileLoc(2, 3), dst) != nil {
		t.Fatal("failed route entered the catalog")
	}
}

func TestRoutesReveal(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	src, dst := fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)
	if err := ri.Route(nil, src, dst); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := ri.RoutesReveal(&buf, src, dst); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "step 0: (2,3)") {
		t.Fatalf("reveal output misses the source step:\n%s", out)
	}
	if err := ri.RoutesReveal(&buf, dst, src); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v; want ErrNoRoute", err)
	}
}

func TestDumpSwitchInfo(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	if err := ri.Route(nil, fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := ri.DumpSwitchInfo(&buf, []fabric.Loc{{Col: 2, Row: 3}, {Col: 2, Row: 0}}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Tile(2,3)", "Route (2,3) -> (4,3)", "ShimMM2S"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump misses %q:\n%s", want, out)
		}
	}
}

func TestRunAndCoreWait(t *testing.T) {
	ri, f := newTest(t, testLayout)
	l := fabric.TileLoc(2, 2)
	if err := ri.SetCoreExecute(l, true); err != nil {
		t.Fatal(err)
	}
	if err := ri.Run(3); err != nil {
		t.Fatal(err)
	}
	enables := 0
	for _, op := range f.Ops {
		if strings.HasPrefix(op, "EnableCore((2,2))") {
			enables++
		}
	}
	if enables != 3 {
		t.Fatalf("core enabled %d times; want 3", enables)
	}
	if err := ri.CoreWait(l, time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestRouteMarksEndpointsExecutable(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	src, dst := fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)
	if err := ri.Route(nil, src, dst); err != nil {
		t.Fatal(err)
	}
	if !ri.tileAt(src).executing || !ri.tileAt(dst).executing {
		t.Fatal("compute endpoints not marked executable")
	}
	if err := ri.DeRoute(src, dst, true); err != nil {
		t.Fatal(err)
	}
	if ri.tileAt(src).executing || ri.tileAt(dst).executing {
		t.Fatal("deroute did not clear the execute marks")
	}
}

func TestConfigureHostEdgeConstraints(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	err := ri.ConfigureHostEdgeConstraints([]HostEdgeConstraint{{
		Col:       2,
		HostToFab: true,
		Ports:     []ShimPort{{Port: 6, Channel: 0, Available: true}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	src, dst := fabric.TileLoc(2, 0), fabric.TileLoc(2, 3)
	if err := ri.Route(nil, src, dst); err != nil {
		t.Fatal(err)
	}
	if r := ri.findRoute(src, dst); r.MM2S != 6 {
		t.Fatalf("shim ingress bound port %d; want configured port 6", r.MM2S)
	}
	if err := ri.DeRoute(src, dst, false); err != nil {
		t.Fatal(err)
	}
	ri.ResetHostEdgeConstraints()
	if err := ri.Route(nil, src, dst); err != nil {
		t.Fatal(err)
	}
	if r := ri.findRoute(src, dst); r.MM2S != 3 {
		t.Fatalf("shim ingress bound port %d; want default port 3", r.MM2S)
	}
}

func TestResetSwitches(t *testing.T) {
	ri, f := newTest(t, testLayout)
	l := fabric.TileLoc(2, 2)
	// Hand-reserve a connection the catalog does not know about.
	ri.tileAt(l).slave[fabric.North].Reserve(1)
	ri.tileAt(l).master[fabric.East].Reserve(2)
	if err := ri.ResetSwitches([]fabric.Loc{l}); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, op := range f.Ops {
		if op == "DisconnectSwitch((2,2), NORTH, 1, EAST, 2)" {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("brute force sweep missed the reserved combination")
	}

	// Tiles programmed through Route are skipped.
	if err := ri.Route(nil, fabric.TileLoc(2, 3), fabric.TileLoc(4, 3)); err != nil {
		t.Fatal(err)
	}
	f.Ops = nil
	if err := ri.ResetSwitches([]fabric.Loc{{Col: 2, Row: 3}}); err != nil {
		t.Fatal(err)
	}
	if len(f.Ops) != 0 {
		t.Fatalf("auto-configured tile was swept: %v", f.Ops)
	}
}

func TestInvalidArguments(t *testing.T) {
	ri, _ := newTest(t, testLayout)
	bad := fabric.TileLoc(9, 9)
	if err := ri.Route(nil, bad, fabric.TileLoc(2, 3)); err == nil {
		t.Fatal("out of grid source accepted")
	}
	if err := ri.DeRoute(fabric.TileLoc(2, 3), bad, false); err == nil {
		t.Fatal("out of grid destination accepted")
	}
	if err := ri.SetCoreExecute(bad, true); err == nil {
		t.Fatal("out of grid tile accepted")
	}
	if _, err := New(nil); err == nil {
		t.Fatal("nil backend accepted")
	}
}
