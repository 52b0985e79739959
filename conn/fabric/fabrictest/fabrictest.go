// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fabrictest implements a fake fabric backend.
//
// The fake keeps per-tile data memories and the set of programmed switch
// connections. A DMA transfer completes only if an unbroken chain of switch
// connections leads from the source tile's DMA ingress to the destination
// tile's DMA egress, so tests exercise the same programming a real device
// would require. Switch, shim bridge, descriptor, channel and core calls,
// and the transfers they trigger, are journaled in Ops for sequence
// assertions; register and data memory accesses are not.
package fabrictest

import (
	"fmt"
	"sync"

	"tilefab.io/x/tilefab/conn/fabric"
)

// DataMemSize is the size of each tile's simulated data memory.
const DataMemSize = 0x10000

type connKey struct {
	tile       fabric.Loc
	slaveDir   fabric.Dir
	slavePort  uint8
	masterDir  fabric.Dir
	masterPort uint8
}

type bdKey struct {
	tile fabric.Loc
	id   uint8
}

type chKey struct {
	tile fabric.Loc
	ch   uint8
	dir  fabric.DmaDir
}

// Fabric is a fake fabric.Backend backed by in-process state.
type Fabric struct {
	mu sync.Mutex

	layout fabric.Layout
	raw    bool

	regs    map[uint64]uint32
	mem     map[fabric.Loc][]byte
	conns   map[connKey]struct{}
	bds     map[bdKey]fabric.BD
	pending map[chKey][]uint8
	enabled map[chKey]struct{}
	// shim bridge ports currently enabled, per tile.
	shimIn  map[fabric.Loc]map[uint8]struct{} // host DMA → fabric
	shimOut map[fabric.Loc]map[uint8]struct{} // fabric → host DMA

	coreRunning map[fabric.Loc]int
	rawHost     map[uint64][]byte

	// Ops journals switch, shim bridge, descriptor, channel and core calls
	// and completed transfers in call order. Write32, BlockWrite32 and
	// WriteDataMem are not journaled.
	Ops []string
}

// New returns a fake fabric with the given geometry.
//
// raw selects the shim addressing convention reported by RawAddressing.
func New(layout fabric.Layout, raw bool) *Fabric {
	return &Fabric{
		layout:      layout,
		raw:         raw,
		regs:        map[uint64]uint32{},
		mem:         map[fabric.Loc][]byte{},
		conns:       map[connKey]struct{}{},
		bds:         map[bdKey]fabric.BD{},
		pending:     map[chKey][]uint8{},
		enabled:     map[chKey]struct{}{},
		shimIn:      map[fabric.Loc]map[uint8]struct{}{},
		shimOut:     map[fabric.Loc]map[uint8]struct{}{},
		coreRunning: map[fabric.Loc]int{},
	}
}

func (f *Fabric) String() string {
	return "fabrictest"
}

// Layout implements fabric.Backend.
func (f *Fabric) Layout() fabric.Layout {
	return f.layout
}

func (f *Fabric) logf(format string, args ...interface{}) {
	f.Ops = append(f.Ops, fmt.Sprintf(format, args...))
}

// Write32 implements fabric.Backend.
func (f *Fabric) Write32(addr uint64, val uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[addr] = val
	return nil
}

// Read32 implements fabric.Backend.
func (f *Fabric) Read32(addr uint64) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[addr], nil
}

// BlockWrite32 implements fabric.Backend.
func (f *Fabric) BlockWrite32(addr uint64, data []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range data {
		f.regs[addr+uint64(4*i)] = w
	}
	return nil
}

// BlockRead32 implements fabric.Backend.
func (f *Fabric) BlockRead32(addr uint64, n int) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, n)
	for i := range out {
		out[i] = f.regs[addr+uint64(4*i)]
	}
	return out, nil
}

func (f *Fabric) tileMem(tile fabric.Loc) []byte {
	m, ok := f.mem[tile]
	if !ok {
		m = make([]byte, DataMemSize)
		f.mem[tile] = m
	}
	return m
}

// WriteDataMem implements fabric.Backend.
func (f *Fabric) WriteDataMem(tile fabric.Loc, addr uint64, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.layout.Contains(tile) {
		return fmt.Errorf("fabrictest: tile %s out of grid", tile)
	}
	if addr+uint64(len(p)) > DataMemSize {
		return fmt.Errorf("fabrictest: write of %d bytes at %#x exceeds data memory", len(p), addr)
	}
	copy(f.tileMem(tile)[addr:], p)
	return nil
}

// ReadDataMem implements fabric.Backend.
func (f *Fabric) ReadDataMem(tile fabric.Loc, addr uint64, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.layout.Contains(tile) {
		return nil, fmt.Errorf("fabrictest: tile %s out of grid", tile)
	}
	if addr+uint64(n) > DataMemSize {
		return nil, fmt.Errorf("fabrictest: read of %d bytes at %#x exceeds data memory", n, addr)
	}
	out := make([]byte, n)
	copy(out, f.tileMem(tile)[addr:])
	return out, nil
}

// ConnectSwitch implements fabric.Backend.
func (f *Fabric) ConnectSwitch(tile fabric.Loc, slaveDir fabric.Dir, slavePort uint8, masterDir fabric.Dir, masterPort uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.layout.Contains(tile) {
		return fmt.Errorf("fabrictest: tile %s out of grid", tile)
	}
	f.logf("ConnectSwitch(%s, %s, %d, %s, %d)", tile, slaveDir, slavePort, masterDir, masterPort)
	f.conns[connKey{tile, slaveDir, slavePort, masterDir, masterPort}] = struct{}{}
	return nil
}

// DisconnectSwitch implements fabric.Backend.
//
// Unknown or inexpressible combinations are ignored, matching the contract.
func (f *Fabric) DisconnectSwitch(tile fabric.Loc, slaveDir fabric.Dir, slavePort uint8, masterDir fabric.Dir, masterPort uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logf("DisconnectSwitch(%s, %s, %d, %s, %d)", tile, slaveDir, slavePort, masterDir, masterPort)
	delete(f.conns, connKey{tile, slaveDir, slavePort, masterDir, masterPort})
	return nil
}

// Connected reports whether a switch connection is currently programmed.
func (f *Fabric) Connected(tile fabric.Loc, slaveDir fabric.Dir, slavePort uint8, masterDir fabric.Dir, masterPort uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.conns[connKey{tile, slaveDir, slavePort, masterDir, masterPort}]
	return ok
}

// Connections returns the number of programmed switch connections.
func (f *Fabric) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// EnableShimDmaToFabric implements fabric.Backend.
func (f *Fabric) EnableShimDmaToFabric(tile fabric.Loc, port uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.layout.KindOf(tile) != fabric.Shim {
		return fmt.Errorf("fabrictest: %s is not a shim tile", tile)
	}
	f.logf("EnableShimDmaToFabric(%s, %d)", tile, port)
	m, ok := f.shimIn[tile]
	if !ok {
		m = map[uint8]struct{}{}
		f.shimIn[tile] = m
	}
	m[port] = struct{}{}
	return nil
}

// EnableFabricToShimDma implements fabric.Backend.
func (f *Fabric) EnableFabricToShimDma(tile fabric.Loc, port uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.layout.KindOf(tile) != fabric.Shim {
		return fmt.Errorf("fabrictest: %s is not a shim tile", tile)
	}
	f.logf("EnableFabricToShimDma(%s, %d)", tile, port)
	m, ok := f.shimOut[tile]
	if !ok {
		m = map[uint8]struct{}{}
		f.shimOut[tile] = m
	}
	m[port] = struct{}{}
	return nil
}

// WriteBD implements fabric.Backend.
func (f *Fabric) WriteBD(tile fabric.Loc, bd fabric.BD, id uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !bd.Valid {
		return fmt.Errorf("fabrictest: descriptor %d on %s written without enable", id, tile)
	}
	f.logf("WriteBD(%s, %d, len=%d)", tile, id, bd.Len)
	f.bds[bdKey{tile, id}] = bd
	return nil
}

// PushBD implements fabric.Backend.
func (f *Fabric) PushBD(tile fabric.Loc, channel uint8, dir fabric.DmaDir, id uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bds[bdKey{tile, id}]; !ok {
		return fmt.Errorf("fabrictest: descriptor %d on %s pushed before being written", id, tile)
	}
	f.logf("PushBD(%s, %d, %s, %d)", tile, channel, dir, id)
	k := chKey{tile, channel, dir}
	f.pending[k] = append(f.pending[k], id)
	return nil
}

// EnableChannel implements fabric.Backend.
//
// Once both sides of a transfer are enabled the copy happens synchronously.
// An enabled MM2S channel with pending descriptors and no unbroken switch
// path to a DMA egress is an error, even before the S2MM side is enabled.
func (f *Fabric) EnableChannel(tile fabric.Loc, channel uint8, dir fabric.DmaDir) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logf("EnableChannel(%s, %d, %s)", tile, channel, dir)
	f.enabled[chKey{tile, channel, dir}] = struct{}{}
	return f.drain()
}

// PendingBDs implements fabric.Backend.
func (f *Fabric) PendingBDs(tile fabric.Loc, channel uint8, dir fabric.DmaDir) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint8(len(f.pending[chKey{tile, channel, dir}])), nil
}

// EnableCore implements fabric.Backend.
func (f *Fabric) EnableCore(tile fabric.Loc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.layout.KindOf(tile) != fabric.Compute {
		return fmt.Errorf("fabrictest: %s has no core", tile)
	}
	f.logf("EnableCore(%s)", tile)
	f.coreRunning[tile]++
	return nil
}

// CoreDone implements fabric.Backend.
//
// A fake core "runs" for one CoreDone poll per EnableCore call, so wait
// loops observe at least one busy reading.
func (f *Fabric) CoreDone(tile fabric.Loc) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.coreRunning[tile] > 0 {
		f.coreRunning[tile]--
		return false, nil
	}
	return true, nil
}

// RawAddressing implements fabric.Backend.
func (f *Fabric) RawAddressing() bool {
	return f.raw
}

// AllocMem implements fabric.MemAllocator.
func (f *Fabric) AllocMem(size int) (fabric.Mem, error) {
	return &hostMem{buf: make([]byte, size), addr: 0xC000_0000 + uint64(size)}, nil
}

// drain completes every transfer whose MM2S and S2MM sides are both enabled
// with pending descriptors and whose endpoints are joined by programmed
// switch connections. Callers hold f.mu.
func (f *Fabric) drain() error {
	for {
		moved := false
		for src := range f.enabled {
			if src.dir != fabric.MM2S || len(f.pending[src]) == 0 {
				continue
			}
			dst, shimDst, err := f.trace(src)
			if err != nil {
				return err
			}
			if shimDst {
				// The fake cannot see the shim port→channel
				// mapping; match any armed S2MM channel on the
				// egress tile.
				found := false
				for k := range f.enabled {
					if k.tile == dst.tile && k.dir == fabric.S2MM && len(f.pending[k]) > 0 {
						dst, found = k, true
						break
					}
				}
				if !found {
					continue
				}
			}
			if _, ok := f.enabled[dst]; !ok || len(f.pending[dst]) == 0 {
				continue
			}
			if err := f.copyOne(src, dst); err != nil {
				return err
			}
			moved = true
		}
		if !moved {
			return nil
		}
	}
}

// trace follows switch connections from an MM2S ingress to the DMA egress
// that terminates it. For non-shim egress it returns the S2MM channel key;
// for shim egress the returned key names the stream port and shimDst is
// true.
func (f *Fabric) trace(src chKey) (dst chKey, shimDst bool, err error) {
	tile := src.tile
	var slaveDir fabric.Dir
	var slavePort uint8
	if f.layout.KindOf(tile) == fabric.Shim {
		// Host ingress arrives on the south side through the shim
		// bridge; the bridge enable names the stream port.
		slaveDir = fabric.South
		found := false
		for p := range f.shimIn[tile] {
			if f.hasConnFrom(tile, fabric.South, p) {
				slavePort, found = p, true
				break
			}
		}
		if !found {
			return chKey{}, false, fmt.Errorf("fabrictest: no shim ingress programmed on %s", tile)
		}
	} else {
		slaveDir = fabric.DMA
		slavePort = src.ch
	}

	for hop := 0; hop < int(f.layout.NumCols)*int(f.layout.NumRows)+1; hop++ {
		c, ok := f.connFrom(tile, slaveDir, slavePort)
		if !ok {
			return chKey{}, false, fmt.Errorf("fabrictest: stream path broken at %s %s port %d", tile, slaveDir, slavePort)
		}
		switch {
		case c.masterDir == fabric.DMA:
			return chKey{tile, c.masterPort, fabric.S2MM}, false, nil
		case c.masterDir == fabric.South && f.layout.KindOf(tile) == fabric.Shim:
			if _, ok := f.shimOut[tile][c.masterPort]; !ok {
				return chKey{}, false, fmt.Errorf("fabrictest: shim egress port %d on %s not bridged", c.masterPort, tile)
			}
			return chKey{tile, c.masterPort, fabric.S2MM}, true, nil
		}
		tile = f.neighbor(tile, c.masterDir)
		if !f.layout.Contains(tile) {
			return chKey{}, false, fmt.Errorf("fabrictest: stream path leaves the grid at %s", tile)
		}
		slaveDir = c.masterDir.Opposite()
		slavePort = c.masterPort
	}
	return chKey{}, false, fmt.Errorf("fabrictest: stream path from %s does not terminate", src.tile)
}

func (f *Fabric) connFrom(tile fabric.Loc, slaveDir fabric.Dir, slavePort uint8) (connKey, bool) {
	for c := range f.conns {
		if c.tile == tile && c.slaveDir == slaveDir && c.slavePort == slavePort {
			return c, true
		}
	}
	return connKey{}, false
}

func (f *Fabric) hasConnFrom(tile fabric.Loc, slaveDir fabric.Dir, slavePort uint8) bool {
	_, ok := f.connFrom(tile, slaveDir, slavePort)
	return ok
}

func (f *Fabric) neighbor(tile fabric.Loc, d fabric.Dir) fabric.Loc {
	switch d {
	case fabric.North:
		return fabric.Loc{Col: tile.Col, Row: tile.Row + 1}
	case fabric.South:
		return fabric.Loc{Col: tile.Col, Row: tile.Row - 1}
	case fabric.East:
		return fabric.Loc{Col: tile.Col + 1, Row: tile.Row}
	case fabric.West:
		return fabric.Loc{Col: tile.Col - 1, Row: tile.Row}
	default:
		return tile
	}
}

func (f *Fabric) copyOne(src, dst chKey) error {
	sid := f.pending[src][0]
	did := f.pending[dst][0]
	sbd := f.bds[bdKey{src.tile, sid}]
	dbd := f.bds[bdKey{dst.tile, did}]
	n := sbd.Len
	if dbd.Len < n {
		n = dbd.Len
	}
	data, err := f.readBuf(src.tile, sbd, int(n))
	if err != nil {
		return err
	}
	if err := f.writeBuf(dst.tile, dbd, data); err != nil {
		return err
	}
	f.pending[src] = f.pending[src][1:]
	f.pending[dst] = f.pending[dst][1:]
	f.logf("transfer(%s ch%d -> %s ch%d, %d bytes)", src.tile, src.ch, dst.tile, dst.ch, n)
	return nil
}

func (f *Fabric) readBuf(tile fabric.Loc, bd fabric.BD, n int) ([]byte, error) {
	if bd.Buf.Mem != nil {
		b := bd.Buf.Mem.Bytes()
		if int(bd.Offset)+n > len(b) {
			return nil, fmt.Errorf("fabrictest: descriptor overruns host buffer on %s", tile)
		}
		out := make([]byte, n)
		copy(out, b[bd.Offset:])
		return out, nil
	}
	if f.layout.KindOf(tile) == fabric.Shim {
		// Raw-addressed host memory on simulator backends lives in the
		// shim tile's address space for the purposes of the fake.
		return f.readRawHost(bd.Buf.Addr, n)
	}
	if bd.Buf.Addr+uint64(n) > DataMemSize {
		return nil, fmt.Errorf("fabrictest: descriptor overruns data memory on %s", tile)
	}
	out := make([]byte, n)
	copy(out, f.tileMem(tile)[bd.Buf.Addr:])
	return out, nil
}

func (f *Fabric) writeBuf(tile fabric.Loc, bd fabric.BD, p []byte) error {
	if bd.Buf.Mem != nil {
		b := bd.Buf.Mem.Bytes()
		if int(bd.Offset)+len(p) > len(b) {
			return fmt.Errorf("fabrictest: descriptor overruns host buffer on %s", tile)
		}
		copy(b[bd.Offset:], p)
		return nil
	}
	if f.layout.KindOf(tile) == fabric.Shim {
		return f.writeRawHost(bd.Buf.Addr, p)
	}
	if bd.Buf.Addr+uint64(len(p)) > DataMemSize {
		return fmt.Errorf("fabrictest: descriptor overruns data memory on %s", tile)
	}
	copy(f.tileMem(tile)[bd.Buf.Addr:], p)
	return nil
}

// SetRawHost seeds the fake's raw host memory at addr, as a test stand-in
// for host physical memory on raw-addressing configurations.
func (f *Fabric) SetRawHost(addr uint64, p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rawHost == nil {
		f.rawHost = map[uint64][]byte{}
	}
	b := make([]byte, len(p))
	copy(b, p)
	f.rawHost[addr] = b
}

// RawHost returns the fake's raw host memory at addr.
func (f *Fabric) RawHost(addr uint64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rawHost[addr]
}

func (f *Fabric) readRawHost(addr uint64, n int) ([]byte, error) {
	b, ok := f.rawHost[addr]
	if !ok || len(b) < n {
		return nil, fmt.Errorf("fabrictest: no raw host memory of %d bytes at %#x", n, addr)
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (f *Fabric) writeRawHost(addr uint64, p []byte) error {
	if f.rawHost == nil {
		f.rawHost = map[uint64][]byte{}
	}
	b := make([]byte, len(p))
	copy(b, p)
	f.rawHost[addr] = b
	return nil
}

type hostMem struct {
	buf  []byte
	addr uint64
}

func (m *hostMem) Bytes() []byte   { return m.buf }
func (m *hostMem) DevAddr() uint64 { return m.addr }
func (m *hostMem) SyncForCPU()     {}
func (m *hostMem) SyncForDev()     {}

var _ fabric.Backend = &Fabric{}
var _ fabric.MemAllocator = &Fabric{}
