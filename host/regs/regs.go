// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package regs realizes the fabric backend contract as 32-bit register
// traffic.
//
// Both hardware backends (the mmap based linuxfab and the simulator based
// sockfab) drive the same register layout; they differ only in how a word
// reaches the device. Dev wraps such a word transport and derives every
// higher level operation from it.
package regs

import (
	"fmt"

	"tilefab.io/x/tilefab/conn/fabric"
)

// WordIO moves single 32-bit words to and from the device address space.
type WordIO interface {
	Write32(addr uint64, val uint32) error
	Read32(addr uint64) (uint32, error)
}

// Device address layout. Each tile owns a 256KiB window addressed by its
// grid coordinate; the controller registers sit at the top of tile (0,0)'s
// window.
const (
	colShift = 23
	rowShift = 18

	// Per-tile windows.
	dataMemOff   = 0x0_0000 // tile-local data memory
	bdOff        = 0x1_D000 // buffer descriptor file, 0x20 bytes per slot
	chOff        = 0x1_DE00 // DMA channel registers, 0x10 bytes per (channel, dir)
	shimMuxOff   = 0x1_F000 // fabric → shim DMA port select
	shimDemuxOff = 0x1_F004 // shim DMA → fabric port select
	coreCtrlOff  = 0x3_2000
	coreStatOff  = 0x3_2004
	ssMasterOff  = 0x3_F000 // stream switch master port config, 4 bytes per port
	ssSlaveOff   = 0x3_F100 // stream switch slave port config, 4 bytes per port

	// Controller registers live in the top corner of tile (0,0)'s window,
	// past the stream switch block.
	geomReg = 0x3_FFF0

	enableBit   = 1 << 31
	coreRunBit  = 1 << 0
	coreDoneBit = 1 << 0
	chEnableBit = 1 << 0
)

// Dev implements fabric.Backend over a word transport.
type Dev struct {
	Name string
	IO   WordIO
	Grid fabric.Layout
	// Raw selects the shim descriptor addressing convention.
	Raw bool
	// Alloc provides coherent host memory; nil on backends without it.
	Alloc func(size int) (fabric.Mem, error)
}

func (d *Dev) String() string {
	return d.Name
}

// ReadLayout decodes the grid geometry register of the controller page.
func ReadLayout(io WordIO) (fabric.Layout, error) {
	v, err := io.Read32(geomReg)
	if err != nil {
		return fabric.Layout{}, fmt.Errorf("regs: reading geometry: %w", err)
	}
	g := fabric.Layout{
		NumCols:     uint8(v >> 24),
		NumRows:     uint8(v >> 16),
		MemRowStart: uint8(v >> 8),
		MemNumRows:  uint8(v),
	}
	if g.NumCols == 0 || g.NumRows == 0 {
		return fabric.Layout{}, fmt.Errorf("regs: device reports an empty %dx%d grid", g.NumCols, g.NumRows)
	}
	g.ComputeRowStart = g.MemRowStart + g.MemNumRows
	g.ComputeNumRows = g.NumRows - g.ComputeRowStart
	return g, nil
}

func tileBase(l fabric.Loc) uint64 {
	return uint64(l.Col)<<colShift | uint64(l.Row)<<rowShift
}

// portIndex flattens a (direction, port) pair into the switch's physical
// port numbering.
func portIndex(dir fabric.Dir, port uint8) uint64 {
	return uint64(dir)*8 + uint64(port)
}

// Layout implements fabric.Backend.
func (d *Dev) Layout() fabric.Layout {
	return d.Grid
}

// Write32 implements fabric.Backend.
func (d *Dev) Write32(addr uint64, val uint32) error {
	return d.IO.Write32(addr, val)
}

// Read32 implements fabric.Backend.
func (d *Dev) Read32(addr uint64) (uint32, error) {
	return d.IO.Read32(addr)
}

// BlockWrite32 implements fabric.Backend.
func (d *Dev) BlockWrite32(addr uint64, data []uint32) error {
	for i, w := range data {
		if err := d.IO.Write32(addr+uint64(4*i), w); err != nil {
			return err
		}
	}
	return nil
}

// BlockRead32 implements fabric.Backend.
func (d *Dev) BlockRead32(addr uint64, n int) ([]uint32, error) {
	out := make([]uint32, n)
	for i := range out {
		w, err := d.IO.Read32(addr + uint64(4*i))
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

// WriteDataMem implements fabric.Backend. Unaligned edges are read,
// patched and written back; the aligned body is written directly.
func (d *Dev) WriteDataMem(tile fabric.Loc, addr uint64, p []byte) error {
	if !d.Grid.Contains(tile) {
		return fmt.Errorf("regs: tile %s out of grid", tile)
	}
	base := tileBase(tile) + dataMemOff + addr
	for len(p) > 0 {
		wordAddr := base &^ 3
		off := int(base & 3)
		n := 4 - off
		if n > len(p) {
			n = len(p)
		}
		if off == 0 && n == 4 {
			v := uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
			if err := d.IO.Write32(wordAddr, v); err != nil {
				return err
			}
		} else {
			v, err := d.IO.Read32(wordAddr)
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				shift := uint(8 * (off + i))
				v = v&^(0xFF<<shift) | uint32(p[i])<<shift
			}
			if err := d.IO.Write32(wordAddr, v); err != nil {
				return err
			}
		}
		p = p[n:]
		base += uint64(n)
	}
	return nil
}

// ReadDataMem implements fabric.Backend.
func (d *Dev) ReadDataMem(tile fabric.Loc, addr uint64, n int) ([]byte, error) {
	if !d.Grid.Contains(tile) {
		return nil, fmt.Errorf("regs: tile %s out of grid", tile)
	}
	base := tileBase(tile) + dataMemOff + addr
	out := make([]byte, 0, n)
	for len(out) < n {
		v, err := d.IO.Read32(base &^ 3)
		if err != nil {
			return nil, err
		}
		for i := int(base & 3); i < 4 && len(out) < n; i++ {
			out = append(out, byte(v>>uint(8*i)))
		}
		base = (base &^ 3) + 4
	}
	return out, nil
}

// ConnectSwitch implements fabric.Backend. The master port register names
// the feeding slave index; the slave port register carries the enable.
func (d *Dev) ConnectSwitch(tile fabric.Loc, slaveDir fabric.Dir, slavePort uint8, masterDir fabric.Dir, masterPort uint8) error {
	base := tileBase(tile)
	spi := portIndex(slaveDir, slavePort)
	mpi := portIndex(masterDir, masterPort)
	if err := d.IO.Write32(base+ssMasterOff+4*mpi, enableBit|uint32(spi)); err != nil {
		return err
	}
	return d.IO.Write32(base+ssSlaveOff+4*spi, enableBit)
}

// DisconnectSwitch implements fabric.Backend. Combinations the switch
// cannot express decode to unmapped registers; the device ignores writes
// there, so no validation happens here.
func (d *Dev) DisconnectSwitch(tile fabric.Loc, slaveDir fabric.Dir, slavePort uint8, masterDir fabric.Dir, masterPort uint8) error {
	base := tileBase(tile)
	spi := portIndex(slaveDir, slavePort)
	mpi := portIndex(masterDir, masterPort)
	if err := d.IO.Write32(base+ssMasterOff+4*mpi, 0); err != nil {
		return err
	}
	return d.IO.Write32(base+ssSlaveOff+4*spi, 0)
}

// EnableShimDmaToFabric implements fabric.Backend.
func (d *Dev) EnableShimDmaToFabric(tile fabric.Loc, port uint8) error {
	addr := tileBase(tile) + shimDemuxOff
	v, err := d.IO.Read32(addr)
	if err != nil {
		return err
	}
	return d.IO.Write32(addr, v|1<<port)
}

// EnableFabricToShimDma implements fabric.Backend.
func (d *Dev) EnableFabricToShimDma(tile fabric.Loc, port uint8) error {
	addr := tileBase(tile) + shimMuxOff
	v, err := d.IO.Read32(addr)
	if err != nil {
		return err
	}
	return d.IO.Write32(addr, v|1<<port)
}

// WriteBD implements fabric.Backend. A descriptor is four words: address
// low, address high, length, control.
func (d *Dev) WriteBD(tile fabric.Loc, bd fabric.BD, id uint8) error {
	addr := bd.Buf.Addr
	if bd.Buf.Mem != nil {
		addr = bd.Buf.Mem.DevAddr() + bd.Offset
	}
	base := tileBase(tile) + bdOff + uint64(id)*0x20
	words := [4]uint32{
		uint32(addr),
		uint32(addr >> 32),
		bd.Len,
		0,
	}
	if bd.Valid {
		words[3] = enableBit
	}
	for i, w := range words {
		if err := d.IO.Write32(base+uint64(4*i), w); err != nil {
			return err
		}
	}
	return nil
}

func chBase(tile fabric.Loc, channel uint8, dir fabric.DmaDir) uint64 {
	return tileBase(tile) + chOff + (uint64(channel)*2+uint64(dir))*0x10
}

// PushBD implements fabric.Backend.
func (d *Dev) PushBD(tile fabric.Loc, channel uint8, dir fabric.DmaDir, id uint8) error {
	return d.IO.Write32(chBase(tile, channel, dir)+0x4, uint32(id))
}

// EnableChannel implements fabric.Backend.
func (d *Dev) EnableChannel(tile fabric.Loc, channel uint8, dir fabric.DmaDir) error {
	return d.IO.Write32(chBase(tile, channel, dir), chEnableBit)
}

// PendingBDs implements fabric.Backend. The low byte of the channel status
// register is the queue depth.
func (d *Dev) PendingBDs(tile fabric.Loc, channel uint8, dir fabric.DmaDir) (uint8, error) {
	v, err := d.IO.Read32(chBase(tile, channel, dir) + 0x8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

// EnableCore implements fabric.Backend.
func (d *Dev) EnableCore(tile fabric.Loc) error {
	return d.IO.Write32(tileBase(tile)+coreCtrlOff, coreRunBit)
}

// CoreDone implements fabric.Backend.
func (d *Dev) CoreDone(tile fabric.Loc) (bool, error) {
	v, err := d.IO.Read32(tileBase(tile) + coreStatOff)
	if err != nil {
		return false, err
	}
	return v&coreDoneBit != 0, nil
}

// RawAddressing implements fabric.Backend.
func (d *Dev) RawAddressing() bool {
	return d.Raw
}

// AllocMem implements fabric.MemAllocator when the transport provides an
// allocator.
func (d *Dev) AllocMem(size int) (fabric.Mem, error) {
	if d.Alloc == nil {
		return nil, fmt.Errorf("regs: %s cannot allocate coherent memory", d.Name)
	}
	return d.Alloc(size)
}

var _ fabric.Backend = &Dev{}
