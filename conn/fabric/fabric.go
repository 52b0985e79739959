// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fabric defines the vocabulary shared by all tilefab backends and
// the register level contract a backend must implement.
//
// The accelerator is a grid of tiles indexed by (column, row). Row 0 is the
// shim-interface row bridging the fabric to host memory; above it sits an
// optional band of memory tiles, then the compute band. Each tile contains a
// stream switch: a programmable crossbar connecting inbound (slave) ports to
// outbound (master) ports, per cardinal direction, plus the tile-local DMA
// endpoints.
package fabric

import (
	"fmt"
	"time"
)

// Loc is a tile coordinate on the grid.
type Loc struct {
	Col uint8
	Row uint8
}

// TileLoc returns the location for a (column, row) pair.
func TileLoc(col, row uint8) Loc {
	return Loc{Col: col, Row: row}
}

func (l Loc) String() string {
	return fmt.Sprintf("(%d,%d)", l.Col, l.Row)
}

// Kind is the hardware class of a tile, fixed by its row.
type Kind uint8

const (
	// Shim tiles form row 0 and bridge the fabric to host memory DMA.
	Shim Kind = iota
	// Mem tiles form the memory band; they only stream north and south.
	Mem
	// Compute tiles form the compute band.
	Compute
)

func (k Kind) String() string {
	switch k {
	case Shim:
		return "Shim"
	case Mem:
		return "Mem"
	case Compute:
		return "Compute"
	default:
		return "Kind(" + fmt.Sprint(uint8(k)) + ")"
	}
}

// Dir identifies one side of a stream switch.
//
// A slave port faces inward from a direction, a master port faces outward in
// a direction. DMA is the tile-local endpoint: the slave side is fed by the
// tile's MM2S channels, the master side drains into its S2MM channels.
type Dir uint8

const (
	DMA Dir = iota
	South
	West
	North
	East
)

func (d Dir) String() string {
	switch d {
	case DMA:
		return "DMA"
	case South:
		return "SOUTH"
	case West:
		return "WEST"
	case North:
		return "NORTH"
	case East:
		return "EAST"
	default:
		return "Dir(" + fmt.Sprint(uint8(d)) + ")"
	}
}

// Opposite returns the facing direction on the neighbouring tile.
//
// DMA has no opposite and is returned unchanged.
func (d Dir) Opposite() Dir {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	default:
		return d
	}
}

// DmaDir is a DMA channel direction.
type DmaDir uint8

const (
	// MM2S reads from memory and emits on the fabric.
	MM2S DmaDir = iota
	// S2MM receives from the fabric and writes to memory.
	S2MM
)

func (d DmaDir) String() string {
	if d == MM2S {
		return "MM2S"
	}
	return "S2MM"
}

// Layout describes the grid geometry of a device.
type Layout struct {
	NumCols uint8
	NumRows uint8
	// ShimRow is the shim-interface row, 0 on all known devices.
	ShimRow uint8
	// MemRowStart / MemNumRows delimit the memory-tile band. MemNumRows is
	// 0 on devices without memory tiles.
	MemRowStart uint8
	MemNumRows  uint8
	// ComputeRowStart / ComputeNumRows delimit the compute band.
	ComputeRowStart uint8
	ComputeNumRows  uint8
}

// Contains reports whether l lies within the grid.
func (g Layout) Contains(l Loc) bool {
	return l.Col < g.NumCols && l.Row < g.NumRows
}

// KindOf returns the hardware class of the tile at l.
//
// l must be within the grid.
func (g Layout) KindOf(l Loc) Kind {
	if g.MemNumRows > 0 && l.Row >= g.MemRowStart && l.Row < g.MemRowStart+g.MemNumRows {
		return Mem
	}
	if l.Row == g.ShimRow {
		return Shim
	}
	return Compute
}

// Mem is a block of DMA-coherent host memory handed out by a backend.
//
// Backends that address host memory through an IOMMU describe shim buffer
// descriptors with a Mem handle plus offset; backends with flat physical
// addressing use DevAddr directly.
type Mem interface {
	// Bytes is the CPU view of the allocation.
	Bytes() []byte
	// DevAddr is the device-visible address of the allocation.
	DevAddr() uint64
	// SyncForCPU makes device writes visible to the CPU view.
	SyncForCPU()
	// SyncForDev publishes CPU writes to the device.
	SyncForDev()
}

// MemAllocator is implemented by backends that can allocate DMA-coherent
// host memory for shim transfers.
type MemAllocator interface {
	AllocMem(size int) (Mem, error)
}

// Buffer is one endpoint of a data movement: either a raw device address
// (tile-local memory, or host physical memory on raw-addressing backends) or
// a coherent host allocation.
//
// Exactly one of the two is meaningful; Mem wins when non-nil.
type Buffer struct {
	Addr uint64
	Mem  Mem
}

// Addressed returns a Buffer naming a raw address.
func Addressed(addr uint64) Buffer {
	return Buffer{Addr: addr}
}

// Backed returns a Buffer naming a coherent host allocation.
func Backed(m Mem) Buffer {
	return Buffer{Mem: m}
}

// BD is a DMA buffer descriptor before it is written to a tile's descriptor
// register file.
type BD struct {
	Buf Buffer
	// Offset applies to Buf.Mem based descriptors.
	Offset uint64
	Len    uint32
	// Valid is the descriptor enable bit.
	Valid bool
}

// Backend is the hardware I/O contract consumed by the routing core.
//
// Implementations are register-level: they do not track resource state, the
// routing core owns that. All calls are synchronous. Implementations are not
// required to be safe for concurrent use; callers serialize.
type Backend interface {
	String() string

	// Layout returns the grid geometry of the attached device.
	Layout() Layout

	// Write32 writes a 32-bit register at a device address.
	Write32(addr uint64, val uint32) error
	// Read32 reads a 32-bit register at a device address.
	Read32(addr uint64) (uint32, error)
	// BlockWrite32 writes contiguous 32-bit words starting at addr.
	BlockWrite32(addr uint64, data []uint32) error
	// BlockRead32 reads n contiguous 32-bit words starting at addr.
	BlockRead32(addr uint64, n int) ([]uint32, error)

	// WriteDataMem writes bytes into a tile's local data memory.
	WriteDataMem(tile Loc, addr uint64, p []byte) error
	// ReadDataMem reads n bytes from a tile's local data memory.
	ReadDataMem(tile Loc, addr uint64, n int) ([]byte, error)

	// ConnectSwitch programs the tile's stream switch to route the slave
	// port to the master port.
	ConnectSwitch(tile Loc, slaveDir Dir, slavePort uint8, masterDir Dir, masterPort uint8) error
	// DisconnectSwitch tears a switch connection down. It is idempotent
	// and must tolerate combinations the switch cannot express, including
	// (slaveDir, masterDir) pairs with no register mapping; those are
	// skipped silently.
	DisconnectSwitch(tile Loc, slaveDir Dir, slavePort uint8, masterDir Dir, masterPort uint8) error

	// EnableShimDmaToFabric bridges a shim tile's DMA into the fabric on
	// the given stream port.
	EnableShimDmaToFabric(tile Loc, port uint8) error
	// EnableFabricToShimDma bridges the fabric into a shim tile's DMA on
	// the given stream port.
	EnableFabricToShimDma(tile Loc, port uint8) error

	// WriteBD commits a buffer descriptor to slot id of the tile's
	// descriptor register file.
	WriteBD(tile Loc, bd BD, id uint8) error
	// PushBD queues descriptor slot id on a DMA channel.
	PushBD(tile Loc, channel uint8, dir DmaDir, id uint8) error
	// EnableChannel starts a DMA channel.
	EnableChannel(tile Loc, channel uint8, dir DmaDir) error
	// PendingBDs returns the number of descriptors still queued on a
	// channel.
	PendingBDs(tile Loc, channel uint8, dir DmaDir) (uint8, error)

	// EnableCore starts a compute tile's core.
	EnableCore(tile Loc) error
	// CoreDone reports whether a compute tile's core is idle.
	CoreDone(tile Loc) (bool, error)

	// RawAddressing reports the shim buffer convention: true means shim
	// descriptors take raw device addresses (bare-metal and socket
	// simulator backends), false means they take Mem handles.
	RawAddressing() bool
}

// PollInterval is the delay between completion-register reads in the wait
// helpers of the routing package.
//
// It exists as a variable so simulators can shorten it.
var PollInterval = 10 * time.Microsecond
