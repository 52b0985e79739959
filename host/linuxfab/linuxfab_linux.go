// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build linux

package linuxfab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"tilefab.io/x/tilefab/conn/fabric"
	"tilefab.io/x/tilefab/host/regs"
)

const uioRoot = "/sys/class/uio"

func (d *driver) init() (bool, error) {
	name, size, err := findDevice()
	if err != nil {
		return false, err
	}
	f, err := os.OpenFile("/dev/"+name, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return true, fmt.Errorf("linuxfab: opening %s: %w", name, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return true, fmt.Errorf("linuxfab: mapping %s: %w", name, err)
	}
	io := &mmio{mem: mem}
	grid, err := regs.ReadLayout(io)
	if err != nil {
		unix.Munmap(mem)
		f.Close()
		return true, err
	}
	d.dev = &regs.Dev{Name: "linuxfab", IO: io, Grid: grid, Raw: false, Alloc: allocMem}
	return true, nil
}

// findDevice scans the UIO class for the fabric device and returns its node
// name and BAR size.
func findDevice() (string, int, error) {
	entries, err := filepath.Glob(uioRoot + "/uio*")
	if err != nil || len(entries) == 0 {
		return "", 0, errors.New("linuxfab: no UIO devices")
	}
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(e, "name"))
		if err != nil || strings.TrimSpace(string(b)) != "tilefab" {
			continue
		}
		b, err = os.ReadFile(filepath.Join(e, "maps", "map0", "size"))
		if err != nil {
			return "", 0, fmt.Errorf("linuxfab: reading BAR size of %s: %w", e, err)
		}
		size, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(b)), "0x"), 16, 63)
		if err != nil {
			return "", 0, fmt.Errorf("linuxfab: parsing BAR size of %s: %w", e, err)
		}
		return filepath.Base(e), int(size), nil
	}
	return "", 0, errors.New("linuxfab: no UIO device named tilefab")
}

// mmio serves 32-bit words straight out of the mapped BAR.
type mmio struct {
	mem []byte
}

func (m *mmio) Write32(addr uint64, val uint32) error {
	if addr+4 > uint64(len(m.mem)) {
		return fmt.Errorf("linuxfab: write at %#x outside the %#x byte BAR", addr, len(m.mem))
	}
	binary.LittleEndian.PutUint32(m.mem[addr:], val)
	return nil
}

func (m *mmio) Read32(addr uint64) (uint32, error) {
	if addr+4 > uint64(len(m.mem)) {
		return 0, fmt.Errorf("linuxfab: read at %#x outside the %#x byte BAR", addr, len(m.mem))
	}
	return binary.LittleEndian.Uint32(m.mem[addr:]), nil
}

// allocMem hands out page locked anonymous memory with a resolved physical
// address, suitable for shim descriptors.
func allocMem(size int) (fabric.Mem, error) {
	pageSize := os.Getpagesize()
	size = (size + pageSize - 1) &^ (pageSize - 1)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_SHARED|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("linuxfab: allocating %d coherent bytes: %w", size, err)
	}
	// Fault the pages in before asking the kernel where they live.
	for i := 0; i < size; i += pageSize {
		b[i] = 0
	}
	phys, err := physAddr(b)
	if err != nil {
		unix.Munmap(b)
		return nil, err
	}
	return &hostMem{buf: b, phys: phys}, nil
}

// physAddr resolves the physical address of the first page of b through
// /proc/self/pagemap.
func physAddr(b []byte) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, fmt.Errorf("linuxfab: opening pagemap: %w", err)
	}
	defer f.Close()
	pageSize := uint64(os.Getpagesize())
	virt := uint64(uintptr(unsafe.Pointer(&b[0])))
	var entry [8]byte
	if _, err := f.ReadAt(entry[:], int64(virt/pageSize*8)); err != nil {
		return 0, fmt.Errorf("linuxfab: reading pagemap: %w", err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&(1<<63) == 0 {
		return 0, errors.New("linuxfab: page not present; is the process running as root?")
	}
	pfn := v & ((1 << 55) - 1)
	return pfn*pageSize + virt%pageSize, nil
}

type hostMem struct {
	buf  []byte
	phys uint64
}

func (m *hostMem) Bytes() []byte   { return m.buf }
func (m *hostMem) DevAddr() uint64 { return m.phys }

// SyncForCPU is a no-op: the mapping is cache coherent on the supported
// platforms.
func (m *hostMem) SyncForCPU() {}

// SyncForDev is a no-op, see SyncForCPU.
func (m *hostMem) SyncForDev() {}
