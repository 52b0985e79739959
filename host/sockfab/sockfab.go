// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sockfab connects the backend contract to a fabric simulator over
// TCP.
//
// The wire protocol is one 13-byte frame per register access: an opcode
// byte ('W' or 'R'), the 64-bit address and the 32-bit value, all little
// endian. Reads answer with a 4-byte value frame. The simulator address is
// taken from the TILEFAB_SOCK environment variable; the driver is skipped
// when it is unset.
//
// Simulated shim transfers use raw host addresses inside the simulator's
// own memory, so the backend reports raw addressing.
package sockfab

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"tilefab.io/x/tilefab"
	"tilefab.io/x/tilefab/conn/fabric"
	"tilefab.io/x/tilefab/host/regs"
)

type driver struct {
	dev fabric.Backend
}

func (d *driver) String() string {
	return "sockfab"
}

func (d *driver) Init() (bool, error) {
	addr := os.Getenv("TILEFAB_SOCK")
	if addr == "" {
		return false, errors.New("sockfab: TILEFAB_SOCK not set")
	}
	c, err := Dial(addr)
	if err != nil {
		return true, err
	}
	d.dev = c
	return true, nil
}

func (d *driver) Backend() fabric.Backend {
	return d.dev
}

// Dial connects to a fabric simulator and returns its backend.
func Dial(addr string) (fabric.Backend, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sockfab: connecting to %s: %w", addr, err)
	}
	io := &wire{conn: conn, r: bufio.NewReader(conn)}
	grid, err := regs.ReadLayout(io)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &regs.Dev{Name: "sockfab", IO: io, Grid: grid, Raw: true}, nil
}

type wire struct {
	conn net.Conn
	r    *bufio.Reader
}

func (w *wire) Write32(addr uint64, val uint32) error {
	return w.send('W', addr, val)
}

func (w *wire) Read32(addr uint64) (uint32, error) {
	if err := w.send('R', addr, 0); err != nil {
		return 0, err
	}
	var resp [4]byte
	if _, err := io.ReadFull(w.r, resp[:]); err != nil {
		return 0, fmt.Errorf("sockfab: reading response for %#x: %w", addr, err)
	}
	return binary.LittleEndian.Uint32(resp[:]), nil
}

func (w *wire) send(op byte, addr uint64, val uint32) error {
	var frame [13]byte
	frame[0] = op
	binary.LittleEndian.PutUint64(frame[1:], addr)
	binary.LittleEndian.PutUint32(frame[9:], val)
	if _, err := w.conn.Write(frame[:]); err != nil {
		return fmt.Errorf("sockfab: sending %c %#x: %w", op, addr, err)
	}
	return nil
}

func init() {
	tilefab.MustRegister(&drv)
}

var drv driver
