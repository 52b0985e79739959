// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// fab-route plans and programs a stream route between two tiles, and
// optionally pushes a test pattern across it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tilefab.io/x/tilefab"
	"tilefab.io/x/tilefab/conn/fabric"
	"tilefab.io/x/tilefab/host"
	"tilefab.io/x/tilefab/routing"
)

// edgeFile is the YAML shape of a shim port mapping override.
type edgeFile struct {
	HostEdges []struct {
		Col       uint8 `yaml:"col"`
		HostToFab bool  `yaml:"host_to_fab"`
		Ports     []struct {
			Port    uint8 `yaml:"port"`
			Channel uint8 `yaml:"channel"`
		} `yaml:"ports"`
	} `yaml:"host_edges"`
}

func loadEdges(path string) ([]routing.HostEdgeConstraint, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f edgeFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	var cons []routing.HostEdgeConstraint
	for _, e := range f.HostEdges {
		c := routing.HostEdgeConstraint{Col: e.Col, HostToFab: e.HostToFab}
		for _, p := range e.Ports {
			c.Ports = append(c.Ports, routing.ShimPort{Port: p.Port, Channel: p.Channel, Available: true})
		}
		cons = append(cons, c)
	}
	return cons, nil
}

func parseLoc(s string) (fabric.Loc, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return fabric.Loc{}, fmt.Errorf("tile %q must be col,row", s)
	}
	col, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 8)
	if err != nil {
		return fabric.Loc{}, err
	}
	row, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 8)
	if err != nil {
		return fabric.Loc{}, err
	}
	return fabric.TileLoc(uint8(col), uint8(row)), nil
}

func parseLocList(s string) ([]fabric.Loc, error) {
	if s == "" {
		return nil, nil
	}
	var out []fabric.Loc
	for _, part := range strings.Split(s, ";") {
		l, err := parseLoc(part)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func mainImpl() error {
	srcFlag := flag.String("src", "", "source tile as col,row")
	dstFlag := flag.String("dst", "", "destination tile as col,row")
	avoid := flag.String("avoid", "", "blacklisted tiles as col,row;col,row")
	via := flag.String("via", "", "whitelisted tiles as col,row;col,row")
	edges := flag.String("edges", "", "YAML file overriding the shim port mappings")
	move := flag.Int("move", 0, "bytes of test pattern to move along the route")
	srcAddr := flag.Uint64("src-addr", 0x2000, "source data memory address")
	dstAddr := flag.Uint64("dst-addr", 0x2000, "destination data memory address")
	deroute := flag.Bool("deroute", false, "tear the route down when done")
	verbose := flag.Bool("v", false, "enable verbose logs")
	flag.Parse()

	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(0)
	if flag.NArg() != 0 {
		return errors.New("unexpected arguments")
	}
	if *srcFlag == "" || *dstFlag == "" {
		return errors.New("-src and -dst are required")
	}
	src, err := parseLoc(*srcFlag)
	if err != nil {
		return err
	}
	dst, err := parseLoc(*dstFlag)
	if err != nil {
		return err
	}

	state, err := host.Init()
	if err != nil {
		return err
	}
	for _, f := range state.Failed {
		log.Printf("backend failed: %s", f)
	}
	b := tilefab.Default()
	if b == nil {
		return errors.New("no fabric backend loaded")
	}

	ri, err := routing.New(b)
	if err != nil {
		return err
	}
	defer ri.Close()

	if *edges != "" {
		cons, err := loadEdges(*edges)
		if err != nil {
			return err
		}
		if err := ri.ConfigureHostEdgeConstraints(cons); err != nil {
			return err
		}
	}

	var cons *routing.Constraints
	black, err := parseLocList(*avoid)
	if err != nil {
		return err
	}
	white, err := parseLocList(*via)
	if err != nil {
		return err
	}
	if len(black) != 0 || len(white) != 0 {
		cons = &routing.Constraints{Blacklist: black, Whitelist: white}
	}

	if err := ri.Route(cons, src, dst); err != nil {
		return err
	}
	if err := ri.RoutesReveal(os.Stdout, src, dst); err != nil {
		return err
	}

	if *move > 0 {
		if err := moveOnce(ri, b, src, *srcAddr, dst, *dstAddr, *move); err != nil {
			return err
		}
		fmt.Printf("moved %d bytes %s -> %s\n", *move, src, dst)
	}

	if *deroute {
		if err := ri.DeRoute(src, dst, true); err != nil {
			return err
		}
		fmt.Printf("route %s -> %s torn down\n", src, dst)
	}
	return nil
}

func moveOnce(ri *routing.Instance, b fabric.Backend, src fabric.Loc, srcAddr uint64, dst fabric.Loc, dstAddr uint64, n int) error {
	pattern := make([]byte, n)
	for i := range pattern {
		pattern[i] = byte(i*7 + 3)
	}
	srcBuf, err := endpointBuffer(ri, b, src, srcAddr, n, pattern)
	if err != nil {
		return err
	}
	dstBuf, err := endpointBuffer(ri, b, dst, dstAddr, n, nil)
	if err != nil {
		return err
	}
	if err := ri.MoveData(src, srcBuf, uint32(n), dstBuf, dst); err != nil {
		return err
	}
	return ri.RouteDmaWait(src, dst, true, 5*time.Second)
}

// endpointBuffer prepares one endpoint: tile-local memory for array tiles,
// a coherent host allocation for shim tiles on handle-addressing backends.
func endpointBuffer(ri *routing.Instance, b fabric.Backend, l fabric.Loc, addr uint64, size int, seed []byte) (fabric.Buffer, error) {
	if ri.Layout().KindOf(l) != fabric.Shim {
		if seed != nil {
			if err := b.WriteDataMem(l, addr, seed); err != nil {
				return fabric.Buffer{}, err
			}
		}
		return fabric.Addressed(addr), nil
	}
	if b.RawAddressing() {
		return fabric.Addressed(addr), nil
	}
	alloc, ok := b.(fabric.MemAllocator)
	if !ok {
		return fabric.Buffer{}, fmt.Errorf("backend %s cannot allocate shim memory", b)
	}
	m, err := alloc.AllocMem(size)
	if err != nil {
		return fabric.Buffer{}, err
	}
	copy(m.Bytes(), seed)
	m.SyncForDev()
	return fabric.Backed(m), nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "fab-route: %s.\n", err)
		os.Exit(1)
	}
}
