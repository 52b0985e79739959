// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// fab-info prints the switch and resource state of fabric tiles.
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

	"tilefab.io/x/tilefab"
	"tilefab.io/x/tilefab/conn/fabric"
	"tilefab.io/x/tilefab/host"
	"tilefab.io/x/tilefab/routing"
)

func mainImpl() error {
	all := flag.Bool("a", false, "print every tile")
	verbose := flag.Bool("v", false, "enable verbose logs")
	flag.Parse()

	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(0)

	if _, err := host.Init(); err != nil {
		return err
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

	if *all {
		return ri.DumpAllTiles(os.Stdout)
	}
	if flag.NArg() == 0 {
		return errors.New("pass tiles as col,row arguments or -a for all")
	}
	var tiles []fabric.Loc
	for _, arg := range flag.Args() {
		parts := strings.Split(arg, ",")
		if len(parts) != 2 {
			return fmt.Errorf("tile %q must be col,row", arg)
		}
		col, err := strconv.ParseUint(parts[0], 10, 8)
		if err != nil {
			return err
		}
		row, err := strconv.ParseUint(parts[1], 10, 8)
		if err != nil {
			return err
		}
		tiles = append(tiles, fabric.TileLoc(uint8(col), uint8(row)))
	}
	return ri.DumpSwitchInfo(os.Stdout, tiles)
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "fab-info: %s.\n", err)
		os.Exit(1)
	}
}
