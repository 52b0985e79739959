// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"tilefab.io/x/tilefab/conn/fabric"
)

func TestLoadEdges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edges.yaml")
	doc := `host_edges:
  - col: 2
    host_to_fab: true
    ports:
      - {port: 3, channel: 0}
      - {port: 7, channel: 1}
  - col: 2
    host_to_fab: false
    ports:
      - {port: 2, channel: 0}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cons, err := loadEdges(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cons) != 2 {
		t.Fatalf("%d constraints; want 2", len(cons))
	}
	if !cons[0].HostToFab || cons[0].Col != 2 || len(cons[0].Ports) != 2 {
		t.Fatalf("first constraint = %+v", cons[0])
	}
	if cons[0].Ports[1].Port != 7 || cons[0].Ports[1].Channel != 1 {
		t.Fatalf("second port = %+v", cons[0].Ports[1])
	}
	if !cons[0].Ports[0].Available {
		t.Fatal("loaded ports must start available")
	}
	if cons[1].HostToFab {
		t.Fatal("second constraint direction wrong")
	}
}

func TestParseLoc(t *testing.T) {
	l, err := parseLoc("2, 3")
	if err != nil {
		t.Fatal(err)
	}
	if l != fabric.TileLoc(2, 3) {
		t.Fatalf("parsed %v", l)
	}
	if _, err := parseLoc("2"); err == nil {
		t.Fatal("malformed tile accepted")
	}
	if _, err := parseLoc("300,1"); err == nil {
		t.Fatal("out of range column accepted")
	}
	list, err := parseLocList("1,2;3,4")
	if err != nil || len(list) != 2 || list[1] != fabric.TileLoc(3, 4) {
		t.Fatalf("parsed %v, %v", list, err)
	}
}
