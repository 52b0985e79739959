// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package linuxfab provides Linux userspace access to a tile fabric
// accelerator exposed through the UIO subsystem.
//
// The driver scans /sys/class/uio for a device named "tilefab", maps its
// register BAR and serves the backend contract through plain memory mapped
// loads and stores. Coherent host buffers are anonymous locked pages whose
// physical address is resolved through /proc/self/pagemap.
package linuxfab

import (
	"tilefab.io/x/tilefab"
	"tilefab.io/x/tilefab/conn/fabric"
)

type driver struct {
	dev fabric.Backend
}

func (d *driver) String() string {
	return "linuxfab"
}

func (d *driver) Init() (bool, error) {
	return d.init()
}

func (d *driver) Backend() fabric.Backend {
	return d.dev
}

func init() {
	tilefab.MustRegister(&drv)
}

var drv driver
