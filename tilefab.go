// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tilefab is a resource planner and runtime programmer for tiled
// stream-fabric accelerators.
//
// The accelerator is a two-dimensional grid of compute, memory and
// shim-interface tiles connected by per-tile stream switches. Package
// tilefab acts as a registry of hardware I/O backends. Each backend
// registers itself in its package init() function by calling
// tilefab.MustRegister().
//
// The user must call tilefab.Init() on startup to probe the registered
// backends; the first backend that loads becomes the default returned by
// tilefab.Default().
//
// → cmd/ contains executables to plan routes and inspect the fabric using
// the library.
//
// → conn/ contains the interfaces shared by all backends: the fabric
// vocabulary (tile locations, directions, DMA channels) and the register
// level backend contract.
//
// → host/ contains the backend implementations: Linux userspace access to
// a memory-mapped device and a socket connection to a fabric simulator.
//
// → routing/ contains the routing core: the per-tile resource table, the
// constrained path finder, the path programmer and the data mover.
package tilefab // import "tilefab.io/x/tilefab"

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"tilefab.io/x/tilefab/conn/fabric"
)

// Driver is a hardware I/O backend that can be probed at Init() time.
type Driver interface {
	// String returns the name of the backend, as to be presented to the
	// user.
	//
	// It must be unique in the list of registered backends.
	String() string
	// Init initializes the backend.
	//
	// A backend may enter one of the three following states: loaded
	// successfully, was skipped as irrelevant on this host, failed to load.
	//
	// On success, it must return true, nil.
	//
	// When irrelevant (skipped), it must return false, errors.New(<reason>).
	//
	// On failure, it must return true, errors.New(<reason>). The failure
	// must state why it failed, for example the device node couldn't be
	// opened.
	Init() (bool, error)
	// Backend returns the fabric backend once Init() succeeded.
	Backend() fabric.Backend
}

// DriverFailure is a backend that wasn't loaded, either because it was
// skipped or because it failed to load.
type DriverFailure struct {
	D   Driver
	Err error
}

func (d DriverFailure) String() string {
	return fmt.Sprintf("%s: %v", d.D, d.Err)
}

// State is the state of probed backends.
//
// Each list is sorted by the backend name.
type State struct {
	Loaded  []Driver
	Skipped []DriverFailure
	Failed  []DriverFailure
}

// Init probes all the registered backends.
//
// It is safe to call this function multiple times, the previous state is
// returned on later calls.
//
// Users will want to use host.Init(), which guarantees a baseline of
// included backends.
func Init() (*State, error) {
	mu.Lock()
	defer mu.Unlock()
	if state != nil {
		return state, nil
	}
	state = &State{}
	for _, d := range allDrivers {
		ok, err := d.Init()
		if !ok {
			state.Skipped = append(state.Skipped, DriverFailure{d, err})
			continue
		}
		if err != nil {
			state.Failed = append(state.Failed, DriverFailure{d, err})
			continue
		}
		state.Loaded = append(state.Loaded, d)
		if def == nil {
			def = d
		}
	}
	sort.Slice(state.Loaded, func(i, j int) bool { return state.Loaded[i].String() < state.Loaded[j].String() })
	sort.Slice(state.Skipped, func(i, j int) bool { return state.Skipped[i].D.String() < state.Skipped[j].D.String() })
	sort.Slice(state.Failed, func(i, j int) bool { return state.Failed[i].D.String() < state.Failed[j].D.String() })
	return state, nil
}

// Default returns the backend of the first driver that loaded, in
// registration order.
//
// Returns nil if Init() was not called or no backend loaded.
func Default() fabric.Backend {
	mu.Lock()
	defer mu.Unlock()
	if def == nil {
		return nil
	}
	return def.Backend()
}

// Register registers a backend to be probed on Init().
//
// The d.String() value must be unique across all registered backends.
//
// It is an error to call Register() after Init() was called.
func Register(d Driver) error {
	mu.Lock()
	defer mu.Unlock()
	if state != nil {
		return errors.New("tilefab: can't call Register() after Init()")
	}
	n := d.String()
	if _, ok := byName[n]; ok {
		return fmt.Errorf("tilefab: driver with same name %q was already registered", d)
	}
	byName[n] = d
	allDrivers = append(allDrivers, d)
	return nil
}

// MustRegister calls Register() and panics if registration fails.
//
// This is the function to call in a backend's package init() function.
func MustRegister(d Driver) {
	if err := Register(d); err != nil {
		panic(err)
	}
}

//

var (
	mu         sync.Mutex
	allDrivers []Driver
	byName     = map[string]Driver{}
	state      *State
	def        Driver
)
