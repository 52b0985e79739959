// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package routing

import "errors"

var (
	// ErrNoPath is returned when the path finder exhausts the grid without
	// a constraint-compatible path.
	ErrNoPath = errors.New("routing: no path satisfies the constraints")

	// ErrPortBusy is returned when a port index cannot be threaded across
	// a junction despite the finder's optimistic edge check. The call's
	// reservations are rolled back before it is returned.
	ErrPortBusy = errors.New("routing: stream port busy")

	// ErrDuplicateRoute is returned when a route is already programmed for
	// the (source, destination) pair.
	ErrDuplicateRoute = errors.New("routing: route already programmed")

	// ErrNoRoute is returned when no route is programmed for the pair.
	ErrNoRoute = errors.New("routing: no programmed route")

	// ErrNoFreeBD is returned when a tile's buffer descriptor pool is
	// exhausted.
	ErrNoFreeBD = errors.New("routing: no free buffer descriptor")

	// ErrNoFreeChannel is returned when a tile has no free DMA channel or
	// shim stream port for the requested direction.
	ErrNoFreeChannel = errors.New("routing: no free channel")

	// ErrTimeout is returned by the wait helpers when the deadline passes
	// before the hardware drains.
	ErrTimeout = errors.New("routing: wait timed out")
)
