// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package host pulls in every backend implemented in this library.
package host

import (
	"tilefab.io/x/tilefab"

	// Side effect of registering the backends.
	_ "tilefab.io/x/tilefab/host/linuxfab"
	_ "tilefab.io/x/tilefab/host/sockfab"
)

// Init calls tilefab.Init() and returns it as-is.
//
// The only difference is that by calling host.Init(), you are guaranteed to
// have all the backends implemented in this library to be implicitly
// loaded.
func Init() (*tilefab.State, error) {
	return tilefab.Init()
}
