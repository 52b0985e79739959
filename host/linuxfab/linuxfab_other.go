// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !linux

package linuxfab

import "errors"

func (d *driver) init() (bool, error) {
	return false, errors.New("linuxfab: only supported on linux")
}
