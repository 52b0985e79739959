// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package routing

import (
	"math/bits"
	"strings"
)

// PortMask8 tracks up to 8 stream ports on one side of a switch. Bit i set
// means port i is free; cleared means reserved.
type PortMask8 uint8

// Free reports whether port i is free.
func (m PortMask8) Free(i uint8) bool {
	return m&(1<<i) != 0
}

// Reserve clears port i.
func (m *PortMask8) Reserve(i uint8) {
	*m &^= 1 << i
}

// Release sets port i.
func (m *PortMask8) Release(i uint8) {
	*m |= 1 << i
}

// FirstFree returns the lowest free port, or -1 when none is free.
func (m PortMask8) FirstFree() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros8(uint8(m))
}

// FirstPairedFree returns the lowest port free in both masks, or -1.
func FirstPairedFree(a, b PortMask8) int {
	return (a & b).FirstFree()
}

// String renders the mask MSB first in the hardware dump notation.
func (m PortMask8) String() string {
	var b strings.Builder
	b.WriteString("0b")
	for i := 7; i >= 0; i-- {
		b.WriteByte('|')
		if m&(1<<i) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	b.WriteByte('|')
	return b.String()
}

// BDMask tracks a tile's buffer descriptor pool, up to 64 slots. Bit i set
// means slot i is free.
type BDMask uint64

// Free reports whether slot i is free.
func (m BDMask) Free(i uint8) bool {
	return m&(1<<i) != 0
}

// Reserve clears slot i.
func (m *BDMask) Reserve(i uint8) {
	*m &^= 1 << i
}

// Release sets slot i.
func (m *BDMask) Release(i uint8) {
	*m |= 1 << i
}

// FirstFree returns the lowest free slot, or -1 when the pool is exhausted.
func (m BDMask) FirstFree() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// string renders the mask MSB first over n slots, grouped by byte.
func (m BDMask) string(n int) string {
	var b strings.Builder
	b.WriteString("0b")
	for i := n - 1; i >= 0; i-- {
		b.WriteByte('|')
		if m&(1<<i) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
		if i%8 == 0 {
			b.WriteByte('|')
		}
	}
	return b.String()
}
