// Copyright 2024 The TileFab Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package routing

import (
	"fmt"
	"time"

	"tilefab.io/x/tilefab/conn/fabric"
)

// MoveData performs a one-shot transfer of n bytes along the programmed
// route from src to dst.
//
// srcBuf and dstBuf name the two endpoints. Tile-local memory is addressed
// with fabric.Addressed; shim endpoints take fabric.Backed host allocations
// on handle-addressing backends and raw addresses on the others. The call
// allocates one buffer descriptor per endpoint, enqueues source then
// destination, polls the destination channel until it drains and returns
// the descriptors to the pool. On failure the descriptors acquired so far
// are returned before the error surfaces.
func (ri *Instance) MoveData(src fabric.Loc, srcBuf fabric.Buffer, n uint32, dstBuf fabric.Buffer, dst fabric.Loc) error {
	if err := ri.checkLoc(src); err != nil {
		return err
	}
	if err := ri.checkLoc(dst); err != nil {
		return err
	}
	r := ri.findRoute(src, dst)
	if r == nil {
		return fmt.Errorf("routing: %s -> %s: %w", src, dst, ErrNoRoute)
	}

	srcBD, err := ri.programEndpointBD(src, srcBuf, n)
	if err != nil {
		return err
	}
	dstBD, err := ri.programEndpointBD(dst, dstBuf, n)
	if err != nil {
		ri.tileAt(src).freeBD(srcBD)
		return err
	}
	release := func() {
		ri.tileAt(dst).freeBD(dstBD)
		ri.tileAt(src).freeBD(srcBD)
	}

	srcCh := r.MM2S
	if ri.isShim(src) {
		srcCh = ri.tileAt(src).shimChannelFor(true, r.MM2S)
	}
	dstCh := r.S2MM
	if ri.isShim(dst) {
		dstCh = ri.tileAt(dst).shimChannelFor(false, r.S2MM)
	}

	if err := ri.backend.PushBD(src, srcCh, fabric.MM2S, srcBD); err != nil {
		release()
		return fmt.Errorf("routing: queueing source descriptor on %s ch%d: %w", src, srcCh, err)
	}
	if err := ri.backend.EnableChannel(src, srcCh, fabric.MM2S); err != nil {
		release()
		return fmt.Errorf("routing: enabling MM2S ch%d on %s: %w", srcCh, src, err)
	}
	if err := ri.backend.PushBD(dst, dstCh, fabric.S2MM, dstBD); err != nil {
		release()
		return fmt.Errorf("routing: queueing destination descriptor on %s ch%d: %w", dst, dstCh, err)
	}
	if err := ri.backend.EnableChannel(dst, dstCh, fabric.S2MM); err != nil {
		release()
		return fmt.Errorf("routing: enabling S2MM ch%d on %s: %w", dstCh, dst, err)
	}

	if err := ri.pollPending(dst, dstCh, fabric.S2MM, 0); err != nil {
		release()
		return err
	}
	release()
	return nil
}

// programEndpointBD allocates a descriptor slot on the tile and commits the
// buffer to it.
func (ri *Instance) programEndpointBD(l fabric.Loc, buf fabric.Buffer, n uint32) (uint8, error) {
	t := ri.tileAt(l)
	id, err := t.allocBD()
	if err != nil {
		return 0, fmt.Errorf("routing: descriptor on %s: %w", l, err)
	}
	bd := fabric.BD{Len: n, Valid: true}
	if ri.isShim(l) && !ri.backend.RawAddressing() {
		if buf.Mem == nil {
			t.freeBD(id)
			return 0, fmt.Errorf("routing: shim endpoint %s needs a coherent host allocation on backend %s", l, ri.backend)
		}
		bd.Buf = buf
	} else {
		// Raw addressing: a host allocation collapses to its device
		// address, tile-local memory is already an address.
		if buf.Mem != nil {
			bd.Buf = fabric.Addressed(buf.Mem.DevAddr())
		} else {
			bd.Buf = buf
		}
	}
	if err := ri.backend.WriteBD(l, bd, id); err != nil {
		t.freeBD(id)
		return 0, fmt.Errorf("routing: writing descriptor %d on %s: %w", id, l, err)
	}
	return id, nil
}

// pollPending busy-waits until the channel's pending descriptor count
// reaches zero. A timeout of 0 polls forever.
func (ri *Instance) pollPending(l fabric.Loc, ch uint8, dir fabric.DmaDir, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		pending, err := ri.backend.PendingBDs(l, ch, dir)
		if err != nil {
			return fmt.Errorf("routing: polling %s ch%d %s: %w", l, ch, dir, err)
		}
		if pending == 0 {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("routing: %d descriptors pending on %s ch%d %s: %w", pending, l, ch, dir, ErrTimeout)
		}
		time.Sleep(fabric.PollInterval)
	}
}

// RouteDmaWait blocks until the pending descriptors of the route's DMA
// binding drain: the destination's S2MM channel when s2mm is true, the
// source's MM2S channel otherwise.
//
// A timeout of 0 polls forever; on expiry ErrTimeout is returned wrapped
// with the tile and channel.
func (ri *Instance) RouteDmaWait(src, dst fabric.Loc, s2mm bool, timeout time.Duration) error {
	if err := ri.checkLoc(src); err != nil {
		return err
	}
	if err := ri.checkLoc(dst); err != nil {
		return err
	}
	r := ri.findRoute(src, dst)
	if r == nil {
		return fmt.Errorf("routing: %s -> %s: %w", src, dst, ErrNoRoute)
	}
	if s2mm {
		ch := r.S2MM
		if ri.isShim(dst) {
			ch = ri.tileAt(dst).shimChannelFor(false, r.S2MM)
		}
		return ri.pollPending(dst, ch, fabric.S2MM, timeout)
	}
	ch := r.MM2S
	if ri.isShim(src) {
		ch = ri.tileAt(src).shimChannelFor(true, r.MM2S)
	}
	return ri.pollPending(src, ch, fabric.MM2S, timeout)
}
