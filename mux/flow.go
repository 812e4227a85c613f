// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package mux

import (
	"fmt"
	"math"
)

// sendWindow is the sender's view of how many bytes the peer will still
// accept on a stream. It is not synchronized; the stream guards it.
type sendWindow struct {
	avail uint32
}

// reserve takes up to want bytes of window and returns how many were taken.
func (w *sendWindow) reserve(want uint32) uint32 {
	n := min(want, w.avail)
	w.avail -= n
	return n
}

// release hands back a reservation that was never put on the wire.
func (w *sendWindow) release(n uint32) {
	if uint64(w.avail)+uint64(n) > math.MaxUint32 {
		w.avail = math.MaxUint32
		return
	}
	w.avail += n
}

// grow applies a window update from the peer.
func (w *sendWindow) grow(delta uint32) error {
	if uint64(w.avail)+uint64(delta) > math.MaxUint32 {
		return fmt.Errorf("%w: %d + %d", ErrSendWindowOverflow, w.avail, delta)
	}
	w.avail += delta
	return nil
}

// recvWindow tracks how many bytes the peer may still send before it has
// to wait for a window update. It is not synchronized; the stream guards it.
type recvWindow struct {
	max       uint32
	threshold uint32
	avail     uint32
}

func newRecvWindow(initial, max uint32, fraction float64) recvWindow {
	threshold := uint32(float64(max) * fraction)
	if threshold == 0 {
		threshold = 1
	}
	return recvWindow{max: max, threshold: threshold, avail: initial}
}

// consume accounts for n bytes arriving from the peer.
func (w *recvWindow) consume(n uint32) error {
	if n > w.avail {
		return fmt.Errorf("%w: received %d, window %d", ErrRecvWindowExceeded, n, w.avail)
	}
	w.avail -= n
	return nil
}

// update returns the window delta to grant the peer given the bytes still
// buffered and unread, or zero when the delta is below the threshold. When
// force is set any non-zero delta is granted, which is used for the
// window update carrying SYN or ACK.
func (w *recvWindow) update(buffered uint32, force bool) uint32 {
	outstanding := uint64(buffered) + uint64(w.avail)
	if outstanding >= uint64(w.max) {
		return 0
	}
	delta := w.max - uint32(outstanding)
	if delta < w.threshold && !force {
		return 0
	}
	w.avail += delta
	return delta
}

// revoke takes back a grant returned by update that the peer never saw.
func (w *recvWindow) revoke(delta uint32) {
	w.avail -= min(delta, w.avail)
}
