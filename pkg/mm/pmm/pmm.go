// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pmm implements the physical memory manager: a bitmap allocator
// with one bit per 4 KiB frame (spec §4.1).
package pmm

import (
	"github.com/go-logr/logr"

	"github.com/melloos/kernel/pkg/ksync"
)

const FrameSize = 4096

// Frame is a physical frame number (address / FrameSize), not a byte
// address. The allocator never hands out a raw address: callers translate
// through pkg/mm/paging's HHDM window when they need to touch the bytes.
type Frame uint64

// Range is a half-open [Start, Start+Frames) run of frames, used both for
// the bootloader memory map and for carving out reserved regions.
type Range struct {
	Start  Frame
	Frames uint64
}

// Allocator is the bitmap frame allocator. One bit per frame: 0 free, 1
// used. It owns the backing arena bytes that stand in for physical RAM —
// AllocFrame returns a Frame whose backing bytes are guaranteed zeroed.
type Allocator struct {
	mu        ksync.SpinLock
	bitmap    []uint64 // one bit per frame
	numFrames uint64
	arena     []byte // numFrames * FrameSize bytes, simulated RAM
	lastAlloc uint64 // rolling cursor for sequential allocation
	log       logr.Logger
}

// New builds an allocator over numFrames frames. usable lists the frame
// ranges the bootloader memory map reports as Usable; every other frame
// starts out used. kernelImage and bitmapRange are then additionally
// marked used, exactly as spec §4.1 describes: "Initialization consumes a
// bootloader memory map, marks usable ranges free, then re-marks the
// kernel image, the bitmap itself, and bootloader-reserved ranges used."
func New(log logr.Logger, numFrames uint64, usable []Range, kernelImage, bitmapRange Range) *Allocator {
	words := (numFrames + 63) / 64
	a := &Allocator{
		bitmap:    make([]uint64, words),
		numFrames: numFrames,
		arena:     make([]byte, numFrames*FrameSize),
		log:       log.WithName("pmm"),
	}
	// Start with everything used, then free the usable ranges.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	for _, r := range usable {
		a.markRange(r, false)
	}
	a.markRange(kernelImage, true)
	a.markRange(bitmapRange, true)
	return a
}

func (a *Allocator) markRange(r Range, used bool) {
	for f := r.Start; f < r.Start+Frame(r.Frames) && uint64(f) < a.numFrames; f++ {
		a.setBit(uint64(f), used)
	}
}

func (a *Allocator) setBit(frame uint64, used bool) {
	word, bit := frame/64, frame%64
	if used {
		a.bitmap[word] |= 1 << bit
	} else {
		a.bitmap[word] &^= 1 << bit
	}
}

func (a *Allocator) testBit(frame uint64) bool {
	word, bit := frame/64, frame%64
	return a.bitmap[word]&(1<<bit) != 0
}

// AllocFrame returns a zeroed frame, or ok=false on exhaustion (spec §4.1:
// "fails open... returns none on exhaustion").
func (a *Allocator) AllocFrame() (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.findFreeFrom(a.lastAlloc)
	if !ok {
		f, ok = a.findFreeFrom(0)
		if !ok {
			return 0, false
		}
	}
	a.setBit(f, true)
	a.lastAlloc = f + 1
	a.zero(Frame(f))
	return Frame(f), true
}

func (a *Allocator) findFreeFrom(start uint64) (uint64, bool) {
	for f := start; f < a.numFrames; f++ {
		if !a.testBit(f) {
			return f, true
		}
	}
	for f := uint64(0); f < start; f++ {
		if !a.testBit(f) {
			return f, true
		}
	}
	return 0, false
}

// FreeFrame releases a previously allocated frame. Freeing an already-free
// or out-of-range frame is logged and ignored (spec §4.1: "logs and
// ignores double-free"), never a hard error — a double-free here is a
// caller bug, not a condition the kernel should panic over.
func (a *Allocator) FreeFrame(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(f) >= a.numFrames {
		a.log.Info("ignoring free of out-of-range frame", "frame", f)
		return
	}
	if !a.testBit(uint64(f)) {
		a.log.Info("ignoring double-free", "frame", f)
		return
	}
	a.setBit(uint64(f), false)
}

// AllocContiguous first-fit scans for count consecutive free frames whose
// start is aligned to align frames (align must be a power of two), zeroes
// and marks the whole span used.
func (a *Allocator) AllocContiguous(count int, align int) ([]Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if count <= 0 || align <= 0 || align&(align-1) != 0 {
		return nil, false
	}

	for start := uint64(0); start+uint64(count) <= a.numFrames; {
		if start%uint64(align) != 0 {
			start += uint64(align) - start%uint64(align)
			continue
		}
		run := true
		for i := uint64(0); i < uint64(count); i++ {
			if a.testBit(start + i) {
				run = false
				start = start + i + 1
				break
			}
		}
		if !run {
			continue
		}
		frames := make([]Frame, count)
		for i := 0; i < count; i++ {
			a.setBit(start+uint64(i), true)
			a.zero(Frame(start + uint64(i)))
			frames[i] = Frame(start + uint64(i))
		}
		return frames, true
	}
	return nil, false
}

func (a *Allocator) zero(f Frame) {
	off := uint64(f) * FrameSize
	clear(a.arena[off : off+FrameSize])
}

// Bytes returns the backing bytes of a frame. This stands in for the
// kernel reading/writing physical memory through the HHDM window.
func (a *Allocator) Bytes(f Frame) []byte {
	off := uint64(f) * FrameSize
	return a.arena[off : off+FrameSize]
}

// NumFrames reports the total frame count the allocator was built with.
func (a *Allocator) NumFrames() uint64 { return a.numFrames }

// FreeCount reports the number of currently free frames, used by
// /proc-style introspection and tests.
func (a *Allocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var free uint64
	for f := uint64(0); f < a.numFrames; f++ {
		if !a.testBit(f) {
			free++
		}
	}
	return free
}
