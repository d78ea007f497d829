// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package heap implements the kernel heap: a buddy allocator over a fixed
// 16 MiB arena with orders 0 (64 B) through 14 (1 MiB) (spec §4.3).
package heap

import (
	"unsafe"

	"github.com/go-logr/logr"

	"github.com/melloos/kernel/pkg/kerrors"
	"github.com/melloos/kernel/pkg/ksync"
)

const (
	MinOrder  = 0
	MaxOrder  = 14
	MinSize   = 64 // bytes, order 0
	ArenaSize = 16 << 20 // 16 top-order (1 MiB) blocks
)

func blockSize(order int) int { return MinSize << order }

// orderFor returns the smallest order whose block size is >= size, or
// -1 if size exceeds the largest block the heap can serve.
func orderFor(size int) int {
	if size <= 0 {
		size = 1
	}
	for o := MinOrder; o <= MaxOrder; o++ {
		if blockSize(o) >= size {
			return o
		}
	}
	return -1
}

// Heap is the kernel's buddy allocator. It owns a single contiguous byte
// arena standing in for the fixed RW+NX virtual range the real kernel
// maps at boot (spec §4.3).
type Heap struct {
	mu        ksync.SpinLock
	arena     []byte
	base      uintptr
	freeLists [MaxOrder + 1][]uint32 // stacks of block offsets, free and unallocated
	allocated map[uint32]int         // offset -> order, for double-free/range checks
	log       logr.Logger
}

// New builds a heap with the whole arena as free maximal-order blocks.
func New(log logr.Logger) *Heap {
	h := &Heap{
		arena:     make([]byte, ArenaSize),
		allocated: make(map[uint32]int),
		log:       log.WithName("heap"),
	}
	h.base = uintptr(unsafe.Pointer(&h.arena[0]))
	top := blockSize(MaxOrder)
	for off := 0; off+top <= ArenaSize; off += top {
		h.freeLists[MaxOrder] = append(h.freeLists[MaxOrder], uint32(off))
	}
	return h
}

// Kmalloc rounds size up to the smallest order block that fits, splitting
// larger free blocks as needed, and returns a zeroed slice of exactly
// that block's size. Returns nil if size exceeds the largest order or the
// heap is exhausted (spec §4.3: "null on failure").
func (h *Heap) Kmalloc(size int) []byte {
	order := orderFor(size)
	if order < 0 {
		h.log.Info("kmalloc request exceeds max order", "size", size)
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	off, ok := h.allocFromOrder(order)
	if !ok {
		return nil
	}
	h.allocated[off] = order
	block := h.arena[off : off+uint32(blockSize(order))]
	clear(block)
	return block
}

// allocFromOrder pops a free block at order, recursively splitting a
// block one order up if order's free list is empty.
func (h *Heap) allocFromOrder(order int) (uint32, bool) {
	if n := len(h.freeLists[order]); n > 0 {
		off := h.freeLists[order][n-1]
		h.freeLists[order] = h.freeLists[order][:n-1]
		return off, true
	}
	if order == MaxOrder {
		return 0, false
	}
	parent, ok := h.allocFromOrder(order + 1)
	if !ok {
		return 0, false
	}
	buddy := parent + uint32(blockSize(order))
	h.freeLists[order] = append(h.freeLists[order], buddy)
	return parent, true
}

// Kfree returns a block of size bytes (the size it was allocated with) to
// the heap, coalescing with its XOR-addressed buddy up through the
// orders while that buddy is itself free (spec §4.3). Freeing a pointer
// outside the arena, misaligned for size, or already free panics: that is
// always a caller bug, never a runtime condition the heap should paper
// over.
func (h *Heap) Kfree(ptr []byte, size int) {
	order := orderFor(size)
	if order < 0 || len(ptr) == 0 {
		panic("heap: Kfree called with invalid size")
	}
	off, err := h.offsetOf(ptr, order)
	if err != nil {
		panic("heap: " + err.Error())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	gotOrder, isAllocated := h.allocated[off]
	if !isAllocated || gotOrder != order {
		panic("heap: double free or mismatched size")
	}
	delete(h.allocated, off)
	h.coalesce(off, order)
}

func (h *Heap) offsetOf(ptr []byte, order int) (uint32, error) {
	addr := uintptr(unsafe.Pointer(&ptr[0]))
	if addr < h.base || addr >= h.base+uintptr(ArenaSize) {
		return 0, kerrors.New("Kfree pointer outside heap arena")
	}
	off := uint32(addr - h.base)
	if off%uint32(blockSize(order)) != 0 {
		return 0, kerrors.New("Kfree pointer misaligned for size")
	}
	return off, nil
}

// coalesce merges a freed block with its buddy (offset ^ blockSize(order))
// while that buddy is present, free, and unallocated, climbing orders
// until MaxOrder or a non-coalescable buddy is reached.
func (h *Heap) coalesce(off uint32, order int) {
	for order < MaxOrder {
		buddy := off ^ uint32(blockSize(order))
		idx, found := indexOf(h.freeLists[order], buddy)
		if !found {
			break
		}
		h.freeLists[order] = removeAt(h.freeLists[order], idx)
		if buddy < off {
			off = buddy
		}
		order++
	}
	h.freeLists[order] = append(h.freeLists[order], off)
}

func indexOf(s []uint32, v uint32) (int, bool) {
	for i, x := range s {
		if x == v {
			return i, true
		}
	}
	return 0, false
}

func removeAt(s []uint32, i int) []uint32 {
	s[i] = s[len(s)-1]
	return s[:len(s)-1]
}

// FreeBytes reports how many bytes are currently free across all orders,
// used by /proc-style introspection and tests.
func (h *Heap) FreeBytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for order, list := range h.freeLists {
		total += len(list) * blockSize(order)
	}
	return total
}
