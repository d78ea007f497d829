// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package heap_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melloos/kernel/pkg/mm/heap"
)

// TestP3AllocFreeRestoresFreeList verifies P3: a matching kmalloc/kfree
// pair restores the free-byte total.
func TestP3AllocFreeRestoresFreeList(t *testing.T) {
	h := heap.New(logr.Discard())
	before := h.FreeBytes()

	b := h.Kmalloc(100)
	require.NotNil(t, b)
	assert.Less(t, h.FreeBytes(), before)

	h.Kfree(b, 100)
	assert.Equal(t, before, h.FreeBytes())
}

func TestAllocationsAreZeroedAndDistinct(t *testing.T) {
	h := heap.New(logr.Discard())

	a := h.Kmalloc(64)
	b := h.Kmalloc(64)
	require.NotNil(t, a)
	require.NotNil(t, b)

	for _, v := range a {
		require.Zero(t, v)
	}
	a[0] = 0xFF
	assert.Zero(t, b[0], "two live allocations must never alias")

	h.Kfree(a, 64)
	h.Kfree(b, 64)
}

func TestSplitAndCoalesceAcrossOrders(t *testing.T) {
	h := heap.New(logr.Discard())
	before := h.FreeBytes()

	// Force a split: allocate a small block that must come from a larger
	// free run, then free it and confirm full coalescence back.
	b := h.Kmalloc(200) // rounds to order 2 (256 B)
	require.NotNil(t, b)
	h.Kfree(b, 200)
	assert.Equal(t, before, h.FreeBytes())
}

func TestKmallocTooLargeReturnsNil(t *testing.T) {
	h := heap.New(logr.Discard())
	assert.Nil(t, h.Kmalloc(heap.ArenaSize))
}

func TestDoubleFreePanics(t *testing.T) {
	h := heap.New(logr.Discard())
	b := h.Kmalloc(64)
	require.NotNil(t, b)
	h.Kfree(b, 64)
	assert.Panics(t, func() {
		h.Kfree(b, 64)
	})
}

func TestExhaustion(t *testing.T) {
	h := heap.New(logr.Discard())
	var blocks [][]byte
	for {
		b := h.Kmalloc(blockSizeForTest())
		if b == nil {
			break
		}
		blocks = append(blocks, b)
	}
	assert.NotEmpty(t, blocks)
	for _, b := range blocks {
		h.Kfree(b, blockSizeForTest())
	}
	assert.Equal(t, heap.ArenaSize, h.FreeBytes())
}

func blockSizeForTest() int { return 1 << 20 } // 1 MiB, MaxOrder
