// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmm_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melloos/kernel/pkg/mm/pmm"
)

func newAllocator(t *testing.T, numFrames uint64) *pmm.Allocator {
	t.Helper()
	usable := []pmm.Range{{Start: 0, Frames: numFrames}}
	return pmm.New(logr.Discard(), numFrames, usable, pmm.Range{}, pmm.Range{})
}

// TestP2AllocFreeRestoresState verifies P2: alloc-then-free leaves the
// bitmap's free count unchanged, and a frame that is re-allocated is
// zeroed.
func TestP2AllocFreeRestoresState(t *testing.T) {
	a := newAllocator(t, 64)
	before := a.FreeCount()

	f, ok := a.AllocFrame()
	require.True(t, ok)
	assert.Equal(t, before-1, a.FreeCount())

	copy(a.Bytes(f), []byte{1, 2, 3, 4})

	a.FreeFrame(f)
	assert.Equal(t, before, a.FreeCount())

	// Re-allocating should eventually hand the same frame back out zeroed.
	f2, ok := a.AllocFrame()
	require.True(t, ok)
	for _, b := range a.Bytes(f2) {
		assert.Zero(t, b)
	}
}

func TestDoubleFreeIgnored(t *testing.T) {
	a := newAllocator(t, 8)
	f, ok := a.AllocFrame()
	require.True(t, ok)

	a.FreeFrame(f)
	before := a.FreeCount()
	a.FreeFrame(f) // double free: logged, ignored, not a panic
	assert.Equal(t, before, a.FreeCount())
}

func TestAllocExhaustion(t *testing.T) {
	a := newAllocator(t, 4)
	for i := 0; i < 4; i++ {
		_, ok := a.AllocFrame()
		require.True(t, ok)
	}
	_, ok := a.AllocFrame()
	assert.False(t, ok)
}

func TestAllocContiguousAlignedFirstFit(t *testing.T) {
	a := newAllocator(t, 32)
	// Burn frame 0 so the first aligned run of 4 starting at 0 is blocked.
	_, _ = a.AllocFrame()

	frames, ok := a.AllocContiguous(4, 4)
	require.True(t, ok)
	require.Len(t, frames, 4)
	assert.EqualValues(t, 4, frames[0])
	for i := 1; i < len(frames); i++ {
		assert.Equal(t, frames[0]+pmm.Frame(i), frames[i])
	}
	for _, f := range frames {
		for _, b := range a.Bytes(f) {
			assert.Zero(t, b)
		}
	}
}

func TestKernelImageAndBitmapMarkedUsed(t *testing.T) {
	numFrames := uint64(16)
	usable := []pmm.Range{{Start: 0, Frames: numFrames}}
	kernelImage := pmm.Range{Start: 2, Frames: 2}
	bitmapRange := pmm.Range{Start: 8, Frames: 1}
	a := pmm.New(logr.Discard(), numFrames, usable, kernelImage, bitmapRange)

	assert.Equal(t, numFrames-3, a.FreeCount())
}
